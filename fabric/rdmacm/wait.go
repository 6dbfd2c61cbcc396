//go:build linux

package rdmacm

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollSlice bounds a single poll(2) so cancellation without a deadline is
// still observed.
const pollSlice = 100 * time.Millisecond

// waitReadable blocks until fd is readable or ctx is done.
func waitReadable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := pollSlice
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if remaining < timeout {
				timeout = remaining
			}
		}
		ms := int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return unix.EBADF
			}
			return nil
		}
	}
}
