//go:build cgo && rdmacm

package capi

import (
	"errors"
	"fmt"
	"syscall"
)

/*
#include <errno.h>
#include <string.h>
*/
import "C"

// Errno represents a Linux error code reported by librdmacm or libibverbs
// (positive integral value).
type Errno int32

// Error codes mirrored from <errno.h>. This list covers the values the
// connection manager and verbs calls we wrap are documented to return.
const (
	Success         Errno = 0
	ErrAgain        Errno = Errno(C.EAGAIN)
	ErrNoMemory     Errno = Errno(C.ENOMEM)
	ErrBusy         Errno = Errno(C.EBUSY)
	ErrInvalid      Errno = Errno(C.EINVAL)
	ErrNoDevice     Errno = Errno(C.ENODEV)
	ErrNoData       Errno = Errno(C.ENODATA)
	ErrNotSupp      Errno = Errno(C.EOPNOTSUPP)
	ErrAddrNotAvail Errno = Errno(C.EADDRNOTAVAIL)
	ErrTimedOut     Errno = Errno(C.ETIMEDOUT)
	ErrConnRefused  Errno = Errno(C.ECONNREFUSED)
	ErrConnReset    Errno = Errno(C.ECONNRESET)
	ErrHostUnreach  Errno = Errno(C.EHOSTUNREACH)
	ErrIO           Errno = Errno(C.EIO)
	ErrProto        Errno = Errno(C.EPROTO)
)

// Error returns the human-readable string as produced by strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the C library message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return C.GoString(C.strerror(C.int(e)))
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a verbs return code into a Go error. Verbs calls
// return 0 on success and an errno on failure; some providers report the
// errno negated, so both signs are accepted.
func ErrorFromStatus(status int, op string) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return Errno(status).WithOp(op)
}

// ErrorFromErrno converts the errno captured by a cgo call into a Go error.
// librdmacm calls return -1 and set errno; a missing errno is reported as EIO.
func ErrorFromErrno(ret int, err error, op string) error {
	if ret == 0 {
		return nil
	}
	var en syscall.Errno
	if errors.As(err, &en) && en != 0 {
		return Errno(en).WithOp(op)
	}
	return ErrIO.WithOp(op)
}
