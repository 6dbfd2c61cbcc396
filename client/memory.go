package client

import (
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// Buffer sizes. The request buffer holds the two operands; its first slot is
// reused as the receive target for the answer.
const (
	requestBufferSize = 8
	notifyBufferSize  = 1
	answerSize        = 4
	operandSize       = 4
)

// Region is a registered local buffer. Its bytes are the provider's view of
// the registration, which may be a pinned copy of the caller's buffer.
type Region struct {
	name   string
	buf    []byte
	mr     fabric.MemoryRegion
	closed bool
}

func register(pd fabric.ProtectionDomain, name string, buf []byte, access fabric.Access) (*Region, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("register %s buffer: empty buffer", name)
	}
	mr, err := pd.RegisterMemory(buf, access)
	if err != nil {
		return nil, fmt.Errorf("register %s buffer: %w", name, err)
	}
	return &Region{name: name, buf: mr.Bytes(), mr: mr}, nil
}

// Bytes returns the registered buffer.
func (r *Region) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.buf
}

func (r *Region) memoryRegion() fabric.MemoryRegion {
	if r == nil {
		return nil
	}
	return r.mr
}

// deregister releases the registration. Providers may free the backing
// memory, so the region drops its view of it.
func (r *Region) deregister() error {
	if r == nil || r.closed {
		return nil
	}
	if err := r.mr.Close(); err != nil {
		return fmt.Errorf("deregister %s buffer: %w", r.name, err)
	}
	r.closed = true
	r.buf = nil
	return nil
}
