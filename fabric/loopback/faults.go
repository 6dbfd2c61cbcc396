package loopback

import (
	"errors"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// ErrInjected is returned by operations failed through Faults.
var ErrInjected = errors.New("loopback: injected failure")

// Faults injects failures into the client-side resources of a provider.
// The zero value injects nothing.
type Faults struct {
	// StallAddr and StallRoute report a timed-out ADDR_ERROR / ROUTE_ERROR
	// once the requested resolution timeout elapses.
	StallAddr  bool
	StallRoute bool
	// Blackhole swallows the resolution event entirely.
	Blackhole bool

	// AddrEvent, RouteEvent and ConnectEvent replace the event delivered
	// for the respective request when non-zero.
	AddrEvent    fabric.EventType
	RouteEvent   fabric.EventType
	ConnectEvent fabric.EventType

	FailAllocPD     bool
	FailCompChannel bool
	FailCreateCQ    bool
	FailRegister    bool
	FailCreateQP    bool
	FailConnect     bool
	FailPostRecv    bool
	FailPostSend    bool
	FailAck         bool

	// CompletionStatus overrides the status of the completion generated for
	// the work request with the given id.
	CompletionStatus map[uint64]fabric.Status
}

func (f *Faults) statusFor(id uint64, fallback fabric.Status) fabric.Status {
	if f == nil || f.CompletionStatus == nil {
		return fallback
	}
	if status, ok := f.CompletionStatus[id]; ok {
		return status
	}
	return fallback
}
