package fabric

import "errors"

var (
	// ErrUnsupported indicates the provider is not available in this build.
	ErrUnsupported = errors.New("fabric: provider not supported in this build")
	// ErrBusy indicates a resource is still referenced by outstanding work.
	ErrBusy = errors.New("fabric: resource busy")
	// ErrClosed indicates a handle was used after it was released.
	ErrClosed = errors.New("fabric: handle closed")
	// ErrNotResolved indicates an operation needs a resolved address or route.
	ErrNotResolved = errors.New("fabric: not resolved")
	// ErrQueueFull indicates a work or completion queue is at capacity.
	ErrQueueFull = errors.New("fabric: queue full")
)

// ErrInvalidHandle indicates a nil or released handle was used.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// Is lets errors.Is(err, ErrClosed) match invalid handles.
func (e ErrInvalidHandle) Is(target error) bool {
	return target == ErrClosed
}
