package client

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

var (
	// ErrClosed indicates the client has already been closed.
	ErrClosed = errors.New("rdma-write client: closed")
	// ErrResolveTimeout indicates address or route resolution did not finish
	// within the resolution bound.
	ErrResolveTimeout = errors.New("rdma-write client: resolution timed out")
	// ErrRejected indicates the peer refused the connection request.
	ErrRejected = errors.New("rdma-write client: connection rejected by peer")
	// ErrUnexpectedEvent indicates a connection-management event other than
	// the one the current state requires.
	ErrUnexpectedEvent = errors.New("rdma-write client: unexpected connection event")
	// ErrUnexpectedCompletion indicates a completion that is unknown,
	// duplicated or out of protocol order.
	ErrUnexpectedCompletion = errors.New("rdma-write client: unexpected completion")
	// ErrShortPoll indicates more completion notifications than completions.
	ErrShortPoll = errors.New("rdma-write client: completion notification without a completion")
	// ErrExchangeDone indicates Exchange was already called on the client.
	ErrExchangeDone = errors.New("rdma-write client: exchange already performed")
)

// ErrorKind classifies failures.
type ErrorKind int

const (
	KindResource ErrorKind = iota + 1
	KindProtocol
	KindTimeout
	KindLocalIO
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindLocalIO:
		return "local_io"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// StageError reports which stage failed. Stage is the state the failed step
// would have entered.
type StageError struct {
	Stage State
	Op    string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rdma-write %s (%s, %s): %v", e.Op, e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage State, op string, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Op: op, Kind: kind, Err: err}
}

// CompletionError exposes a work completion that finished with a failure status.
type CompletionError struct {
	ID        WorkID
	Opcode    fabric.Opcode
	Status    fabric.Status
	VendorErr uint32
}

func (e CompletionError) Error() string {
	return fmt.Sprintf("rdma-write %s completion error: %s (opcode=%s vendor=0x%x)", e.ID, e.Status, e.Opcode, e.VendorErr)
}

// KindOf returns the kind of err, or 0 when err carries no StageError.
func KindOf(err error) ErrorKind {
	var stage *StageError
	if errors.As(err, &stage) {
		return stage.Kind
	}
	return 0
}
