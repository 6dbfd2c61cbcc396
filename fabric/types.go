package fabric

import "fmt"

// EventType enumerates connection-management events.
type EventType int

const (
	EventAddrResolved EventType = iota + 1
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectResponse
	EventConnectError
	EventUnreachable
	EventRejected
	EventEstablished
	EventDisconnected
	EventDeviceRemoval
	EventTimewaitExit
)

func (t EventType) String() string {
	switch t {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventAddrError:
		return "ADDR_ERROR"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventRouteError:
		return "ROUTE_ERROR"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventConnectResponse:
		return "CONNECT_RESPONSE"
	case EventConnectError:
		return "CONNECT_ERROR"
	case EventUnreachable:
		return "UNREACHABLE"
	case EventRejected:
		return "REJECTED"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventDeviceRemoval:
		return "DEVICE_REMOVAL"
	case EventTimewaitExit:
		return "TIMEWAIT_EXIT"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// CMEvent is a connection-management event. PrivateData is only populated
// for connect-time events that carry it.
type CMEvent struct {
	Type        EventType
	Status      int
	PrivateData []byte

	// Handle is provider-owned state needed to acknowledge the event.
	Handle any
}

// TimedOut reports whether the event carries a provider timeout status.
func (e *CMEvent) TimedOut() bool {
	return e != nil && e.Status == StatusCodeTimedOut
}

// StatusCodeTimedOut is the CM event status providers report for expired
// address or route resolution (-ETIMEDOUT).
const StatusCodeTimedOut = -110

// Access is a memory registration access mask.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Opcode identifies the kind of a send-queue work request.
type Opcode int

const (
	OpSend Opcode = iota + 1
	OpRemoteWrite
	OpRecv
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRemoteWrite:
		return "rdma_write"
	case OpRecv:
		return "recv"
	default:
		return "opcode"
	}
}

// SendRequest describes a send or one-sided write. The payload is the
// [Offset, Offset+Length) window of Region.
type SendRequest struct {
	ID         uint64
	Opcode     Opcode
	Region     MemoryRegion
	Offset     int
	Length     int
	Signaled   bool
	RemoteAddr uint64
	RemoteKey  uint32
}

// RecvRequest posts the [Offset, Offset+Length) window of Region as a
// receive target.
type RecvRequest struct {
	ID     uint64
	Region MemoryRegion
	Offset int
	Length int
}

// Status is a work completion status.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalLength
	StatusLocalQPOperation
	StatusLocalProtection
	StatusFlushed
	StatusRemoteInvalidRequest
	StatusRemoteAccess
	StatusRemoteOperation
	StatusRetryExceeded
	StatusRNRRetryExceeded
	StatusGeneral
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalLength:
		return "local length error"
	case StatusLocalQPOperation:
		return "local QP operation error"
	case StatusLocalProtection:
		return "local protection error"
	case StatusFlushed:
		return "work request flushed"
	case StatusRemoteInvalidRequest:
		return "remote invalid request"
	case StatusRemoteAccess:
		return "remote access error"
	case StatusRemoteOperation:
		return "remote operation error"
	case StatusRetryExceeded:
		return "transport retry counter exceeded"
	case StatusRNRRetryExceeded:
		return "RNR retry counter exceeded"
	default:
		return "general error"
	}
}

// Completion is a single work completion.
type Completion struct {
	ID        uint64
	Status    Status
	Opcode    Opcode
	ByteLen   uint32
	VendorErr uint32
}
