// Package fabric defines the capability surface an RDMA provider exposes to
// the rdma-write client: connection-management event channels, connection
// identifiers, protection domains, memory registration, queue pairs and the
// completion notification subsystem.
//
// Implementations live in subpackages: fabric/rdmacm binds librdmacm and
// libibverbs, fabric/loopback is an in-memory stand-in with a stub peer.
package fabric

import (
	"context"
	"time"
)

// Provider opens the root object of a fabric session.
type Provider interface {
	// Name identifies the provider in logs and metric labels.
	Name() string
	// CreateEventChannel opens a connection-management event channel.
	CreateEventChannel() (EventChannel, error)
}

// EventChannel delivers connection-management events for the identifiers
// created on it.
type EventChannel interface {
	// CreateID allocates a reliable-connection identifier bound to the channel.
	CreateID() (ConnID, error)
	// GetEvent blocks until the next event arrives or ctx is done. Every
	// returned event must be acknowledged with Ack.
	GetEvent(ctx context.Context) (*CMEvent, error)
	// Ack releases an event returned by GetEvent.
	Ack(ev *CMEvent) error
	// Close destroys the channel. All identifiers must be destroyed first.
	Close() error
}

// ConnID is a connection identifier, the RDMA analogue of a socket.
type ConnID interface {
	// ResolveAddr starts resolving addr (host:service). Completion is reported
	// as EventAddrResolved or EventAddrError on the owning channel.
	ResolveAddr(addr string, timeout time.Duration) error
	// ResolveRoute starts route resolution. Completion is reported as
	// EventRouteResolved or EventRouteError.
	ResolveRoute(timeout time.Duration) error
	// Device returns the device the address resolved to. Valid once the
	// address is resolved.
	Device() (Device, error)
	// CreateQP creates the identifier's queue pair.
	CreateQP(pd ProtectionDomain, attr QPAttr) (QueuePair, error)
	// Connect sends a connection request carrying param.PrivateData.
	Connect(param ConnParam) error
	// Disconnect tears down an established connection. EventDisconnected is
	// reported on the owning channel.
	Disconnect() error
	// DestroyQP destroys the queue pair created by CreateQP, flushing any
	// outstanding work requests.
	DestroyQP() error
	// Close destroys the identifier.
	Close() error
}

// Device is the verbs context a connection identifier resolved to.
type Device interface {
	AllocPD() (ProtectionDomain, error)
	CreateCompletionChannel() (CompletionChannel, error)
}

// ProtectionDomain scopes memory registrations and queue pairs.
type ProtectionDomain interface {
	// RegisterMemory registers buf for fabric access. Providers may back the
	// region with their own pinned copy of buf; callers must read and write
	// through MemoryRegion.Bytes afterwards.
	RegisterMemory(buf []byte, access Access) (MemoryRegion, error)
	Close() error
}

// MemoryRegion is a registered buffer.
type MemoryRegion interface {
	Bytes() []byte
	LocalKey() uint32
	RemoteKey() uint32
	// Addr returns the address remote peers use to target the region.
	Addr() uint64
	// Close deregisters the region. Providers return ErrBusy while posted
	// work still references it.
	Close() error
}

// CompletionChannel delivers completion notifications for its queues.
type CompletionChannel interface {
	CreateCQ(depth int) (CompletionQueue, error)
	// GetEvent blocks until a queue created on this channel signals a
	// completion notification or ctx is done.
	GetEvent(ctx context.Context) (CompletionQueue, error)
	Close() error
}

// CompletionQueue reports finished work requests.
type CompletionQueue interface {
	// RequestNotify arms the next completion notification. Arming is one-shot
	// and only fires for completions added after the call, so consumers
	// drain with Poll after every re-arm.
	RequestNotify() error
	// Poll moves up to len(wc) completions into wc and returns the count.
	Poll(wc []Completion) (int, error)
	// AckEvents acknowledges n notifications returned by GetEvent.
	AckEvents(n int)
	Close() error
}

// QueuePair posts work requests on an established connection.
type QueuePair interface {
	PostSend(wr *SendRequest) error
	PostRecv(wr *RecvRequest) error
}

// QPAttr sizes a reliable-connection queue pair.
type QPAttr struct {
	SendCQ       CompletionQueue
	RecvCQ       CompletionQueue
	MaxSendWR    int
	MaxRecvWR    int
	MaxSendSGE   int
	MaxRecvSGE   int
	SignalAllWRs bool
}

// ConnParam carries connect-time parameters.
type ConnParam struct {
	PrivateData    []byte
	InitiatorDepth uint8
	ResponderRes   uint8
	RetryCount     uint8
	RNRRetryCount  uint8
}

// MaxPrivateData bounds connect-time private data on reliable connections.
const MaxPrivateData = 56
