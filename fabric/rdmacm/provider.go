//go:build rdmacm && cgo

package rdmacm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmawrite-go/fabric"
	"github.com/rocketbitz/rdmawrite-go/internal/capi"
)

// Available reports whether the provider was compiled in.
const Available = true

type provider struct{}

// New returns the librdmacm provider.
func New() (fabric.Provider, error) {
	return provider{}, nil
}

func (provider) Name() string { return "rdmacm" }

func (provider) CreateEventChannel() (fabric.EventChannel, error) {
	ch, err := capi.CreateEventChannel()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(ch.Fd(), true); err != nil {
		ch.Destroy()
		return nil, fmt.Errorf("set event channel non-blocking: %w", err)
	}
	return &eventChannel{ch: ch}, nil
}

type eventChannel struct {
	ch *capi.EventChannel
}

func (c *eventChannel) CreateID() (fabric.ConnID, error) {
	if c.ch == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "event channel"}
	}
	id, err := c.ch.CreateID()
	if err != nil {
		return nil, err
	}
	return &connID{id: id}, nil
}

func (c *eventChannel) GetEvent(ctx context.Context) (*fabric.CMEvent, error) {
	if c.ch == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "event channel"}
	}
	for {
		ev, err := c.ch.GetEvent()
		if errors.Is(err, capi.ErrAgain) {
			if err := waitReadable(ctx, c.ch.Fd()); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return &fabric.CMEvent{
			Type:        eventType(ev.Type()),
			Status:      ev.Status(),
			PrivateData: ev.PrivateData(),
			Handle:      ev,
		}, nil
	}
}

func (c *eventChannel) Ack(ev *fabric.CMEvent) error {
	if ev == nil {
		return fabric.ErrInvalidHandle{Resource: "cm event"}
	}
	h, ok := ev.Handle.(*capi.CMEvent)
	if !ok {
		return fabric.ErrInvalidHandle{Resource: "cm event"}
	}
	return h.Ack()
}

func (c *eventChannel) Close() error {
	if c.ch == nil {
		return fabric.ErrInvalidHandle{Resource: "event channel"}
	}
	c.ch.Destroy()
	c.ch = nil
	return nil
}

func eventType(t int) fabric.EventType {
	switch t {
	case capi.CMEventAddrResolved:
		return fabric.EventAddrResolved
	case capi.CMEventAddrError:
		return fabric.EventAddrError
	case capi.CMEventRouteResolved:
		return fabric.EventRouteResolved
	case capi.CMEventRouteError:
		return fabric.EventRouteError
	case capi.CMEventConnectRequest:
		return fabric.EventConnectRequest
	case capi.CMEventConnectResponse:
		return fabric.EventConnectResponse
	case capi.CMEventConnectError:
		return fabric.EventConnectError
	case capi.CMEventUnreachable:
		return fabric.EventUnreachable
	case capi.CMEventRejected:
		return fabric.EventRejected
	case capi.CMEventEstablished:
		return fabric.EventEstablished
	case capi.CMEventDisconnected:
		return fabric.EventDisconnected
	case capi.CMEventDeviceRemoval:
		return fabric.EventDeviceRemoval
	case capi.CMEventTimewaitExit:
		return fabric.EventTimewaitExit
	default:
		return fabric.EventType(1000 + t)
	}
}

type connID struct {
	id *capi.CMID
	qp *capi.QP
}

func millis(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func (c *connID) ResolveAddr(addr string, timeout time.Duration) error {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("rdma_resolve_addr: %w", err)
	}
	return c.id.ResolveAddr(host, service, millis(timeout))
}

func (c *connID) ResolveRoute(timeout time.Duration) error {
	return c.id.ResolveRoute(millis(timeout))
}

func (c *connID) Device() (fabric.Device, error) {
	ctx := c.id.Context()
	if ctx == nil {
		return nil, fabric.ErrNotResolved
	}
	return &device{ctx: ctx}, nil
}

func (c *connID) CreateQP(pd fabric.ProtectionDomain, attr fabric.QPAttr) (fabric.QueuePair, error) {
	p, ok := pd.(*protectionDomain)
	if !ok || p.pd == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "protection domain"}
	}
	send, ok := attr.SendCQ.(*completionQueue)
	if !ok {
		return nil, fabric.ErrInvalidHandle{Resource: "send completion queue"}
	}
	recv, ok := attr.RecvCQ.(*completionQueue)
	if !ok {
		return nil, fabric.ErrInvalidHandle{Resource: "recv completion queue"}
	}
	qp, err := c.id.CreateQP(p.pd, send.cq, recv.cq, attr.MaxSendWR, attr.MaxRecvWR, attr.MaxSendSGE, attr.MaxRecvSGE, attr.SignalAllWRs)
	if err != nil {
		return nil, err
	}
	c.qp = qp
	return &queuePair{qp: qp}, nil
}

func (c *connID) Connect(param fabric.ConnParam) error {
	if len(param.PrivateData) > fabric.MaxPrivateData {
		return fmt.Errorf("rdma_connect: private data %d bytes exceeds %d", len(param.PrivateData), fabric.MaxPrivateData)
	}
	return c.id.Connect(param.PrivateData, param.InitiatorDepth, param.ResponderRes, param.RetryCount, param.RNRRetryCount)
}

func (c *connID) Disconnect() error { return c.id.Disconnect() }

func (c *connID) DestroyQP() error {
	if c.qp == nil {
		return fabric.ErrInvalidHandle{Resource: "queue pair"}
	}
	c.id.DestroyQP()
	c.qp = nil
	return nil
}

func (c *connID) Close() error { return c.id.Destroy() }

type device struct {
	ctx *capi.Context
}

func (d *device) AllocPD() (fabric.ProtectionDomain, error) {
	pd, err := d.ctx.AllocPD()
	if err != nil {
		return nil, err
	}
	return &protectionDomain{pd: pd}, nil
}

func (d *device) CreateCompletionChannel() (fabric.CompletionChannel, error) {
	ch, err := d.ctx.CreateCompChannel()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(ch.Fd(), true); err != nil {
		_ = ch.Destroy()
		return nil, fmt.Errorf("set completion channel non-blocking: %w", err)
	}
	return &completionChannel{ctx: d.ctx, ch: ch, cqs: make(map[unsafe.Pointer]*completionQueue)}, nil
}

type protectionDomain struct {
	pd *capi.PD
}

func (p *protectionDomain) RegisterMemory(buf []byte, access fabric.Access) (fabric.MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("ibv_reg_mr: empty buffer")
	}
	ptr := capi.AllocBytes(uintptr(len(buf)))
	if ptr == nil {
		return nil, capi.ErrNoMemory.WithOp("ibv_reg_mr")
	}
	pinned := unsafe.Slice((*byte)(ptr), len(buf))
	copy(pinned, buf)
	mr, err := p.pd.RegisterMemory(ptr, uintptr(len(buf)), verbsAccess(access))
	if err != nil {
		capi.FreeBytes(ptr)
		return nil, err
	}
	return &memoryRegion{mr: mr, ptr: ptr, buf: pinned}, nil
}

func (p *protectionDomain) Close() error {
	if p.pd == nil {
		return fabric.ErrInvalidHandle{Resource: "protection domain"}
	}
	if err := p.pd.Dealloc(); err != nil {
		return busy(err)
	}
	p.pd = nil
	return nil
}

func verbsAccess(a fabric.Access) int {
	var out int
	if a&fabric.AccessLocalWrite != 0 {
		out |= capi.AccessLocal
	}
	if a&fabric.AccessRemoteWrite != 0 {
		out |= capi.AccessRemoteWr
	}
	if a&fabric.AccessRemoteRead != 0 {
		out |= capi.AccessRemoteRd
	}
	return out
}

func busy(err error) error {
	if errors.Is(err, capi.ErrBusy) {
		return fmt.Errorf("%w: %w", fabric.ErrBusy, err)
	}
	return err
}

type memoryRegion struct {
	mr  *capi.MR
	ptr unsafe.Pointer
	buf []byte
}

func (m *memoryRegion) Bytes() []byte     { return m.buf }
func (m *memoryRegion) LocalKey() uint32  { return m.mr.LKey() }
func (m *memoryRegion) RemoteKey() uint32 { return m.mr.RKey() }
func (m *memoryRegion) Addr() uint64      { return m.mr.Addr() }

func (m *memoryRegion) Close() error {
	if m.mr == nil {
		return fabric.ErrInvalidHandle{Resource: "memory region"}
	}
	if err := m.mr.Dereg(); err != nil {
		return busy(err)
	}
	capi.FreeBytes(m.ptr)
	m.mr, m.ptr, m.buf = nil, nil, nil
	return nil
}

func (m *memoryRegion) window(offset, length int) (unsafe.Pointer, error) {
	if m == nil || m.mr == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "memory region"}
	}
	if offset < 0 || length <= 0 || offset+length > len(m.buf) {
		return nil, fmt.Errorf("window [%d,%d) outside %d byte region", offset, offset+length, len(m.buf))
	}
	return unsafe.Add(m.ptr, offset), nil
}

type completionChannel struct {
	ctx *capi.Context
	ch  *capi.CompChannel

	mu  sync.Mutex
	cqs map[unsafe.Pointer]*completionQueue
}

func (c *completionChannel) CreateCQ(depth int) (fabric.CompletionQueue, error) {
	cq, err := c.ch.CreateCQ(c.ctx, depth)
	if err != nil {
		return nil, err
	}
	q := &completionQueue{cq: cq, owner: c}
	c.mu.Lock()
	c.cqs[cq.Handle()] = q
	c.mu.Unlock()
	return q, nil
}

func (c *completionChannel) GetEvent(ctx context.Context) (fabric.CompletionQueue, error) {
	if c.ch == nil {
		return nil, fabric.ErrInvalidHandle{Resource: "completion channel"}
	}
	for {
		handle, err := c.ch.GetCQEvent()
		if errors.Is(err, capi.ErrAgain) {
			if err := waitReadable(ctx, c.ch.Fd()); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		q, ok := c.cqs[handle]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("ibv_get_cq_event: notification for unknown queue %p", handle)
		}
		return q, nil
	}
}

func (c *completionChannel) Close() error {
	if c.ch == nil {
		return fabric.ErrInvalidHandle{Resource: "completion channel"}
	}
	if err := c.ch.Destroy(); err != nil {
		return busy(err)
	}
	c.ch = nil
	return nil
}

type completionQueue struct {
	cq    *capi.CQ
	owner *completionChannel
}

func (q *completionQueue) RequestNotify() error { return q.cq.RequestNotify() }

func (q *completionQueue) AckEvents(n int) { q.cq.AckEvents(n) }

func (q *completionQueue) Poll(wc []fabric.Completion) (int, error) {
	raw := make([]capi.WorkCompletion, len(wc))
	n, err := q.cq.Poll(raw)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		wc[i] = fabric.Completion{
			ID:        raw[i].ID,
			Status:    completionStatus(raw[i].Status),
			Opcode:    completionOpcode(raw[i].Opcode),
			ByteLen:   raw[i].ByteLen,
			VendorErr: raw[i].VendorErr,
		}
	}
	return n, nil
}

func (q *completionQueue) Close() error {
	if q.cq == nil {
		return fabric.ErrInvalidHandle{Resource: "completion queue"}
	}
	handle := q.cq.Handle()
	if err := q.cq.Destroy(); err != nil {
		return busy(err)
	}
	q.owner.mu.Lock()
	delete(q.owner.cqs, handle)
	q.owner.mu.Unlock()
	q.cq = nil
	return nil
}

func completionStatus(s int) fabric.Status {
	switch s {
	case capi.WCSuccess:
		return fabric.StatusSuccess
	case capi.WCLocLenErr:
		return fabric.StatusLocalLength
	case capi.WCLocQPOpErr:
		return fabric.StatusLocalQPOperation
	case capi.WCLocProtErr:
		return fabric.StatusLocalProtection
	case capi.WCFlushErr:
		return fabric.StatusFlushed
	case capi.WCRemInvReqErr:
		return fabric.StatusRemoteInvalidRequest
	case capi.WCRemAccessErr:
		return fabric.StatusRemoteAccess
	case capi.WCRemOpErr:
		return fabric.StatusRemoteOperation
	case capi.WCRetryExcErr:
		return fabric.StatusRetryExceeded
	case capi.WCRNRRetryExcErr:
		return fabric.StatusRNRRetryExceeded
	default:
		return fabric.StatusGeneral
	}
}

func completionOpcode(op int) fabric.Opcode {
	switch op {
	case capi.WCOpSend:
		return fabric.OpSend
	case capi.WCOpRDMAWrite:
		return fabric.OpRemoteWrite
	case capi.WCOpRecv:
		return fabric.OpRecv
	default:
		return 0
	}
}

type queuePair struct {
	qp *capi.QP
}

func (q *queuePair) PostSend(wr *fabric.SendRequest) error {
	if wr == nil {
		return fmt.Errorf("ibv_post_send: nil work request")
	}
	mr, ok := wr.Region.(*memoryRegion)
	if !ok {
		return fabric.ErrInvalidHandle{Resource: "memory region"}
	}
	addr, err := mr.window(wr.Offset, wr.Length)
	if err != nil {
		return fmt.Errorf("ibv_post_send: %w", err)
	}
	var opcode int
	switch wr.Opcode {
	case fabric.OpSend:
		opcode = capi.WROpSend
	case fabric.OpRemoteWrite:
		opcode = capi.WROpRDMAWrite
	default:
		return fmt.Errorf("ibv_post_send: unsupported opcode %s", wr.Opcode)
	}
	err = q.qp.PostSend(wr.ID, opcode, addr, uint32(wr.Length), mr.LocalKey(), wr.Signaled, wr.RemoteAddr, wr.RemoteKey)
	if errors.Is(err, capi.ErrNoMemory) {
		return fmt.Errorf("%w: %w", fabric.ErrQueueFull, err)
	}
	return err
}

func (q *queuePair) PostRecv(wr *fabric.RecvRequest) error {
	if wr == nil {
		return fmt.Errorf("ibv_post_recv: nil work request")
	}
	mr, ok := wr.Region.(*memoryRegion)
	if !ok {
		return fabric.ErrInvalidHandle{Resource: "memory region"}
	}
	addr, err := mr.window(wr.Offset, wr.Length)
	if err != nil {
		return fmt.Errorf("ibv_post_recv: %w", err)
	}
	err = q.qp.PostRecv(wr.ID, addr, uint32(wr.Length), mr.LocalKey())
	if errors.Is(err, capi.ErrNoMemory) {
		return fmt.Errorf("%w: %w", fabric.ErrQueueFull, err)
	}
	return err
}
