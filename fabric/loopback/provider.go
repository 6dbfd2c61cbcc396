package loopback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

const eventChannelDepth = 16

// Reject and unreachable statuses reported on CM events.
const (
	statusConsumerReject = 28
	statusNoDevice       = -19
)

type provider struct {
	net    *Network
	faults Faults
}

func (p *provider) Name() string { return "loopback" }

func (p *provider) CreateEventChannel() (fabric.EventChannel, error) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	p.net.acquire(resourceEventChannel)
	return &eventChannel{
		net:    p.net,
		faults: &p.faults,
		events: make(chan *fabric.CMEvent, eventChannelDepth),
	}, nil
}

type eventChannel struct {
	net    *Network
	faults *Faults
	events chan *fabric.CMEvent

	ids     int
	unacked int
	closed  bool
}

// deliver queues ev; callers hold net.mu.
func (c *eventChannel) deliver(ev *fabric.CMEvent) {
	if c.closed {
		return
	}
	ev.Handle = c
	select {
	case c.events <- ev:
	default:
		// A full channel means the consumer stopped reading; the event is lost
		// the same way an overrun rdma_cm channel would drop it.
	}
}

func (c *eventChannel) deliverAfter(d time.Duration, ev *fabric.CMEvent) {
	time.AfterFunc(d, func() {
		c.net.mu.Lock()
		defer c.net.mu.Unlock()
		c.deliver(ev)
	})
}

func (c *eventChannel) CreateID() (fabric.ConnID, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceEventChannel}
	}
	c.ids++
	c.net.acquire(resourceID)
	return &connID{ch: c, net: c.net, faults: c.faults}, nil
}

func (c *eventChannel) GetEvent(ctx context.Context) (*fabric.CMEvent, error) {
	c.net.mu.Lock()
	closed := c.closed
	c.net.mu.Unlock()
	if closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceEventChannel}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-c.events:
		c.net.mu.Lock()
		c.unacked++
		c.net.mu.Unlock()
		return ev, nil
	}
}

func (c *eventChannel) Ack(ev *fabric.CMEvent) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if ev == nil || ev.Handle != c {
		return errors.New("loopback: ack of foreign event")
	}
	if c.faults.FailAck {
		return fmt.Errorf("ack %s: %w", ev.Type, ErrInjected)
	}
	if c.unacked == 0 {
		return errors.New("loopback: event already acknowledged")
	}
	c.unacked--
	ev.Handle = nil
	return nil
}

func (c *eventChannel) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return c.net.invalidRelease(resourceEventChannel)
	}
	if c.ids > 0 || c.unacked > 0 {
		return fmt.Errorf("destroy event channel: %w", fabric.ErrBusy)
	}
	c.closed = true
	c.net.release(resourceEventChannel)
	return nil
}

type connID struct {
	ch     *eventChannel
	net    *Network
	faults *Faults

	peer          *Peer
	addrResolved  bool
	routeResolved bool
	qp            *queuePair
	connected     bool
	closed        bool
}

func (id *connID) ResolveAddr(addr string, timeout time.Duration) error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.closed {
		return fabric.ErrInvalidHandle{Resource: resourceID}
	}
	if id.addrResolved {
		return errors.New("loopback: address already resolved")
	}
	switch {
	case id.faults.Blackhole:
		return nil
	case id.faults.StallAddr:
		id.ch.deliverAfter(timeout, &fabric.CMEvent{Type: fabric.EventAddrError, Status: fabric.StatusCodeTimedOut})
		return nil
	case id.faults.AddrEvent != 0:
		id.ch.deliver(&fabric.CMEvent{Type: id.faults.AddrEvent})
		return nil
	}
	peer, ok := id.net.peers[addr]
	if !ok {
		id.ch.deliver(&fabric.CMEvent{Type: fabric.EventAddrError, Status: statusNoDevice})
		return nil
	}
	id.peer = peer
	id.addrResolved = true
	id.ch.deliver(&fabric.CMEvent{Type: fabric.EventAddrResolved})
	return nil
}

func (id *connID) ResolveRoute(timeout time.Duration) error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.closed {
		return fabric.ErrInvalidHandle{Resource: resourceID}
	}
	if !id.addrResolved {
		return fmt.Errorf("resolve route: %w", fabric.ErrNotResolved)
	}
	switch {
	case id.faults.Blackhole:
		return nil
	case id.faults.StallRoute:
		id.ch.deliverAfter(timeout, &fabric.CMEvent{Type: fabric.EventRouteError, Status: fabric.StatusCodeTimedOut})
		return nil
	case id.faults.RouteEvent != 0:
		id.ch.deliver(&fabric.CMEvent{Type: id.faults.RouteEvent})
		return nil
	}
	id.routeResolved = true
	id.ch.deliver(&fabric.CMEvent{Type: fabric.EventRouteResolved})
	return nil
}

func (id *connID) Device() (fabric.Device, error) {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if !id.addrResolved {
		return nil, fmt.Errorf("device: %w", fabric.ErrNotResolved)
	}
	return &device{net: id.net, faults: id.faults}, nil
}

func (id *connID) CreateQP(pd fabric.ProtectionDomain, attr fabric.QPAttr) (fabric.QueuePair, error) {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceID}
	}
	if !id.routeResolved {
		return nil, fmt.Errorf("create qp: %w", fabric.ErrNotResolved)
	}
	if id.qp != nil {
		return nil, errors.New("loopback: queue pair already created")
	}
	if id.faults.FailCreateQP {
		return nil, fmt.Errorf("create qp: %w", ErrInjected)
	}
	domain, ok := pd.(*protectionDomain)
	if !ok || domain.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourcePD}
	}
	sendCQ, ok := attr.SendCQ.(*completionQueue)
	if !ok || sendCQ.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceCQ}
	}
	recvCQ, ok := attr.RecvCQ.(*completionQueue)
	if !ok || recvCQ.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceCQ}
	}
	if attr.MaxSendWR <= 0 || attr.MaxRecvWR <= 0 {
		return nil, errors.New("loopback: queue pair depths must be positive")
	}
	qp := &queuePair{
		id:        id,
		net:       id.net,
		faults:    id.faults,
		pd:        domain,
		sendCQ:    sendCQ,
		recvCQ:    recvCQ,
		maxSend:   attr.MaxSendWR,
		maxRecv:   attr.MaxRecvWR,
		signalAll: attr.SignalAllWRs,
	}
	domain.qps++
	sendCQ.qps++
	recvCQ.qps++
	id.qp = qp
	id.net.acquire(resourceQP)
	return qp, nil
}

func (id *connID) Connect(param fabric.ConnParam) error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.closed {
		return fabric.ErrInvalidHandle{Resource: resourceID}
	}
	if id.qp == nil {
		return errors.New("loopback: connect requires a queue pair")
	}
	if len(param.PrivateData) > fabric.MaxPrivateData {
		return fmt.Errorf("loopback: private data exceeds %d bytes", fabric.MaxPrivateData)
	}
	if id.faults.FailConnect {
		return fmt.Errorf("connect: %w", ErrInjected)
	}
	if id.faults.ConnectEvent != 0 {
		id.ch.deliver(&fabric.CMEvent{Type: id.faults.ConnectEvent})
		return nil
	}
	if id.peer.cfg.Reject {
		id.peer.rejected++
		id.ch.deliver(&fabric.CMEvent{Type: fabric.EventRejected, Status: statusConsumerReject})
		return nil
	}
	pdata := id.peer.accept(id.qp)
	id.connected = true
	id.ch.deliver(&fabric.CMEvent{Type: fabric.EventEstablished, PrivateData: pdata})
	return nil
}

func (id *connID) Disconnect() error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if !id.connected {
		return errors.New("loopback: disconnect on unconnected id")
	}
	id.connected = false
	if id.qp != nil {
		id.qp.remote = nil
	}
	id.peer.disconnect()
	id.ch.deliver(&fabric.CMEvent{Type: fabric.EventDisconnected})
	return nil
}

func (id *connID) DestroyQP() error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.qp == nil {
		return id.net.invalidRelease(resourceQP)
	}
	id.qp.destroy()
	id.qp = nil
	id.net.release(resourceQP)
	return nil
}

func (id *connID) Close() error {
	id.net.mu.Lock()
	defer id.net.mu.Unlock()
	if id.closed {
		return id.net.invalidRelease(resourceID)
	}
	if id.qp != nil {
		return fmt.Errorf("destroy id: %w", fabric.ErrBusy)
	}
	if id.connected {
		id.connected = false
		id.peer.disconnect()
	}
	id.closed = true
	id.ch.ids--
	id.net.release(resourceID)
	return nil
}

type device struct {
	net    *Network
	faults *Faults
}

func (d *device) AllocPD() (fabric.ProtectionDomain, error) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	if d.faults.FailAllocPD {
		return nil, fmt.Errorf("alloc pd: %w", ErrInjected)
	}
	d.net.acquire(resourcePD)
	return &protectionDomain{net: d.net, faults: d.faults}, nil
}

func (d *device) CreateCompletionChannel() (fabric.CompletionChannel, error) {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	if d.faults.FailCompChannel {
		return nil, fmt.Errorf("create completion channel: %w", ErrInjected)
	}
	d.net.acquire(resourceCompChannel)
	return &completionChannel{
		net:    d.net,
		faults: d.faults,
		events: make(chan *completionQueue, completionChannelDepth),
	}, nil
}

type protectionDomain struct {
	net    *Network
	faults *Faults
	mrs    int
	qps    int
	closed bool
}

func (pd *protectionDomain) RegisterMemory(buf []byte, access fabric.Access) (fabric.MemoryRegion, error) {
	pd.net.mu.Lock()
	defer pd.net.mu.Unlock()
	if pd.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourcePD}
	}
	if pd.faults.FailRegister {
		return nil, fmt.Errorf("register memory: %w", ErrInjected)
	}
	if len(buf) == 0 {
		return nil, errors.New("loopback: cannot register an empty buffer")
	}
	key := pd.net.allocKey()
	mr := &memoryRegion{
		pd:     pd,
		buf:    buf,
		lkey:   key,
		rkey:   key,
		addr:   pd.net.allocAddr(len(buf)),
		access: access,
	}
	pd.mrs++
	pd.net.acquire(resourceMR)
	return mr, nil
}

func (pd *protectionDomain) Close() error {
	pd.net.mu.Lock()
	defer pd.net.mu.Unlock()
	if pd.closed {
		return pd.net.invalidRelease(resourcePD)
	}
	if pd.mrs > 0 || pd.qps > 0 {
		return fmt.Errorf("dealloc pd: %w", fabric.ErrBusy)
	}
	pd.closed = true
	pd.net.release(resourcePD)
	return nil
}

type memoryRegion struct {
	pd     *protectionDomain
	buf    []byte
	lkey   uint32
	rkey   uint32
	addr   uint64
	access fabric.Access
	refs   int
	closed bool
}

func (m *memoryRegion) Bytes() []byte     { return m.buf }
func (m *memoryRegion) LocalKey() uint32  { return m.lkey }
func (m *memoryRegion) RemoteKey() uint32 { return m.rkey }
func (m *memoryRegion) Addr() uint64      { return m.addr }

func (m *memoryRegion) Close() error {
	m.pd.net.mu.Lock()
	defer m.pd.net.mu.Unlock()
	if m.closed {
		return m.pd.net.invalidRelease(resourceMR)
	}
	if m.refs > 0 {
		return fmt.Errorf("deregister memory: %w", fabric.ErrBusy)
	}
	m.closed = true
	m.pd.mrs--
	m.pd.net.release(resourceMR)
	return nil
}

func (m *memoryRegion) window(offset, length int) ([]byte, error) {
	if m.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceMR}
	}
	if offset < 0 || length < 0 || offset+length > len(m.buf) {
		return nil, fmt.Errorf("loopback: window [%d,%d) outside %d-byte region", offset, offset+length, len(m.buf))
	}
	return m.buf[offset : offset+length], nil
}
