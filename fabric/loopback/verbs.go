package loopback

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

const completionChannelDepth = 64

// ErrOverrun is reported by Poll after a completion queue overflowed.
var ErrOverrun = errors.New("loopback: completion queue overrun")

type completionChannel struct {
	net    *Network
	faults *Faults
	events chan *completionQueue
	cqs    int
	closed bool
}

func (c *completionChannel) CreateCQ(depth int) (fabric.CompletionQueue, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceCompChannel}
	}
	if c.faults.FailCreateCQ {
		return nil, fmt.Errorf("create cq: %w", ErrInjected)
	}
	if depth <= 0 {
		return nil, errors.New("loopback: completion queue depth must be positive")
	}
	c.cqs++
	c.net.acquire(resourceCQ)
	return &completionQueue{ch: c, net: c.net, depth: depth}, nil
}

func (c *completionChannel) GetEvent(ctx context.Context) (fabric.CompletionQueue, error) {
	c.net.mu.Lock()
	closed := c.closed
	c.net.mu.Unlock()
	if closed {
		return nil, fabric.ErrInvalidHandle{Resource: resourceCompChannel}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case cq := <-c.events:
		c.net.mu.Lock()
		cq.received++
		c.net.mu.Unlock()
		return cq, nil
	}
}

func (c *completionChannel) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return c.net.invalidRelease(resourceCompChannel)
	}
	if c.cqs > 0 {
		return fmt.Errorf("destroy completion channel: %w", fabric.ErrBusy)
	}
	c.closed = true
	c.net.release(resourceCompChannel)
	return nil
}

type completionQueue struct {
	ch    *completionChannel
	net   *Network
	depth int

	entries  []fabric.Completion
	armed    bool
	received int
	acked    int
	overrun  bool
	qps      int
	closed   bool
}

// push appends a completion; callers hold net.mu.
func (q *completionQueue) push(c fabric.Completion) {
	if q.closed {
		return
	}
	if len(q.entries) >= q.depth {
		q.overrun = true
		return
	}
	q.entries = append(q.entries, c)
	if q.armed {
		q.armed = false
		q.notify()
	}
}

func (q *completionQueue) notify() {
	select {
	case q.ch.events <- q:
	default:
		q.overrun = true
	}
}

// RequestNotify arms the queue for the next completion added after the
// call. Completions already queued do not fire a notification.
func (q *completionQueue) RequestNotify() error {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	if q.closed {
		return fabric.ErrInvalidHandle{Resource: resourceCQ}
	}
	q.armed = true
	return nil
}

func (q *completionQueue) Poll(wc []fabric.Completion) (int, error) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	if q.closed {
		return 0, fabric.ErrInvalidHandle{Resource: resourceCQ}
	}
	if q.overrun {
		return 0, ErrOverrun
	}
	n := copy(wc, q.entries)
	for _, c := range wc[:n] {
		q.net.record(Entry{Op: OpPoll, ID: c.ID, Opcode: c.Opcode, Status: c.Status})
	}
	q.entries = q.entries[n:]
	return n, nil
}

func (q *completionQueue) AckEvents(n int) {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	q.acked += n
}

func (q *completionQueue) Close() error {
	q.net.mu.Lock()
	defer q.net.mu.Unlock()
	if q.closed {
		return q.net.invalidRelease(resourceCQ)
	}
	if q.qps > 0 {
		return fmt.Errorf("destroy cq: %w", fabric.ErrBusy)
	}
	if q.acked < q.received {
		return fmt.Errorf("destroy cq: %d unacknowledged events: %w", q.received-q.acked, fabric.ErrBusy)
	}
	q.closed = true
	q.ch.cqs--
	q.net.release(resourceCQ)
	return nil
}

type postedRecv struct {
	id     uint64
	region *memoryRegion
	buf    []byte
}

type queuePair struct {
	id        *connID
	net       *Network
	faults    *Faults
	pd        *protectionDomain
	sendCQ    *completionQueue
	recvCQ    *completionQueue
	maxSend   int
	maxRecv   int
	signalAll bool

	recvs     []postedRecv
	remote    *Peer
	destroyed bool
}

func (qp *queuePair) region(mr fabric.MemoryRegion) (*memoryRegion, error) {
	region, ok := mr.(*memoryRegion)
	if !ok || region == nil || region.pd != qp.pd {
		return nil, errors.New("loopback: memory region not registered with the queue pair's protection domain")
	}
	return region, nil
}

func (qp *queuePair) PostRecv(wr *fabric.RecvRequest) error {
	qp.net.mu.Lock()
	defer qp.net.mu.Unlock()
	if qp.destroyed {
		return fabric.ErrInvalidHandle{Resource: resourceQP}
	}
	if wr == nil {
		return errors.New("loopback: nil receive request")
	}
	if qp.faults.FailPostRecv {
		return fmt.Errorf("post recv: %w", ErrInjected)
	}
	region, err := qp.region(wr.Region)
	if err != nil {
		return err
	}
	if region.access&fabric.AccessLocalWrite == 0 {
		return errors.New("loopback: receive target lacks local write access")
	}
	buf, err := region.window(wr.Offset, wr.Length)
	if err != nil {
		return err
	}
	if len(qp.recvs) >= qp.maxRecv {
		return fmt.Errorf("post recv: %w", fabric.ErrQueueFull)
	}
	region.refs++
	qp.recvs = append(qp.recvs, postedRecv{id: wr.ID, region: region, buf: buf})
	qp.net.record(Entry{Op: OpPostRecv, ID: wr.ID, Opcode: fabric.OpRecv})
	return nil
}

func (qp *queuePair) PostSend(wr *fabric.SendRequest) error {
	qp.net.mu.Lock()
	defer qp.net.mu.Unlock()
	if qp.destroyed {
		return fabric.ErrInvalidHandle{Resource: resourceQP}
	}
	if wr == nil {
		return errors.New("loopback: nil send request")
	}
	if qp.faults.FailPostSend {
		return fmt.Errorf("post send: %w", ErrInjected)
	}
	if qp.remote == nil {
		return errors.New("loopback: queue pair not connected")
	}
	region, err := qp.region(wr.Region)
	if err != nil {
		return err
	}
	payload, err := region.window(wr.Offset, wr.Length)
	if err != nil {
		return err
	}
	qp.net.record(Entry{Op: OpPostSend, ID: wr.ID, Opcode: wr.Opcode})
	signaled := wr.Signaled || qp.signalAll
	peer := qp.remote

	switch wr.Opcode {
	case fabric.OpRemoteWrite:
		status := peer.remoteWrite(qp, wr.RemoteAddr, wr.RemoteKey, payload)
		if signaled || status != fabric.StatusSuccess {
			qp.complete(wr.ID, fabric.OpRemoteWrite, status, len(payload))
		}
	case fabric.OpSend:
		if peer.cfg.ReplyBeforeAck {
			peer.receive(qp, payload)
			if signaled {
				qp.complete(wr.ID, fabric.OpSend, fabric.StatusSuccess, len(payload))
			}
			return nil
		}
		if signaled {
			qp.complete(wr.ID, fabric.OpSend, fabric.StatusSuccess, len(payload))
		}
		peer.receive(qp, payload)
	default:
		return fmt.Errorf("loopback: unsupported opcode %s", wr.Opcode)
	}
	return nil
}

func (qp *queuePair) complete(id uint64, op fabric.Opcode, status fabric.Status, n int) {
	qp.sendCQ.push(fabric.Completion{
		ID:      id,
		Status:  qp.faults.statusFor(id, status),
		Opcode:  op,
		ByteLen: uint32(n),
	})
}

// deliverRecv lands an inbound send in the oldest posted receive; callers
// hold net.mu. It reports false when no receive was posted.
func (qp *queuePair) deliverRecv(payload []byte) bool {
	if qp.destroyed || len(qp.recvs) == 0 {
		return false
	}
	recv := qp.recvs[0]
	qp.recvs = qp.recvs[1:]
	recv.region.refs--
	status := fabric.StatusSuccess
	n := len(payload)
	if n > len(recv.buf) {
		status = fabric.StatusLocalLength
		n = 0
	} else {
		copy(recv.buf, payload)
	}
	qp.recvCQ.push(fabric.Completion{
		ID:      recv.id,
		Status:  qp.faults.statusFor(recv.id, status),
		Opcode:  fabric.OpRecv,
		ByteLen: uint32(n),
	})
	return true
}

// destroy flushes posted receives; callers hold net.mu.
func (qp *queuePair) destroy() {
	for _, recv := range qp.recvs {
		recv.region.refs--
	}
	qp.recvs = nil
	qp.remote = nil
	qp.destroyed = true
	qp.pd.qps--
	qp.sendCQ.qps--
	qp.recvCQ.qps--
}
