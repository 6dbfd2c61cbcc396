package loopback

import (
	"encoding/binary"
	"time"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// Operand buffer published by a peer: two big-endian uint32 slots.
const (
	operandBufferSize = 8
	descriptorSize    = 12
	answerSize        = 4
)

// Sum is the default peer function.
func Sum(a, b uint32) uint32 { return a + b }

// PeerConfig shapes the behaviour of a stub peer.
type PeerConfig struct {
	// Compute produces the reply from the two operands. Defaults to Sum.
	Compute func(a, b uint32) uint32
	// Reject refuses every connection request.
	Reject bool
	// AnswerEarly replies as soon as the remote write lands, before the
	// client has had a chance to notify.
	AnswerEarly bool
	// ReplyBeforeAck delivers the reply before the completion of the
	// client's notify send.
	ReplyBeforeAck bool
	// AnswerDelay replies from a timer this long after the notify lands,
	// so the reply completes after the client has drained the queue.
	AnswerDelay time.Duration
	// Silent never replies.
	Silent bool
	// DenyRemoteWrite publishes a buffer registered without remote write
	// access, so one-sided writes fail with a remote access error.
	DenyRemoteWrite bool
}

// Peer is the server half of the write-and-notify exchange.
type Peer struct {
	net  *Network
	addr string
	cfg  PeerConfig

	buf      []byte
	rkey     uint32
	vaddr    uint64
	client   *queuePair
	accepted int
	rejected int
	notified int
	answers  []uint32
	operands [][2]uint32
	dropped  int
}

// PeerStats is a snapshot of a peer's activity.
type PeerStats struct {
	Accepted int
	Rejected int
	Notified int
	Dropped  int
	Answers  []uint32
	Operands [][2]uint32
}

// Addr returns the listening address.
func (p *Peer) Addr() string { return p.addr }

// Descriptor returns the address and key of the currently published buffer.
func (p *Peer) Descriptor() (uint64, uint32) {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	return p.vaddr, p.rkey
}

// Stats returns a snapshot of the peer's counters.
func (p *Peer) Stats() PeerStats {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	return PeerStats{
		Accepted: p.accepted,
		Rejected: p.rejected,
		Notified: p.notified,
		Dropped:  p.dropped,
		Answers:  append([]uint32(nil), p.answers...),
		Operands: append([][2]uint32(nil), p.operands...),
	}
}

// Close stops listening.
func (p *Peer) Close() error {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if p.net.peers[p.addr] == p {
		delete(p.net.peers, p.addr)
	}
	p.disconnect()
	return nil
}

// accept publishes a fresh operand buffer for qp and returns the private
// data: the buffer address then its remote key, both big-endian. Callers
// hold net.mu.
func (p *Peer) accept(qp *queuePair) []byte {
	p.disconnect()
	access := fabric.AccessLocalWrite | fabric.AccessRemoteWrite
	if p.cfg.DenyRemoteWrite {
		access = fabric.AccessLocalWrite
	}
	p.buf = make([]byte, operandBufferSize)
	p.rkey = p.net.allocKey()
	p.vaddr = p.net.allocAddr(len(p.buf))
	p.net.regions[p.rkey] = &remoteRegion{buf: p.buf, addr: p.vaddr, access: access}
	p.client = qp
	p.accepted++
	qp.remote = p

	pdata := make([]byte, descriptorSize)
	binary.BigEndian.PutUint64(pdata[0:8], p.vaddr)
	binary.BigEndian.PutUint32(pdata[8:12], p.rkey)
	return pdata
}

func (p *Peer) disconnect() {
	if p.rkey != 0 {
		delete(p.net.regions, p.rkey)
	}
	p.client = nil
}

// remoteWrite applies a one-sided write against the published buffer.
// Callers hold net.mu.
func (p *Peer) remoteWrite(qp *queuePair, addr uint64, rkey uint32, payload []byte) fabric.Status {
	region, ok := p.net.regions[rkey]
	if !ok || region.access&fabric.AccessRemoteWrite == 0 {
		return fabric.StatusRemoteAccess
	}
	if addr < region.addr || addr+uint64(len(payload)) > region.addr+uint64(len(region.buf)) {
		return fabric.StatusRemoteAccess
	}
	copy(region.buf[addr-region.addr:], payload)
	p.net.record(Entry{Op: OpWriteLanded, Opcode: fabric.OpRemoteWrite})
	if p.cfg.AnswerEarly {
		p.answer(qp)
	}
	return fabric.StatusSuccess
}

// receive handles the client's notify send. Callers hold net.mu.
func (p *Peer) receive(qp *queuePair, _ []byte) {
	p.notified++
	p.net.record(Entry{Op: OpNotifyReceived, Opcode: fabric.OpRecv})
	if p.cfg.Silent || p.cfg.AnswerEarly {
		return
	}
	if p.cfg.AnswerDelay > 0 {
		time.AfterFunc(p.cfg.AnswerDelay, func() {
			p.net.mu.Lock()
			defer p.net.mu.Unlock()
			p.answer(qp)
		})
		return
	}
	p.answer(qp)
}

func (p *Peer) answer(qp *queuePair) {
	if len(p.buf) < operandBufferSize {
		return
	}
	a := binary.BigEndian.Uint32(p.buf[0:4])
	b := binary.BigEndian.Uint32(p.buf[4:8])
	result := p.cfg.Compute(a, b)
	p.operands = append(p.operands, [2]uint32{a, b})
	p.answers = append(p.answers, result)

	reply := make([]byte, answerSize)
	binary.BigEndian.PutUint32(reply, result)
	p.net.record(Entry{Op: OpAnswerSent, Opcode: fabric.OpSend})
	if !qp.deliverRecv(reply) {
		p.dropped++
	}
}
