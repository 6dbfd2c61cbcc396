package client

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// WorkID tags the work requests of one exchange. Its value is the fabric
// work request id.
type WorkID uint64

const (
	RecvAnswer WorkID = iota
	WriteRequest
	NotifySent
)

func (id WorkID) String() string {
	switch id {
	case RecvAnswer:
		return "RECV_ANSWER"
	case WriteRequest:
		return "WRITE_REQUEST"
	case NotifySent:
		return "NOTIFY_SENT"
	default:
		return fmt.Sprintf("WORK(%d)", uint64(id))
	}
}

func (id WorkID) wire() uint64 { return uint64(id) }

type workHandler func(*exchange, fabric.Completion) error

var workHandlers = map[WorkID]workHandler{
	RecvAnswer:   (*exchange).onAnswer,
	WriteRequest: (*exchange).onWrite,
	NotifySent:   (*exchange).onNotify,
}

// exchange is the protocol state of a single write-and-notify round.
type exchange struct {
	c         *Client
	span      Span
	posted    map[WorkID]bool
	completed map[WorkID]bool
	answer    uint32
	answered  bool
}

// Exchange writes a and b into the peer's buffer, notifies the peer and
// returns its 4-byte reply. It may be called once per Client.
func (c *Client) Exchange(ctx context.Context, a, b uint32) (uint32, error) {
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	if !c.established {
		return 0, fmt.Errorf("exchange: connection not established (state %s)", c.State())
	}
	if !c.exchanged.CompareAndSwap(false, true) {
		return 0, ErrExchangeDone
	}
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	span := c.startSpan(spanExchange)
	x := &exchange{
		c:         c,
		span:      span,
		posted:    make(map[WorkID]bool, len(workHandlers)),
		completed: make(map[WorkID]bool, len(workHandlers)),
	}
	err := x.start(a, b)
	if err == nil {
		err = c.runLoop(ctx, span, x)
	}
	if err != nil {
		c.setState(StateFailed)
		spanRecordError(span, err)
		c.finishSpan(span, err)
		return 0, err
	}
	spanAddEvent(span, "answer", logKV("answer", x.answer))
	c.finishSpan(span, nil)
	return x.answer, nil
}

// start posts the answer receive, then the signalled remote write of both
// operands.
func (x *exchange) start(a, b uint32) error {
	c := x.c
	buf := c.request.Bytes()

	recv := &fabric.RecvRequest{
		ID:     RecvAnswer.wire(),
		Region: c.request.memoryRegion(),
		Offset: 0,
		Length: answerSize,
	}
	if err := c.qp.PostRecv(recv); err != nil {
		return stageErr(StateEstablished, "post "+RecvAnswer.String(), KindResource, err)
	}
	x.markPosted(RecvAnswer, fabric.OpRecv)

	binary.BigEndian.PutUint32(buf[0:operandSize], a)
	binary.BigEndian.PutUint32(buf[operandSize:2*operandSize], b)
	write := &fabric.SendRequest{
		ID:         WriteRequest.wire(),
		Opcode:     fabric.OpRemoteWrite,
		Region:     c.request.memoryRegion(),
		Offset:     0,
		Length:     requestBufferSize,
		Signaled:   true,
		RemoteAddr: c.peer.RemoteAddr,
		RemoteKey:  c.peer.RemoteKey,
	}
	if err := c.qp.PostSend(write); err != nil {
		return stageErr(StateEstablished, "post "+WriteRequest.String(), KindResource, err)
	}
	x.markPosted(WriteRequest, fabric.OpRemoteWrite)
	return nil
}

func (x *exchange) markPosted(id WorkID, op fabric.Opcode) {
	x.posted[id] = true
	if op == fabric.OpRecv {
		x.c.stats.recvPosted.Add(1)
	} else {
		x.c.stats.sendPosted.Add(1)
	}
	fields := []logField{logKV("work_id", id.String()), logKV(labelOperation, op.String())}
	x.c.logEvent("post", fields...)
	spanAddEvent(x.span, "post", fields...)
}

// done reports whether the answer arrived and nothing is outstanding.
func (x *exchange) done() bool {
	return x.answered && x.completed[NotifySent]
}

func (x *exchange) dispatch(id WorkID, wc fabric.Completion) error {
	handler, ok := workHandlers[id]
	if !ok {
		return protocolErr("dispatch", fmt.Errorf("%w: unknown work id %d", ErrUnexpectedCompletion, wc.ID))
	}
	if !x.posted[id] {
		return protocolErr("dispatch", fmt.Errorf("%w: %s completed before it was posted", ErrUnexpectedCompletion, id))
	}
	if x.completed[id] {
		return protocolErr("dispatch", fmt.Errorf("%w: duplicate %s completion", ErrUnexpectedCompletion, id))
	}
	x.completed[id] = true
	return handler(x, wc)
}

// onWrite runs once the write is complete locally, which makes it visible
// to the peer; only then is the peer notified.
func (x *exchange) onWrite(fabric.Completion) error {
	c := x.c
	notify := &fabric.SendRequest{
		ID:       NotifySent.wire(),
		Opcode:   fabric.OpSend,
		Region:   c.notify.memoryRegion(),
		Offset:   0,
		Length:   notifyBufferSize,
		Signaled: true,
	}
	if err := c.qp.PostSend(notify); err != nil {
		return stageErr(StateEstablished, "post "+NotifySent.String(), KindResource, err)
	}
	x.markPosted(NotifySent, fabric.OpSend)
	return nil
}

func (x *exchange) onNotify(fabric.Completion) error {
	return nil
}

func (x *exchange) onAnswer(wc fabric.Completion) error {
	if !x.posted[NotifySent] {
		return protocolErr("dispatch", fmt.Errorf("%w: %s arrived before %s was posted", ErrUnexpectedCompletion, RecvAnswer, NotifySent))
	}
	if wc.ByteLen < answerSize {
		return protocolErr("decode answer", fmt.Errorf("%w: answer of %d bytes", ErrUnexpectedCompletion, wc.ByteLen))
	}
	x.answer = binary.BigEndian.Uint32(x.c.request.Bytes()[0:answerSize])
	x.answered = true
	if !x.completed[NotifySent] {
		x.c.logEvent("answer_held", logKV("answer", x.answer))
		spanAddEvent(x.span, "answer_held")
	}
	return nil
}

func protocolErr(op string, err error) *StageError {
	return stageErr(StateEstablished, op, KindProtocol, err)
}
