package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// establish walks INIT → ESTABLISHED. Each asynchronous request is followed
// by exactly one event which must match the expected type and is
// acknowledged before the next request is issued.
func (c *Client) establish(ctx context.Context, span Span) error {
	channel, err := c.provider.CreateEventChannel()
	if err != nil {
		return stageErr(StateAddressResolved, "create event channel", KindResource, err)
	}
	c.channel = channel

	id, err := channel.CreateID()
	if err != nil {
		return stageErr(StateAddressResolved, "create connection id", KindResource, err)
	}
	c.id = id

	if err := c.id.ResolveAddr(c.addr, c.cfg.ResolveTimeout); err != nil {
		return stageErr(StateAddressResolved, "resolve address", KindLocalIO, err)
	}
	if _, err := c.awaitEvent(ctx, StateAddressResolved, fabric.EventAddrResolved, 2*c.cfg.ResolveTimeout); err != nil {
		return err
	}
	c.advance(span, StateAddressResolved)

	if err := c.id.ResolveRoute(c.cfg.ResolveTimeout); err != nil {
		return stageErr(StateRouteResolved, "resolve route", KindLocalIO, err)
	}
	if _, err := c.awaitEvent(ctx, StateRouteResolved, fabric.EventRouteResolved, 2*c.cfg.ResolveTimeout); err != nil {
		return err
	}
	c.advance(span, StateRouteResolved)

	if err := c.createQP(); err != nil {
		return err
	}
	c.advance(span, StateQPCreated)

	param := fabric.ConnParam{
		InitiatorDepth: c.cfg.InitiatorDepth,
		RetryCount:     c.cfg.RetryCount,
	}
	if err := c.id.Connect(param); err != nil {
		return stageErr(StateConnectSent, "connect", KindLocalIO, err)
	}
	c.advance(span, StateConnectSent)

	pdata, err := c.awaitEvent(ctx, StateEstablished, fabric.EventEstablished, c.cfg.Timeout)
	if err != nil {
		return err
	}
	peer, err := DecodePeerDescriptor(pdata)
	if err != nil {
		return stageErr(StateEstablished, "decode private data", KindProtocol, err)
	}
	c.peer = peer
	c.established = true
	c.advance(span, StateEstablished, logKV("peer", peer.String()))
	return nil
}

func (c *Client) advance(span Span, next State, fields ...logField) {
	c.setState(next)
	spanAddEvent(span, next.String(), fields...)
}

// createQP allocates everything the queue pair depends on: protection
// domain, completion channel, armed completion queue and the two registered
// buffers.
func (c *Client) createQP() error {
	const stage = StateQPCreated

	device, err := c.id.Device()
	if err != nil {
		return stageErr(stage, "query device", KindResource, err)
	}
	pd, err := device.AllocPD()
	if err != nil {
		return stageErr(stage, "alloc protection domain", KindResource, err)
	}
	c.pd = pd

	compChannel, err := device.CreateCompletionChannel()
	if err != nil {
		return stageErr(stage, "create completion channel", KindResource, err)
	}
	c.compChannel = compChannel

	cq, err := compChannel.CreateCQ(c.cfg.CQDepth)
	if err != nil {
		return stageErr(stage, "create completion queue", KindResource, err)
	}
	c.cq = cq
	if err := cq.RequestNotify(); err != nil {
		return stageErr(stage, "arm completion notification", KindResource, err)
	}

	request, err := register(pd, "request", make([]byte, requestBufferSize), fabric.AccessLocalWrite)
	if err != nil {
		return stageErr(stage, "register memory", KindResource, err)
	}
	c.request = request
	notify, err := register(pd, "notify", make([]byte, notifyBufferSize), fabric.AccessLocalWrite)
	if err != nil {
		return stageErr(stage, "register memory", KindResource, err)
	}
	c.notify = notify

	qp, err := c.id.CreateQP(pd, fabric.QPAttr{
		SendCQ:     cq,
		RecvCQ:     cq,
		MaxSendWR:  c.cfg.SendQueueDepth,
		MaxRecvWR:  c.cfg.RecvQueueDepth,
		MaxSendSGE: 1,
		MaxRecvSGE: 1,
	})
	if err != nil {
		return stageErr(stage, "create queue pair", KindResource, err)
	}
	c.qp = qp
	return nil
}

// awaitEvent retrieves one connection-management event, acknowledges it and
// checks its type. The private data of the expected event is returned as a
// copy since providers may reuse it after the acknowledgement.
func (c *Client) awaitEvent(ctx context.Context, stage State, want fabric.EventType, bound time.Duration) ([]byte, error) {
	op := "await " + want.String()
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if bound > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, bound)
	}
	defer cancel()

	ev, err := c.channel.GetEvent(waitCtx)
	if err != nil {
		return nil, c.waitFailure(ctx, stage, op, want, err)
	}
	c.logEvent("cm_event",
		logKV("type", ev.Type.String()),
		logKV(labelStatus, ev.Status),
		logKV("expected", want.String()),
	)

	var pdata []byte
	if ev.Type == want && len(ev.PrivateData) > 0 {
		pdata = append([]byte(nil), ev.PrivateData...)
	}
	ackErr := c.channel.Ack(ev)

	if ev.Type != want {
		err := unexpectedEvent(stage, op, want, ev)
		if ackErr != nil {
			err.Err = errors.Join(err.Err, fmt.Errorf("ack %s: %w", ev.Type, ackErr))
		}
		return nil, err
	}
	if ackErr != nil {
		return nil, stageErr(stage, "ack "+want.String(), KindLocalIO, ackErr)
	}
	return pdata, nil
}

func (c *Client) waitFailure(ctx context.Context, stage State, op string, want fabric.EventType, err error) error {
	resolving := want == fabric.EventAddrResolved || want == fabric.EventRouteResolved
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return stageErr(stage, op, KindLocalIO, ctx.Err())
	case ctx.Err() != nil && resolving:
		return stageErr(stage, op, KindTimeout, fmt.Errorf("%w: %w", ErrResolveTimeout, ctx.Err()))
	case ctx.Err() != nil:
		return stageErr(stage, op, KindTimeout, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) && resolving:
		return stageErr(stage, op, KindTimeout, ErrResolveTimeout)
	case errors.Is(err, context.DeadlineExceeded):
		return stageErr(stage, op, KindTimeout, fmt.Errorf("no %s within %s: %w", want, c.cfg.Timeout, err))
	default:
		return stageErr(stage, op, KindLocalIO, err)
	}
}

func unexpectedEvent(stage State, op string, want fabric.EventType, ev *fabric.CMEvent) *StageError {
	switch {
	case (ev.Type == fabric.EventAddrError || ev.Type == fabric.EventRouteError) && ev.TimedOut():
		return stageErr(stage, op, KindTimeout, fmt.Errorf("%w: %s", ErrResolveTimeout, ev.Type))
	case ev.Type == fabric.EventRejected && want == fabric.EventEstablished:
		return stageErr(stage, op, KindRejected, fmt.Errorf("%w (status %d)", ErrRejected, ev.Status))
	default:
		return stageErr(stage, op, KindProtocol, fmt.Errorf("%w: got %s (status %d), want %s", ErrUnexpectedEvent, ev.Type, ev.Status, want))
	}
}
