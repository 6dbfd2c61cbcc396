package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// pollBatch is the number of completion records read per Poll call.
const pollBatch = 4

// runLoop drives the exchange. It blocks only on the completion channel.
func (c *Client) runLoop(ctx context.Context, span Span, x *exchange) (err error) {
	c.logEvent("loop_start")
	spanAddEvent(span, "loop_start")
	c.metricLoopStarted()

	defer func() {
		fields := []logField{logKV(labelStatus, "ok")}
		if err != nil {
			fields[0] = logKV(labelStatus, "error")
			fields = append(fields, logKV("error", err))
		}
		c.logEvent("loop_stop", fields...)
		spanAddEvent(span, "loop_stop", fields...)
		c.metricLoopStopped(fields[0])
	}()

	wc := make([]fabric.Completion, pollBatch)
	consumed := 0
	for !x.done() {
		cq, err := c.compChannel.GetEvent(ctx)
		if err != nil {
			return c.loopWaitFailure(ctx, err)
		}
		// Every notification returned is acknowledged at teardown.
		c.cqEvents++
		c.stats.completionEvents.Add(1)
		if cq != c.cq {
			return protocolErr("await completion", fmt.Errorf("%w: notification for a foreign completion queue", ErrUnexpectedCompletion))
		}

		// Arming only fires for completions added afterwards, so the queue
		// is drained after the re-arm until it reports empty.
		if err := c.cq.RequestNotify(); err != nil {
			return stageErr(StateEstablished, "rearm completion notification", KindLocalIO, err)
		}
		drained := 0
		for !x.done() {
			n, err := c.cq.Poll(wc)
			if err != nil {
				return stageErr(StateEstablished, "poll completion queue", KindLocalIO, err)
			}
			if n == 0 {
				break
			}
			drained += n
			for _, completion := range wc[:n] {
				if err := c.handleCompletion(span, x, completion); err != nil {
					return err
				}
			}
		}
		consumed += drained
		// A drain can consume completions whose notification is still
		// queued, so an empty wake is only short when more notifications
		// arrived than completions were ever seen.
		if drained == 0 && c.cqEvents > consumed {
			return protocolErr("poll completion queue", fmt.Errorf("%w: %d notifications for %d completions", ErrShortPoll, c.cqEvents, consumed))
		}
	}
	return nil
}

func (c *Client) loopWaitFailure(ctx context.Context, err error) error {
	const op = "await completion"
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return stageErr(StateEstablished, op, KindTimeout, err)
	default:
		return stageErr(StateEstablished, op, KindLocalIO, err)
	}
}

func (c *Client) handleCompletion(span Span, x *exchange, wc fabric.Completion) error {
	id := WorkID(wc.ID)
	status := "ok"
	if wc.Status != fabric.StatusSuccess {
		status = "error"
	}
	fields := []logField{
		logKV("work_id", id.String()),
		logKV(labelOperation, wc.Opcode.String()),
		logKV(labelStatus, status),
	}
	if wc.ByteLen > 0 {
		fields = append(fields, logKV("length", wc.ByteLen))
	}

	if wc.Status != fabric.StatusSuccess {
		cerr := CompletionError{ID: id, Opcode: wc.Opcode, Status: wc.Status, VendorErr: wc.VendorErr}
		c.stats.completionErrors.Add(1)
		fields = append(fields, logKV("vendor_err", wc.VendorErr), logKV("error", cerr))
		c.logEvent("completion_error", fields...)
		spanAddEvent(span, "completion_error", fields...)
		spanRecordError(span, cerr)
		c.metricCompletionFailed(cerr, fields[1], fields[2])
		return protocolErr("completion "+id.String(), cerr)
	}

	c.stats.completed.Add(1)
	c.logEvent("completion", fields...)
	spanAddEvent(span, "completion", fields...)
	c.metricCompletionSucceeded(fields[1], fields[2])
	return x.dispatch(id, wc)
}
