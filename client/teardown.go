package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// Close releases every fabric resource the client acquired, in dependency
// order. Release continues past individual failures; their errors are
// joined. Only the first call does any work.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	span := c.startSpan(spanTeardown)
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			errs = append(errs, err)
			fields := []logField{logKV("step", name), logKV("error", err)}
			c.logEvent("teardown_error", fields...)
			spanAddEvent(span, "teardown_error", fields...)
			return
		}
		spanAddEvent(span, name)
	}

	if c.cq != nil && c.cqEvents > 0 {
		c.cq.AckEvents(c.cqEvents)
		spanAddEvent(span, "ack_cq_events", logKV("count", c.cqEvents))
		c.cqEvents = 0
	}
	if c.established {
		step("disconnect", c.disconnect)
		c.established = false
	}
	if c.qp != nil {
		step("destroy_qp", func() error {
			if err := c.id.DestroyQP(); err != nil {
				return fmt.Errorf("destroy queue pair: %w", err)
			}
			return nil
		})
		c.qp = nil
	}
	for _, region := range []*Region{c.request, c.notify} {
		if region == nil {
			continue
		}
		step("deregister_"+region.name, region.deregister)
	}
	c.request, c.notify = nil, nil
	if c.cq != nil {
		step("destroy_cq", wrapClose("destroy completion queue", c.cq.Close))
		c.cq = nil
	}
	if c.compChannel != nil {
		step("destroy_comp_channel", wrapClose("destroy completion channel", c.compChannel.Close))
		c.compChannel = nil
	}
	if c.pd != nil {
		step("dealloc_pd", wrapClose("dealloc protection domain", c.pd.Close))
		c.pd = nil
	}
	if c.id != nil {
		step("destroy_id", wrapClose("destroy connection id", c.id.Close))
		c.id = nil
	}
	if c.channel != nil {
		step("destroy_event_channel", wrapClose("destroy event channel", c.channel.Close))
		c.channel = nil
	}
	c.setState(StateClosed)

	err := errors.Join(errs...)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.logEvent("teardown", logKV(labelStatus, status), logKV("errors", len(errs)))
	c.metricTeardownCompleted(logKV(labelStatus, status))
	c.finishSpan(span, err)
	return err
}

// disconnect requests a disconnect and consumes the DISCONNECTED event.
func (c *Client) disconnect() error {
	if err := c.id.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DisconnectTimeout)
	defer cancel()
	ev, err := c.channel.GetEvent(ctx)
	if err != nil {
		return fmt.Errorf("await %s: %w", fabric.EventDisconnected, err)
	}
	c.logEvent("cm_event", logKV("type", ev.Type.String()), logKV(labelStatus, ev.Status))
	ackErr := c.channel.Ack(ev)
	if ev.Type != fabric.EventDisconnected {
		err := fmt.Errorf("await %s: %w: got %s", fabric.EventDisconnected, ErrUnexpectedEvent, ev.Type)
		if ackErr != nil {
			err = errors.Join(err, fmt.Errorf("ack %s: %w", ev.Type, ackErr))
		}
		return err
	}
	if ackErr != nil {
		return fmt.Errorf("ack %s: %w", ev.Type, ackErr)
	}
	return nil
}

func wrapClose(op string, fn func() error) func() error {
	return func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
}
