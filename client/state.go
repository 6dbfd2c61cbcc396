package client

// State is a connection establishment state.
type State int32

const (
	StateInit State = iota
	StateAddressResolved
	StateRouteResolved
	StateQPCreated
	StateConnectSent
	StateEstablished
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAddressResolved:
		return "ADDRESS_RESOLVED"
	case StateRouteResolved:
		return "ROUTE_RESOLVED"
	case StateQPCreated:
		return "QP_CREATED"
	case StateConnectSent:
		return "CONNECT_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

func (c *Client) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	fields := []logField{
		logKV(labelState, next.String()),
		logKV("previous", prev.String()),
	}
	c.logEvent("state", fields...)
	c.metricStateChanged(fields...)
}
