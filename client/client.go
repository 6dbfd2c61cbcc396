package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

// Defaults applied by Dial to zero-valued Config fields.
const (
	DefaultService           = "20000"
	DefaultResolveTimeout    = 5 * time.Second
	DefaultTimeout           = 30 * time.Second
	DefaultDisconnectTimeout = 5 * time.Second

	defaultCQDepth        = 2
	defaultSendQueueDepth = 4
	defaultRecvQueueDepth = 1
	defaultInitiatorDepth = 1
	defaultRetryCount     = 7
)

// Config controls Dial behaviour.
type Config struct {
	Provider fabric.Provider
	// Node is the server host name or address.
	Node    string
	Service string

	// ResolveTimeout bounds address and route resolution.
	ResolveTimeout time.Duration
	// Timeout bounds the wait for ESTABLISHED and each Exchange when the
	// caller's context has no earlier deadline.
	Timeout           time.Duration
	DisconnectTimeout time.Duration

	CQDepth        int
	SendQueueDepth int
	RecvQueueDepth int
	InitiatorDepth uint8
	RetryCount     uint8

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (cfg Config) withDefaults() Config {
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if cfg.CQDepth <= 0 {
		cfg.CQDepth = defaultCQDepth
	}
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = defaultSendQueueDepth
	}
	if cfg.RecvQueueDepth <= 0 {
		cfg.RecvQueueDepth = defaultRecvQueueDepth
	}
	if cfg.InitiatorDepth == 0 {
		cfg.InitiatorDepth = defaultInitiatorDepth
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = defaultRetryCount
	}
	return cfg
}

// Client owns one connection to a write-and-notify peer and every fabric
// resource behind it. A Client is not safe for concurrent use.
type Client struct {
	cfg      Config
	provider fabric.Provider
	addr     string
	runID    string

	channel     fabric.EventChannel
	id          fabric.ConnID
	pd          fabric.ProtectionDomain
	compChannel fabric.CompletionChannel
	cq          fabric.CompletionQueue
	qp          fabric.QueuePair
	request     *Region
	notify      *Region

	peer        PeerDescriptor
	established bool
	cqEvents    int

	state     atomic.Int32
	exchanged atomic.Bool
	closed    atomic.Bool

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to client spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap connection setup, the exchange and teardown.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures client telemetry events.
type MetricHook interface {
	StateChanged(attrs map[string]string)
	ConnectFailed(kind string, err error, attrs map[string]string)
	LoopStarted(attrs map[string]string)
	LoopStopped(attrs map[string]string)
	CompletionSucceeded(attrs map[string]string)
	CompletionFailed(err error, attrs map[string]string)
	TeardownCompleted(attrs map[string]string)
}

// Stats contains counters for client operations.
type Stats struct {
	CompletionEvents uint64
	SendPosted       uint64
	ReceivePosted    uint64
	Completed        uint64
	CompletionErrors uint64
}

type clientStats struct {
	completionEvents atomic.Uint64
	sendPosted       atomic.Uint64
	recvPosted       atomic.Uint64
	completed        atomic.Uint64
	completionErrors atomic.Uint64
}

const (
	spanConnect  = "rdma-write-connect"
	spanExchange = "rdma-write-exchange"
	spanTeardown = "rdma-write-teardown"
)

const (
	labelProvider  = "provider"
	labelNode      = "node"
	labelService   = "service"
	labelState     = "state"
	labelStage     = "stage"
	labelKind      = "kind"
	labelOperation = "operation"
	labelStatus    = "status"
)

// Dial resolves the server, builds the queue pair and connects. The
// returned client is ESTABLISHED and holds the peer's descriptor. On failure
// every resource acquired so far is released before Dial returns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Provider == nil {
		return nil, errors.New("rdma-write client: provider required")
	}
	if cfg.Node == "" {
		return nil, errors.New("rdma-write client: server address required")
	}
	cfg = cfg.withDefaults()
	ctx = ensureContext(ctx)

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Client{
		cfg:              cfg,
		provider:         cfg.Provider,
		addr:             net.JoinHostPort(cfg.Node, cfg.Service),
		runID:            uuid.NewString(),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	span := c.startSpan(spanConnect)
	if err := c.establish(ctx, span); err != nil {
		c.setState(StateFailed)
		c.recordConnectFailure(span, err)
		c.finishSpan(span, err)
		if closeErr := c.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("teardown: %w", closeErr))
		}
		return nil, err
	}
	c.finishSpan(span, nil)
	return c, nil
}

// Run dials the server, performs a single exchange and tears the
// connection down.
func Run(ctx context.Context, cfg Config, a, b uint32) (uint32, error) {
	c, err := Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	answer, err := c.Exchange(ctx, a, b)
	if closeErr := c.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("teardown: %w", closeErr))
	}
	if err != nil {
		return 0, err
	}
	return answer, nil
}

// Peer returns the descriptor received with ESTABLISHED.
func (c *Client) Peer() PeerDescriptor {
	if c == nil {
		return PeerDescriptor{}
	}
	return c.peer
}

// RunID identifies this client in logs and spans.
func (c *Client) RunID() string {
	if c == nil {
		return ""
	}
	return c.runID
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		CompletionEvents: c.stats.completionEvents.Load(),
		SendPosted:       c.stats.sendPosted.Load(),
		ReceivePosted:    c.stats.recvPosted.Load(),
		Completed:        c.stats.completed.Load(),
		CompletionErrors: c.stats.completionErrors.Load(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = ensureContext(ctx)
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 || timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelProvider] = c.provider.Name()
	attrs[labelNode] = c.cfg.Node
	attrs[labelService] = c.cfg.Service
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "run_id", c.runID)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("rdma-write client", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("rdma-write client %s", b.String())
}

func (c *Client) metricStateChanged(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.StateChanged(c.metricAttrs(fields...))
}

func (c *Client) metricConnectFailed(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ConnectFailed(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricLoopStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.LoopStarted(c.metricAttrs(fields...))
}

func (c *Client) metricLoopStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.LoopStopped(c.metricAttrs(fields...))
}

func (c *Client) metricCompletionSucceeded(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.CompletionSucceeded(c.metricAttrs(fields...))
}

func (c *Client) metricCompletionFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.CompletionFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricTeardownCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.TeardownCompleted(c.metricAttrs(fields...))
}

func (c *Client) startSpan(name string) Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "rdma-write-client"},
		{Key: "run_id", Value: c.runID},
		{Key: labelProvider, Value: c.provider.Name()},
		{Key: labelNode, Value: c.cfg.Node},
		{Key: labelService, Value: c.cfg.Service},
	}
	return c.tracer.StartSpan(name, attrs...)
}

func (c *Client) finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) recordConnectFailure(span Span, err error) {
	if err == nil {
		return
	}
	stage, kind := c.State(), ErrorKind(0)
	var serr *StageError
	if errors.As(err, &serr) {
		stage, kind = serr.Stage, serr.Kind
	}
	fields := []logField{
		logKV(labelStage, stage.String()),
		logKV(labelKind, kind.String()),
		logKV("error", err),
	}
	c.logEvent("connect_error", fields...)
	spanAddEvent(span, "connect_error", fields...)
	spanRecordError(span, err)
	c.metricConnectFailed(kind.String(), err, fields[0])
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
