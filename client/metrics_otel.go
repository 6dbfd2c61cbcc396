package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	stateChanged        metric.Int64Counter
	connectFailed       metric.Int64Counter
	loopStarted         metric.Int64Counter
	loopStopped         metric.Int64Counter
	completionSucceeded metric.Int64Counter
	completionFailed    metric.Int64Counter
	teardownCompleted   metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/rdmawrite-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.stateChanged, "rdma_write.client.state.transitions", "Connection state transitions"},
		{&o.connectFailed, "rdma_write.client.connect.failures", "Failed connection establishments"},
		{&o.loopStarted, "rdma_write.client.loop.started", "Completion loop starts"},
		{&o.loopStopped, "rdma_write.client.loop.stopped", "Completion loop stops"},
		{&o.completionSucceeded, "rdma_write.client.completions", "Successful work completions"},
		{&o.completionFailed, "rdma_write.client.completion.failures", "Work completions with a failure status"},
		{&o.teardownCompleted, "rdma_write.client.teardowns", "Completed teardowns"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// StateChanged records a connection state transition.
func (o *OTelMetrics) StateChanged(attrs map[string]string) {
	o.stateChanged.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelState)...))
}

// ConnectFailed counts failed establishments by stage and error kind.
func (o *OTelMetrics) ConnectFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs, labelStage), attribute.String(labelKind, kind))
	o.connectFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// LoopStarted records that the completion loop started.
func (o *OTelMetrics) LoopStarted(attrs map[string]string) {
	o.loopStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// LoopStopped records that the completion loop exited.
func (o *OTelMetrics) LoopStopped(attrs map[string]string) {
	o.loopStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// CompletionSucceeded records a successful work completion.
func (o *OTelMetrics) CompletionSucceeded(attrs map[string]string) {
	o.completionSucceeded.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation, labelStatus)...))
}

// CompletionFailed records a work completion with a failure status.
func (o *OTelMetrics) CompletionFailed(_ error, attrs map[string]string) {
	o.completionFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelOperation, labelStatus)...))
}

// TeardownCompleted records a finished teardown.
func (o *OTelMetrics) TeardownCompleted(attrs map[string]string) {
	o.teardownCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

func otelAttrs(attrs map[string]string, extra ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelNode]; v != "" {
		kvs = append(kvs, attribute.String(labelNode, v))
	}
	if v := attrs[labelService]; v != "" {
		kvs = append(kvs, attribute.String(labelService, v))
	}
	for _, key := range extra {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
