package client

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rocketbitz/rdmawrite-go/fabric/loopback"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelProvider: "loopback",
		labelNode:     "node0",
		labelService:  "20000",
	}
	metrics.StateChanged(withLabel(base, labelState, "ESTABLISHED"))
	metrics.ConnectFailed("timeout", errors.New("boom"), withLabel(base, labelStage, "ADDRESS_RESOLVED"))
	metrics.LoopStarted(base)
	metrics.LoopStopped(withLabel(base, labelStatus, "ok"))

	completion := withLabel(withLabel(base, labelOperation, "rdma_write"), labelStatus, "ok")
	metrics.CompletionSucceeded(completion)
	metrics.CompletionFailed(errors.New("fail"), completion)
	metrics.TeardownCompleted(withLabel(base, labelStatus, "ok"))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"rdma_write_client_state_transitions_total":   1,
		"rdma_write_client_connect_failures_total":    1,
		"rdma_write_client_loop_started_total":        1,
		"rdma_write_client_loop_stopped_total":        1,
		"rdma_write_client_completions_total":         1,
		"rdma_write_client_completion_failures_total": 1,
		"rdma_write_client_teardowns_total":           1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabel(mfs, "rdma_write_client_connect_failures_total", labelKind); got != "timeout" {
		t.Fatalf("connect failure kind label: got %q", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelProvider: "loopback"}
	first.LoopStarted(attrs)
	second.LoopStarted(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "rdma_write_client_loop_started_total"); got != 2 {
		t.Fatalf("shared counter: got %v want 2", got)
	}
}

func TestPrometheusMetricsFromExchange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	f := newTestFabric(t, loopback.PeerConfig{}, loopback.Faults{})
	f.cfg.Metrics = metrics

	if _, err := Run(context.Background(), f.cfg, 3, 4); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "rdma_write_client_completions_total"); got != 3 {
		t.Fatalf("completions: got %v want 3", got)
	}
	if got := findCounterValue(mfs, "rdma_write_client_state_transitions_total"); got != 6 {
		t.Fatalf("state transitions: got %v want 6", got)
	}
	if got := findLabel(mfs, "rdma_write_client_loop_started_total", labelProvider); got != "loopback" {
		t.Fatalf("provider label: got %q", got)
	}
}

func withLabel(attrs map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = value
	return out
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabel(mfs []*dto.MetricFamily, name, label string) string {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			for _, pair := range m.GetLabel() {
				if pair.GetName() == label {
					return pair.GetValue()
				}
			}
		}
	}
	return ""
}
