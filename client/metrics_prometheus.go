package client

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	stateChanged        *prometheus.CounterVec
	connectFailed       *prometheus.CounterVec
	loopStarted         *prometheus.CounterVec
	loopStopped         *prometheus.CounterVec
	completionSucceeded *prometheus.CounterVec
	completionFailed    *prometheus.CounterVec
	teardownCompleted   *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		stateChanged:        counter("rdma_write_client_state_transitions_total", "Number of connection state transitions", stateLabelKeys),
		connectFailed:       counter("rdma_write_client_connect_failures_total", "Number of failed connection establishments", connectFailureLabelKeys),
		loopStarted:         counter("rdma_write_client_loop_started_total", "Number of times the completion loop started", baseLabelKeys),
		loopStopped:         counter("rdma_write_client_loop_stopped_total", "Number of times the completion loop stopped", statusLabelKeys),
		completionSucceeded: counter("rdma_write_client_completions_total", "Number of successful work completions", completionLabelKeys),
		completionFailed:    counter("rdma_write_client_completion_failures_total", "Number of work completions with a failure status", completionLabelKeys),
		teardownCompleted:   counter("rdma_write_client_teardowns_total", "Number of completed teardowns", statusLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.stateChanged,
		&p.connectFailed,
		&p.loopStarted,
		&p.loopStopped,
		&p.completionSucceeded,
		&p.completionFailed,
		&p.teardownCompleted,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	baseLabelKeys           = []string{labelProvider, labelNode, labelService}
	stateLabelKeys          = []string{labelProvider, labelNode, labelService, labelState}
	connectFailureLabelKeys = []string{labelProvider, labelNode, labelService, labelStage, labelKind}
	statusLabelKeys         = []string{labelProvider, labelNode, labelService, labelStatus}
	completionLabelKeys     = []string{labelProvider, labelNode, labelService, labelOperation, labelStatus}
)

func (p *PrometheusMetrics) StateChanged(attrs map[string]string) {
	p.stateChanged.With(labels(attrs, stateLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectFailed(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, connectFailureLabelKeys...)
	labs[labelKind] = kind
	p.connectFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) LoopStarted(attrs map[string]string) {
	p.loopStarted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) LoopStopped(attrs map[string]string) {
	p.loopStopped.With(labels(attrs, statusLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionSucceeded(attrs map[string]string) {
	p.completionSucceeded.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionFailed(_ error, attrs map[string]string) {
	p.completionFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) TeardownCompleted(attrs map[string]string) {
	p.teardownCompleted.With(labels(attrs, statusLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
