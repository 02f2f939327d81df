package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ConductorMetrics contains Prometheus metrics for conductor invocations.
// A nil *ConductorMetrics records nothing.
type ConductorMetrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration prometheus.Histogram
	planDuration       prometheus.Histogram
	admissionTotal     *prometheus.CounterVec
	chunksDispatched   *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewConductorMetrics creates the conductor collectors and registers them.
func NewConductorMetrics(registry *prometheus.Registry) (*ConductorMetrics, error) {
	m := &ConductorMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ConductorMetrics) initMetrics() {
	m.invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_conductor_invocations_total",
			Help: "Conductor invocations partitioned by outcome.",
		},
		[]string{"status"},
	)
	m.invocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aedbatch_conductor_invocation_duration_seconds",
			Help:    "Time from invocation to the last published chunk.",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount12),
		},
	)
	m.planDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aedbatch_conductor_plan_duration_seconds",
			Help:    "Time spent planning the chunks of a job.",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount10),
		},
	)
	m.admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_conductor_admission_total",
			Help: "Capacity checks partitioned by decision.",
		},
		[]string{"decision"},
	)
	m.chunksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_conductor_chunks_dispatched_total",
			Help: "Chunks published partitioned by account and queue class.",
		},
		[]string{"account", "class"},
	)
	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_conductor_errors_total",
			Help: "Conductor errors partitioned by operation and error type.",
		},
		[]string{"operation", "error_type"},
	)

	m.collectors = []prometheus.Collector{
		m.invocationsTotal,
		m.invocationDuration,
		m.planDuration,
		m.admissionTotal,
		m.chunksDispatched,
		m.errorsTotal,
	}
}

// Describe implements the Collector interface
func (m *ConductorMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ConductorMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordInvocation counts a finished invocation and its duration.
func (m *ConductorMetrics) RecordInvocation(status string, seconds float64) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(status).Inc()
	m.invocationDuration.Observe(seconds)
}

// RecordAdmission counts a capacity decision.
func (m *ConductorMetrics) RecordAdmission(admitted bool) {
	if m == nil {
		return
	}
	decision := StatusRejected
	if admitted {
		decision = StatusAdmitted
	}
	m.admissionTotal.WithLabelValues(decision).Inc()
}

// RecordDispatch counts one published chunk.
func (m *ConductorMetrics) RecordDispatch(account int, class string) {
	if m == nil {
		return
	}
	m.chunksDispatched.WithLabelValues(strconv.Itoa(account), class).Inc()
}

// RecordOperation implements the Recorder interface.
// Supported operations: "invocation" with any status, "admission" with
// "admitted" or "rejected".
func (m *ConductorMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	switch operation {
	case OpInvocation:
		m.invocationsTotal.WithLabelValues(status).Inc()
	case OpAdmission:
		m.admissionTotal.WithLabelValues(status).Inc()
	}
}

// RecordDuration implements the Recorder interface.
func (m *ConductorMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	switch operation {
	case OpInvocation:
		m.invocationDuration.Observe(seconds)
	case OpPlan:
		m.planDuration.Observe(seconds)
	}
}

// RecordError implements the Recorder interface.
func (m *ConductorMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}
