package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics contains Prometheus metrics for chunk processing.
// A nil *WorkerMetrics records nothing.
type WorkerMetrics struct {
	registry *prometheus.Registry

	chunksTotal       *prometheus.CounterVec
	chunkDuration     prometheus.Histogram
	recordingsTotal   *prometheus.CounterVec
	recordingDuration prometheus.Histogram
	detectionsTotal   prometheus.Counter
	duplicatesTotal   prometheus.Counter
	finalizeTotal     *prometheus.CounterVec
	finalizeDuration  prometheus.Histogram
	errorsTotal       *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewWorkerMetrics creates the worker collectors and registers them.
func NewWorkerMetrics(registry *prometheus.Registry) (*WorkerMetrics, error) {
	m := &WorkerMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *WorkerMetrics) initMetrics() {
	m.chunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_chunks_total",
			Help: "Delivered chunks partitioned by settlement.",
		},
		[]string{"outcome"},
	)
	m.chunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aedbatch_worker_chunk_duration_seconds",
			Help:    "Time taken to process and finalize a chunk.",
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount15),
		},
	)
	m.recordingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_recordings_total",
			Help: "Processed recordings partitioned by status.",
		},
		[]string{"status"},
	)
	m.recordingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aedbatch_worker_recording_duration_seconds",
			Help:    "Time taken to download and analyse one recording.",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		},
	)
	m.detectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_detections_total",
			Help: "Acoustic events detected.",
		},
	)
	m.duplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_duplicate_deliveries_total",
			Help: "Deliveries of chunks that were already finalized.",
		},
	)
	m.finalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_finalizations_total",
			Help: "Chunk finalization transactions partitioned by status.",
		},
		[]string{"status"},
	)
	m.finalizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aedbatch_worker_finalize_duration_seconds",
			Help:    "Time taken by the finalization transaction including uploads.",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
		},
	)
	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aedbatch_worker_errors_total",
			Help: "Worker errors partitioned by operation and error type.",
		},
		[]string{"operation", "error_type"},
	)

	m.collectors = []prometheus.Collector{
		m.chunksTotal,
		m.chunkDuration,
		m.recordingsTotal,
		m.recordingDuration,
		m.detectionsTotal,
		m.duplicatesTotal,
		m.finalizeTotal,
		m.finalizeDuration,
		m.errorsTotal,
	}
}

// Describe implements the Collector interface
func (m *WorkerMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *WorkerMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordChunk counts a settled chunk and its duration.
func (m *WorkerMetrics) RecordChunk(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(outcome).Inc()
	m.chunkDuration.Observe(seconds)
}

// RecordRecording counts a processed recording and its detections.
func (m *WorkerMetrics) RecordRecording(status string, detections int, seconds float64) {
	if m == nil {
		return
	}
	m.recordingsTotal.WithLabelValues(status).Inc()
	m.recordingDuration.Observe(seconds)
	if detections > 0 {
		m.detectionsTotal.Add(float64(detections))
	}
}

// RecordDuplicate counts a redelivered chunk.
func (m *WorkerMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

// RecordOperation implements the Recorder interface.
// Supported operations: "chunk" with a settlement outcome, "recording" with
// "success" or "error", "finalize" with any status.
func (m *WorkerMetrics) RecordOperation(operation, status string) {
	if m == nil {
		return
	}
	switch operation {
	case OpChunk:
		m.chunksTotal.WithLabelValues(status).Inc()
		if status == StatusDuplicate {
			m.duplicatesTotal.Inc()
		}
	case OpRecording:
		m.recordingsTotal.WithLabelValues(status).Inc()
	case OpFinalize:
		m.finalizeTotal.WithLabelValues(status).Inc()
	}
}

// RecordDuration implements the Recorder interface.
func (m *WorkerMetrics) RecordDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	switch operation {
	case OpChunk:
		m.chunkDuration.Observe(seconds)
	case OpRecording:
		m.recordingDuration.Observe(seconds)
	case OpFinalize:
		m.finalizeDuration.Observe(seconds)
	}
}

// RecordError implements the Recorder interface.
func (m *WorkerMetrics) RecordError(operation, errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}
