package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, registry *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func TestConductorMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewConductorMetrics(registry)
	require.NoError(t, err)

	m.RecordInvocation(StatusSuccess, 1.5)
	m.RecordInvocation(StatusRejected, 0.2)
	m.RecordAdmission(true)
	m.RecordAdmission(false)
	m.RecordOperation(OpAdmission, StatusRejected)
	m.RecordDispatch(0, "normal")
	m.RecordDispatch(0, "normal")
	m.RecordDispatch(2, "large")
	m.RecordDuration(OpPlan, 0.004)
	m.RecordError(OpDispatch, "network")

	assert.InDelta(t, 1, testutil.ToFloat64(m.invocationsTotal.WithLabelValues(StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.admissionTotal.WithLabelValues(StatusAdmitted)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.admissionTotal.WithLabelValues(StatusRejected)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.chunksDispatched.WithLabelValues("0", "normal")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.chunksDispatched.WithLabelValues("2", "large")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues(OpDispatch, "network")), 0)

	families := gather(t, registry)
	duration := families["aedbatch_conductor_invocation_duration_seconds"]
	require.NotNil(t, duration)
	assert.Equal(t, dto.MetricType_HISTOGRAM, duration.GetType())
	assert.Equal(t, uint64(2), duration.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.InDelta(t, 1.7, duration.GetMetric()[0].GetHistogram().GetSampleSum(), 1e-9)
	assert.Equal(t, uint64(1),
		families["aedbatch_conductor_plan_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestWorkerMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewWorkerMetrics(registry)
	require.NoError(t, err)

	m.RecordRecording(StatusSuccess, 3, 0.5)
	m.RecordRecording(StatusSuccess, 0, 0.4)
	m.RecordRecording(StatusError, 0, 0.1)
	m.RecordChunk("ack", 2)
	m.RecordDuplicate()
	m.RecordOperation(OpChunk, StatusDuplicate)
	m.RecordError(OpDownload, "not-found")
	m.RecordOperation(OpFinalize, StatusSuccess)
	m.RecordDuration(OpFinalize, 0.03)

	assert.InDelta(t, 2, testutil.ToFloat64(m.recordingsTotal.WithLabelValues(StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.recordingsTotal.WithLabelValues(StatusError)), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.detectionsTotal), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.duplicatesTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.chunksTotal.WithLabelValues("ack")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues(OpDownload, "not-found")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.finalizeTotal.WithLabelValues(StatusSuccess)), 0)

	families := gather(t, registry)
	assert.Equal(t, uint64(3),
		families["aedbatch_worker_recording_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, uint64(1),
		families["aedbatch_worker_finalize_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()

	var c *ConductorMetrics
	var w *WorkerMetrics
	assert.NotPanics(t, func() {
		c.RecordInvocation(StatusSuccess, 1)
		c.RecordAdmission(true)
		c.RecordDispatch(0, "normal")
		c.RecordOperation(OpInvocation, StatusSuccess)
		c.RecordDuration(OpPlan, 1)
		c.RecordError(OpPlan, "x")
		w.RecordChunk("ack", 1)
		w.RecordRecording(StatusSuccess, 1, 1)
		w.RecordDuplicate()
		w.RecordOperation(OpChunk, "ack")
		w.RecordDuration(OpChunk, 1)
		w.RecordError(OpChunk, "x")
	})
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	_, err := NewWorkerMetrics(registry)
	require.NoError(t, err)
	_, err = NewWorkerMetrics(registry)
	assert.Error(t, err)
}
