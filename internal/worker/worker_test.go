package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/getsentry/sentry-go"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/aggregator"
	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/blob"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
	"github.com/tphakala/aedbatch/internal/queue"
	"github.com/tphakala/aedbatch/internal/telemetry"
)

const (
	testEnv    = "test"
	playlistID = 55
	rate       = 48000
)

// memStore is an in-memory blob.Store counting reads.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    atomic.Int32
	failPut error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New(blob.ErrObjectNotFound).
			Category(errors.CategoryNotFound).
			Context("key", key).
			Build()
	}
	return data, nil
}

func (m *memStore) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStore) has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

// encodeWAV writes 16-bit mono samples in [-1, 1] as a WAV file.
func encodeWAV(t *testing.T, samples []float64) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rec.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	ints := make([]int, len(samples))
	for i, v := range samples {
		ints[i] = int(math.Round(v * 32767))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           ints,
		Format:         &audio.Format{SampleRate: rate, NumChannels: 1},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

// burst returns 3 s of faint noise with a 4 kHz tone from 1.0 to 1.5 s.
func burst(seed uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	samples := make([]float64, 3*rate)
	for i := range samples {
		samples[i] = 0.001 * (rng.Float64() - 0.5)
	}
	for i := rate; i < rate+rate/2; i++ {
		samples[i] += 0.5 * math.Sin(2*math.Pi*4000*float64(i)/rate)
	}
	return samples
}

type fixture struct {
	store    datastore.Interface
	blobs    *memStore
	registry *prometheus.Registry
	worker   *Worker
}

type option func(*Config, *Deps)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	store := datastore.New(&conf.DatabaseSettings{
		Driver: conf.DriverSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "aed.db")},
	}, nil)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	engine, err := aed.New(aed.DefaultConfig())
	require.NoError(t, err)
	extractor, err := features.NewExtractor(features.DefaultHOG())
	require.NoError(t, err)
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWorkerMetrics(registry)
	require.NoError(t, err)

	blobs := newMemStore()
	cfg := Config{
		Concurrency:      2,
		UploadImages:     true,
		ImageTrim:        features.DefaultImageTrim,
		MinRemainingTime: 0,
		ChunkTimeout:     time.Minute,
		JobStateCacheTTL: time.Minute,
		ClaimTTL:         time.Minute,
	}
	deps := Deps{
		Engine:     engine,
		Extractor:  extractor,
		Aggregator: aggregator.New(store, testEnv, extractor.Len(), nil),
		Jobs:       store,
		Accounts: map[int]Account{
			0: {Store: blobs, RecordingsBucket: "recordings", ArtifactsBucket: "artifacts"},
		},
		Metrics: m,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	w, err := New(cfg, deps)
	require.NoError(t, err)
	return &fixture{store: store, blobs: blobs, registry: registry, worker: w}
}

func (f *fixture) createJob(t *testing.T, steps int) *datastore.Job {
	t.Helper()
	job := &datastore.Job{JobTypeID: 8, ProjectID: 1, State: datastore.StateWaiting, ProgressSteps: steps}
	params := &datastore.JobParameters{PlaylistID: playlistID, Params: datatypes.JSON(`{}`)}
	require.NoError(t, f.store.CreateJob(t.Context(), job, params))
	return job
}

// delivery builds a chunk of the given recordings. A nil signal leaves the
// recording out of the blob store.
func (f *fixture) delivery(t *testing.T, jobID uint64, workerID int, signals ...[]float64) *queue.Delivery {
	t.Helper()
	msg := &batch.Message{
		JobID:      jobID,
		WorkerID:   workerID,
		PlaylistID: playlistID,
		Thresholds: batch.Thresholds{Amplitude: 2, Duration: 0.2, Bandwidth: 0.1, Area: 0.05, FilterSize: 3},
	}
	for i, s := range signals {
		id := uint64(1000 + 10*workerID + i)
		uri := fmt.Sprintf("site/%d.wav", id)
		if s != nil {
			f.blobs.objects["recordings/"+uri] = encodeWAV(t, s)
		}
		msg.Items = append(msg.Items, batch.ChunkItem{
			RecordingID: id,
			SampleRate:  rate,
			URI:         uri,
			CapturedAt:  time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC),
		})
	}
	return &queue.Delivery{Message: msg, Queue: "aed-normal", TraceID: "trace"}
}

// counter sums the samples of a counter family whose labels include
// the given value. An empty value matches every sample.
func (f *fixture) counter(t *testing.T, name, value string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)

	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if value == "" || hasLabelValue(m, value) {
				sum += m.GetCounter().GetValue()
			}
		}
	}
	return sum
}

func hasLabelValue(m *dto.Metric, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetValue() == value {
			return true
		}
	}
	return false
}

func (f *fixture) job(t *testing.T, id uint64) *datastore.Job {
	t.Helper()
	job, err := f.store.GetJob(t.Context(), id)
	require.NoError(t, err)
	return job
}

func TestHandleProcessesChunk(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, 1)
	quiet := make([]float64, 3*rate)
	d := f.delivery(t, job.ID, 0, burst(1), quiet, burst(2))

	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))

	got := f.job(t, job.ID)
	assert.Equal(t, datastore.StateCompleted, got.State)
	assert.Equal(t, 1, got.Progress)

	dets, err := f.store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(dets), 2)
	for i := range dets {
		assert.NotEqual(t, uint64(1001), dets[i].RecordingID, "silence produced a detection")
		assert.True(t, f.blobs.has("artifacts", dets[i].ImageURI), dets[i].ImageURI)
	}
	assert.True(t, f.blobs.has("artifacts", features.FeaturesKey(testEnv, job.ID, 0)))
	assert.True(t, f.blobs.has("artifacts", features.IDsKey(testEnv, job.ID, 0)))

	assert.InDelta(t, 3, f.counter(t, "aedbatch_worker_recordings_total", metrics.StatusSuccess), 0)
	assert.InDelta(t, 1, f.counter(t, "aedbatch_worker_chunks_total", queue.Ack.String()), 0)
}

func TestHandleFailsJobWhenMostRecordingsFail(t *testing.T) {
	transport := telemetry.NewMockTransport()
	reporter, err := telemetry.New(&conf.TelemetrySettings{
		Enabled:    true,
		DSN:        "https://public@sentry.example.com/1",
		SampleRate: 1,
	}, testEnv, "aedbatch@test", nil, telemetry.WithTransport(transport))
	require.NoError(t, err)
	f := newFixture(t, func(_ *Config, deps *Deps) { deps.Reporter = reporter })
	job := f.createJob(t, 4)
	d := f.delivery(t, job.ID, 1, burst(3), nil, nil)

	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))

	got := f.job(t, job.ID)
	assert.Equal(t, datastore.StateError, got.State)
	assert.Contains(t, got.Remarks, "67%")
	assert.InDelta(t, 2, f.counter(t, "aedbatch_worker_recordings_total", metrics.StatusError), 0)

	reporter.Flush(telemetry.DefaultFlushTimeout)
	var warnings []string
	for _, e := range transport.Events() {
		if e.Level == sentry.LevelWarning {
			warnings = append(warnings, e.Message)
		}
	}
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "67%")

	// later chunks of the failed job are skipped without downloads
	before := f.blobs.gets.Load()
	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), f.delivery(t, job.ID, 2, burst(4))))
	assert.Equal(t, before, f.blobs.gets.Load())
}

func TestHandleSkipsTerminalJob(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, 2)
	_, err := f.store.FailJob(t.Context(), job.ID, "cancelled")
	require.NoError(t, err)

	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), f.delivery(t, job.ID, 0, burst(5))))
	assert.Zero(t, f.blobs.gets.Load())
}

func TestHandleDuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, 2)
	d := f.delivery(t, job.ID, 0, burst(6))

	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))
	d.Redelivered = true
	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))

	got := f.job(t, job.ID)
	assert.Equal(t, 1, got.Progress)
	assert.Equal(t, datastore.StateProcessing, got.State)
	assert.InDelta(t, 1, f.counter(t, "aedbatch_worker_duplicate_deliveries_total", ""), 0)

	links, err := f.store.PlaylistDetections(t.Context(), playlistID)
	require.NoError(t, err)
	dets, err := f.store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Len(t, links, len(dets))
}

func TestHandleRejectsUnknownJobAndAccount(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, queue.Reject, f.worker.Handle(t.Context(), f.delivery(t, 999, 0, burst(7))))

	job := f.createJob(t, 1)
	d := f.delivery(t, job.ID, 0, burst(7))
	d.Message.Account = 3
	assert.Equal(t, queue.Reject, f.worker.Handle(t.Context(), d))
}

func TestHandleRequeuesWhenClaimedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t, func(_ *Config, deps *Deps) {
		deps.Claims = aggregator.NewRedisClaims(client, "claim:", "worker-b")
	})
	job := f.createJob(t, 1)
	d := f.delivery(t, job.ID, 0, burst(8))

	other := aggregator.NewRedisClaims(client, "claim:", "worker-a")
	ok, err := other.Claim(t.Context(), d.Message.IdempotencyKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, queue.Requeue, f.worker.Handle(t.Context(), d))
	assert.Zero(t, f.blobs.gets.Load())

	require.NoError(t, other.Release(t.Context(), d.Message.IdempotencyKey()))
	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))
	// our claim is released after the chunk
	assert.False(t, mr.Exists("claim:"+d.Message.IdempotencyKey()))
}

func TestHandleRequeuesWhenLowOnTime(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Deps) {
		cfg.ChunkTimeout = time.Second
		cfg.MinRemainingTime = 2 * time.Second
	})
	job := f.createJob(t, 1)

	assert.Equal(t, queue.Requeue, f.worker.Handle(t.Context(), f.delivery(t, job.ID, 0, burst(9))))
	assert.Zero(t, f.blobs.gets.Load())
	assert.Zero(t, f.job(t, job.ID).Progress)
}

func TestHandleRequeuesWhenFinalizeFails(t *testing.T) {
	f := newFixture(t)
	f.blobs.failPut = errors.NewStd("bucket unavailable")
	job := f.createJob(t, 1)
	d := f.delivery(t, job.ID, 0, burst(10))

	assert.Equal(t, queue.Requeue, f.worker.Handle(t.Context(), d))
	assert.Zero(t, f.job(t, job.ID).Progress)

	f.blobs.failPut = nil
	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), d))
	assert.Equal(t, datastore.StateCompleted, f.job(t, job.ID).State)
}

func TestHandleWithoutImages(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Deps) { cfg.UploadImages = false })
	job := f.createJob(t, 1)

	assert.Equal(t, queue.Ack, f.worker.Handle(t.Context(), f.delivery(t, job.ID, 0, burst(11))))
	for key := range f.blobs.objects {
		assert.False(t, strings.HasSuffix(key, ".png"), key)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

type fakeConsumer struct {
	deliveries []*queue.Delivery
	outcomes   []queue.Outcome
}

func (c *fakeConsumer) Run(ctx context.Context, handler queue.Handler) error {
	for _, d := range c.deliveries {
		c.outcomes = append(c.outcomes, handler(ctx, d))
	}
	return nil
}

func TestServe(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, 2)
	a := &fakeConsumer{deliveries: []*queue.Delivery{f.delivery(t, job.ID, 0, burst(12))}}
	b := &fakeConsumer{deliveries: []*queue.Delivery{f.delivery(t, job.ID, 1, burst(13))}}

	require.NoError(t, f.worker.Serve(t.Context(), a, b))
	assert.Equal(t, []queue.Outcome{queue.Ack}, a.outcomes)
	assert.Equal(t, []queue.Outcome{queue.Ack}, b.outcomes)
	assert.Equal(t, datastore.StateCompleted, f.job(t, job.ID).State)
}
