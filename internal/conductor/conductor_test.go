package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/capacity"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
	"github.com/tphakala/aedbatch/internal/planner"
	"github.com/tphakala/aedbatch/internal/router"
)

const jobType = 8

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	queue   string
	msg     *batch.Message
	traceID string
}

// fakePublisher records messages. fail makes the publish with that index
// (counted from 1) fail; onPublish runs after every successful publish.
type fakePublisher struct {
	mu        sync.Mutex
	messages  []published
	fail      int
	onPublish func()
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, msg *batch.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 && len(p.messages)+1 == p.fail {
		return errors.NewStd("broker unavailable")
	}
	p.messages = append(p.messages, published{queue: queue, msg: msg, traceID: logger.TraceID(ctx)})
	if p.onPublish != nil {
		p.onPublish()
	}
	return nil
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages
}

type fixture struct {
	store     datastore.Interface
	registry  *prometheus.Registry
	publisher map[int]*fakePublisher
	conductor *Conductor
}

type setup struct {
	cfg       Config
	limit     int
	caps      planner.Caps
	threshold int
}

func defaultSetup() setup {
	return setup{
		cfg:       Config{JobType: jobType, MinRemainingTime: time.Second, Timeout: time.Minute},
		limit:     1000,
		caps:      planner.Caps{Normal: 125, High: 40},
		threshold: 10,
	}
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()

	store := datastore.New(&conf.DatabaseSettings{
		Driver: conf.DriverSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "aed.db")},
	}, nil)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })

	plan, err := planner.New([]planner.Account{
		{ID: 0, Prefix: "", Caps: s.caps},
		{ID: 1, Prefix: "eu/", Caps: s.caps},
	})
	require.NoError(t, err)

	publishers := map[int]*fakePublisher{0: {}, 1: {}}
	route, err := router.New(map[int]router.AccountQueues{
		0: {Normal: "aed-normal", Large: "aed-large", Publisher: publishers[0]},
		1: {Normal: "eu-aed-normal", Large: "eu-aed-large", Publisher: publishers[1]},
	}, s.threshold, router.DefaultMaxNormalMeanRate)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewConductorMetrics(registry)
	require.NoError(t, err)

	c, err := New(s.cfg, Deps{
		Store:    store,
		Capacity: capacity.NewTracker(store, s.limit, 2*time.Hour, nil),
		Planner:  plan,
		Router:   route,
		Metrics:  m,
	})
	require.NoError(t, err)
	return &fixture{store: store, registry: registry, publisher: publishers, conductor: c}
}

// playlist stores a playlist whose recordings have the given URI prefixes
// and sample rates.
func (f *fixture) playlist(t *testing.T, uris []string, rates []int) uint64 {
	t.Helper()
	recordings := make([]datastore.Recording, len(uris))
	for i := range uris {
		recordings[i] = datastore.Recording{
			URI:        uris[i],
			SampleRate: rates[i],
			Datetime:   time.Date(2024, 5, 1, 5, i%60, 0, 0, time.UTC),
		}
	}
	p := &datastore.Playlist{ProjectID: 7, Name: "dawn chorus"}
	require.NoError(t, f.store.CreatePlaylist(t.Context(), p, recordings))
	return p.ID
}

func uniform(n, rate int, prefix string) ([]string, []int) {
	uris := make([]string, n)
	rates := make([]int, n)
	for i := range n {
		uris[i] = fmt.Sprintf("%ssite-a/%03d.flac", prefix, i)
		rates[i] = rate
	}
	return uris, rates
}

func invocation(playlistID uint64) *Invocation {
	return &Invocation{
		PlaylistID: playlistID,
		UserID:     3,
		Name:       "night survey",
		Thresholds: batch.Thresholds{Amplitude: 3, Duration: 0.1, Bandwidth: 0.5, Area: 0.05, FilterSize: 5},
	}
}

func (f *fixture) job(t *testing.T, id uint64) *datastore.Job {
	t.Helper()
	job, err := f.store.GetJob(t.Context(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) invocations(t *testing.T, status string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "aedbatch_conductor_invocations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRunDispatchesChunks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	id := f.playlist(t, uniform(40, 48000, "us/"))

	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 10, res.Chunks)
	assert.Equal(t, 10, res.Dispatched)
	assert.NotEmpty(t, res.TraceID)

	sent := f.publisher[0].sent()
	require.Len(t, sent, 10)
	assert.Empty(t, f.publisher[1].sent())
	for i, p := range sent {
		assert.Equal(t, "aed-normal", p.queue)
		assert.Equal(t, i, p.msg.WorkerID)
		assert.Equal(t, res.JobID, p.msg.JobID)
		assert.Equal(t, id, p.msg.PlaylistID)
		assert.Len(t, p.msg.Items, 4)
		assert.Equal(t, res.TraceID, p.traceID)
		assert.InDelta(t, 3, p.msg.Thresholds.Amplitude, 0)
	}

	job := f.job(t, res.JobID)
	assert.Equal(t, datastore.StateWaiting, job.State)
	assert.Equal(t, 10, job.ProgressSteps)
	assert.Equal(t, 10, job.Workers)
	assert.Equal(t, uint64(7), job.ProjectID)
	assert.Equal(t, uint64(3), job.UserID)

	params, err := f.store.GetJobParameters(t.Context(), res.JobID)
	require.NoError(t, err)
	var snapshot batch.Parameters
	require.NoError(t, json.Unmarshal(params.Params, &snapshot))
	assert.Equal(t, "night survey", snapshot.Name)
	assert.Equal(t, id, snapshot.PlaylistID)
	assert.Equal(t, 5, snapshot.FilterSize)

	assert.InDelta(t, 1, f.invocations(t, metrics.StatusSuccess), 0)
}

func TestRunRoutesLargeJobs(t *testing.T) {
	t.Parallel()

	s := defaultSetup()
	s.threshold = 5
	f := newFixture(t, s)
	id := f.playlist(t, uniform(40, 48000, ""))

	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)
	for _, p := range f.publisher[0].sent() {
		assert.Equal(t, "aed-large", p.queue)
	}
	assert.Len(t, f.publisher[0].sent(), res.Chunks)
}

func TestRunSplitsAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	usURIs, usRates := uniform(20, 48000, "us/")
	euURIs, euRates := uniform(10, 256000, "eu/")
	id := f.playlist(t, append(euURIs, usURIs...), append(euRates, usRates...))

	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)

	// account 0 is planned first: 20 recordings in chunks of 2
	us := f.publisher[0].sent()
	require.Len(t, us, 10)
	for i, p := range us {
		assert.Equal(t, i, p.msg.WorkerID)
		assert.Equal(t, 0, p.msg.Account)
	}

	// account 1 continues the ordinals and goes large on its mean rate
	eu := f.publisher[1].sent()
	require.Len(t, eu, 10)
	for i, p := range eu {
		assert.Equal(t, 10+i, p.msg.WorkerID)
		assert.Equal(t, "eu-aed-large", p.queue)
		assert.Len(t, p.msg.Items, 1)
	}
	assert.Equal(t, 20, res.Chunks)
}

func TestRunRejectsWhenCapacityExhausted(t *testing.T) {
	t.Parallel()

	s := defaultSetup()
	s.caps = planner.Caps{Normal: 1, High: 1}
	f := newFixture(t, s)

	busy := &datastore.Job{JobTypeID: jobType, ProjectID: 1, State: datastore.StateProcessing, ProgressSteps: 950}
	require.NoError(t, f.store.CreateJob(t.Context(), busy, &datastore.JobParameters{PlaylistID: 1}))

	id := f.playlist(t, uniform(60, 48000, ""))
	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.ErrorIs(t, err, capacity.ErrCapacityExhausted)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 60, res.Chunks)
	assert.Empty(t, f.publisher[0].sent())

	job := f.job(t, res.JobID)
	assert.Equal(t, datastore.StateError, job.State)
	assert.Contains(t, job.Remarks, "not currently available")
	assert.InDelta(t, 1, f.invocations(t, metrics.StatusRejected), 0)
}

func TestRunAdmitsJobThatFits(t *testing.T) {
	t.Parallel()

	s := defaultSetup()
	s.caps = planner.Caps{Normal: 1, High: 1}
	f := newFixture(t, s)

	busy := &datastore.Job{JobTypeID: jobType, ProjectID: 1, State: datastore.StateProcessing, ProgressSteps: 940}
	require.NoError(t, f.store.CreateJob(t.Context(), busy, &datastore.JobParameters{PlaylistID: 1}))

	id := f.playlist(t, uniform(60, 48000, ""))
	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)
	assert.Equal(t, 60, res.Dispatched)
}

func TestRunEmptyPlaylist(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	id := f.playlist(t, nil, nil)

	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, res.Chunks)

	job := f.job(t, res.JobID)
	assert.Equal(t, datastore.StateCompleted, job.State)
	assert.Zero(t, job.ProgressSteps)
	assert.True(t, job.Completed)
	assert.InDelta(t, 1, f.invocations(t, metrics.StatusEmpty), 0)
}

func TestRunUnknownPlaylistCreatesNoJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	res, err := f.conductor.Run(t.Context(), invocation(404))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, StatusFailure, res.Status)
	assert.Zero(t, res.JobID)

	work, err := f.store.ListJobWork(t.Context(), jobType, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, work)
}

func TestRunRejectsInvalidThresholds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	id := f.playlist(t, uniform(4, 48000, ""))
	inv := invocation(id)
	inv.Thresholds.FilterSize = 0

	res, err := f.conductor.Run(t.Context(), inv)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Zero(t, res.JobID)
}

func TestRunStopsWhenTimeBudgetRunsLow(t *testing.T) {
	t.Parallel()

	s := defaultSetup()
	s.cfg.MinRemainingTime = 5 * time.Minute
	f := newFixture(t, s)

	// each publish takes two minutes on the conductor's clock
	base := time.Now()
	clock := base
	f.conductor.now = func() time.Time { return clock }
	f.publisher[0].onPublish = func() { clock = clock.Add(2 * time.Minute) }

	ctx, cancel := context.WithDeadline(t.Context(), base.Add(10*time.Minute))
	defer cancel()

	id := f.playlist(t, uniform(40, 48000, ""))
	res, err := f.conductor.Run(ctx, invocation(id))
	require.ErrorIs(t, err, ErrTimeBudget)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 3, res.Dispatched)
	assert.Len(t, f.publisher[0].sent(), 3)

	job := f.job(t, res.JobID)
	assert.Equal(t, datastore.StateWaiting, job.State)
	assert.Equal(t, 10, job.ProgressSteps)
	assert.Contains(t, job.Remarks, "3 of 10 chunks")
	assert.InDelta(t, 1, f.invocations(t, metrics.StatusTimeout), 0)
}

func TestRunFailsJobWhenPublishFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultSetup())
	f.publisher[0].fail = 3
	id := f.playlist(t, uniform(40, 48000, ""))

	res, err := f.conductor.Run(t.Context(), invocation(id))
	assert.True(t, errors.IsCategory(err, errors.CategoryDispatch))
	assert.Equal(t, 2, res.Dispatched)

	job := f.job(t, res.JobID)
	assert.Equal(t, datastore.StateError, job.State)
	assert.Equal(t, "Dispatch failed after 2 of 10 chunks", job.Remarks)
}

func TestRunPacesDispatch(t *testing.T) {
	t.Parallel()

	s := defaultSetup()
	s.cfg.DispatchRate = 1000
	s.cfg.DispatchBurst = 2
	f := newFixture(t, s)
	id := f.playlist(t, uniform(40, 48000, ""))

	res, err := f.conductor.Run(t.Context(), invocation(id))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Dispatched)
}

func TestInvocationJSON(t *testing.T) {
	t.Parallel()

	event := `{"name": "dawn", "playlist_id": 12, "user_id": 4,
		"Amplitude Threshold": 2.5, "Duration Threshold": 0.2, "Bandwidth Threshold": 0.3,
		"Area Threshold": 0.1, "Filter Size": 7, "Min Frequency": 1.5}`

	var inv Invocation
	require.NoError(t, json.Unmarshal([]byte(event), &inv))
	assert.Equal(t, uint64(12), inv.PlaylistID)
	assert.Equal(t, uint64(4), inv.UserID)
	assert.InDelta(t, 2.5, inv.Amplitude, 0)
	assert.Equal(t, 7, inv.FilterSize)
	require.NotNil(t, inv.MinFrequency)
	assert.InDelta(t, 1.5, *inv.MinFrequency, 0)
	assert.Nil(t, inv.MaxFrequency)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
