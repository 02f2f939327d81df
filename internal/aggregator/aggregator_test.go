package aggregator

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/blob"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/observability/metrics"
)

const (
	testEnv    = "test"
	testWidth  = 4
	playlistID = 77
	bucket     = "artifacts"
)

// memStore is an in-memory blob.Store that can be told to fail.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, b, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[b+"/"+key]
	if !ok {
		return nil, blob.ErrObjectNotFound
	}
	return data, nil
}

func (m *memStore) Put(_ context.Context, b, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.objects[b+"/"+key] = data
	return nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

func openStore(t *testing.T) datastore.Interface {
	t.Helper()

	store := datastore.New(&conf.DatabaseSettings{
		Driver: conf.DriverSQLite,
		SQLite: conf.SQLiteSettings{Path: filepath.Join(t.TempDir(), "aed.db")},
	}, nil)
	require.NoError(t, store.Open())
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func createJob(t *testing.T, store datastore.Interface, steps int) *datastore.Job {
	t.Helper()

	job := &datastore.Job{JobTypeID: 8, ProjectID: 1, State: datastore.StateWaiting, ProgressSteps: steps}
	params := &datastore.JobParameters{PlaylistID: playlistID, Params: datatypes.JSON(`{}`)}
	require.NoError(t, store.CreateJob(t.Context(), job, params))
	return job
}

func message(jobID uint64, workerID, recordings int) *batch.Message {
	msg := &batch.Message{JobID: jobID, WorkerID: workerID, PlaylistID: playlistID}
	for i := range recordings {
		msg.Items = append(msg.Items, batch.ChunkItem{
			RecordingID: uint64(100 + i),
			SampleRate:  48000,
			URI:         fmt.Sprintf("rec/%d.wav", 100+i),
		})
	}
	return msg
}

func region(i int) aed.Region {
	return aed.Region{
		RowStart: 10, RowStop: 20, ColStart: i, ColStop: i + 10,
		FreqMin: 1875, FreqMax: 3562.5,
		TimeMin: float64(i) * 0.01, TimeMax: float64(i+9) * 0.01,
	}
}

// outcome returns a successful outcome with n detections.
func outcome(recordingID uint64, n int) RecordingOutcome {
	o := RecordingOutcome{RecordingID: recordingID}
	for i := range n {
		o.Regions = append(o.Regions, region(i))
		o.Features = append(o.Features, []float64{float64(recordingID), float64(i), 0, 1})
		o.Images = append(o.Images, []byte("png"))
	}
	return o
}

func failed(recordingID uint64) RecordingOutcome {
	return RecordingOutcome{RecordingID: recordingID, Err: errors.NewStd("decode failed")}
}

func readIDs(t *testing.T, data []byte) []int64 {
	t.Helper()
	r, err := npyio.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var ids []int64
	require.NoError(t, r.Read(&ids))
	return ids
}

func TestFinalizeWritesDetectionsArtifactsAndLinks(t *testing.T) {
	store := openStore(t)
	blobs := newMemStore()
	job := createJob(t, store, 2)
	agg := New(store, testEnv, testWidth, nil)

	msg := message(job.ID, 0, 3)
	results := []RecordingOutcome{outcome(100, 2), outcome(101, 0), outcome(102, 1)}

	out, err := agg.Finalize(t.Context(), msg, results, Destination{Store: blobs, Bucket: bucket})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Recordings)
	assert.Zero(t, out.Failed)
	assert.Equal(t, 3, out.Detections)
	assert.True(t, out.Counted)
	assert.False(t, out.JobFailed)

	dets, err := store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	require.Len(t, dets, 3)
	assert.Equal(t, features.ImageKey(testEnv, job.ID, 100, 1), dets[1].ImageURI)

	// ids artifact carries the durable ids in row order
	idData, err := blobs.Get(t.Context(), bucket, features.IDsKey(testEnv, job.ID, 0))
	require.NoError(t, err)
	ids := readIDs(t, idData)
	want := make([]int64, len(dets))
	for i := range dets {
		want[i] = int64(dets[i].ID)
	}
	assert.Equal(t, want, ids)

	_, err = blobs.Get(t.Context(), bucket, features.FeaturesKey(testEnv, job.ID, 0))
	require.NoError(t, err)
	_, err = blobs.Get(t.Context(), bucket, features.ImageKey(testEnv, job.ID, 102, 0))
	require.NoError(t, err)

	links, err := store.PlaylistDetections(t.Context(), playlistID)
	require.NoError(t, err)
	assert.Len(t, links, 3)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateProcessing, got.State)
	assert.Equal(t, 1, got.Progress)
}

func TestFinalizeRedeliveryIsIdempotent(t *testing.T) {
	store := openStore(t)
	blobs := newMemStore()
	job := createJob(t, store, 3)
	recorder := metrics.NewTestRecorder()
	agg := New(store, testEnv, testWidth, nil, WithRecorder(recorder))

	msg := message(job.ID, 1, 2)
	results := []RecordingOutcome{outcome(100, 2), outcome(101, 1)}
	dst := Destination{Store: blobs, Bucket: bucket}

	_, err := agg.Finalize(t.Context(), msg, results, dst)
	require.NoError(t, err)

	for range 2 {
		out, err := agg.Finalize(t.Context(), msg, results, dst)
		require.ErrorIs(t, err, ErrChunkAlreadyFinalized)
		assert.Nil(t, out)
	}

	links, err := store.PlaylistDetections(t.Context(), playlistID)
	require.NoError(t, err)
	assert.Len(t, links, 3)

	dets, err := store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Len(t, dets, 3)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Progress)
}

func TestFinalizeFailsJobAtFailureRatio(t *testing.T) {
	store := openStore(t)
	job := createJob(t, store, 5)
	agg := New(store, testEnv, testWidth, nil)

	msg := message(job.ID, 0, 10)
	var results []RecordingOutcome
	for i, item := range msg.Items {
		if i < 6 {
			results = append(results, failed(item.RecordingID))
			continue
		}
		results = append(results, outcome(item.RecordingID, 1))
	}

	out, err := agg.Finalize(t.Context(), msg, results, Destination{Store: newMemStore(), Bucket: bucket})
	require.NoError(t, err)
	assert.Equal(t, 6, out.Failed)
	assert.InDelta(t, 60, out.FailurePercent, 1e-9)
	assert.True(t, out.JobFailed)
	assert.False(t, out.Counted)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateError, got.State)
	assert.Equal(t, "At least 1 worker could not process 60% of recordings", got.Remarks)
	assert.Zero(t, got.Progress)
}

func TestFinalizePartialFailureCountsProgress(t *testing.T) {
	store := openStore(t)
	job := createJob(t, store, 1)
	agg := New(store, testEnv, testWidth, nil)

	msg := message(job.ID, 0, 10)
	results := make([]RecordingOutcome, 0, 10)
	for i, item := range msg.Items {
		if i < 4 {
			results = append(results, failed(item.RecordingID))
			continue
		}
		results = append(results, outcome(item.RecordingID, 0))
	}

	out, err := agg.Finalize(t.Context(), msg, results, Destination{Store: newMemStore(), Bucket: bucket})
	require.NoError(t, err)
	assert.True(t, out.Counted)

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.StateCompleted, got.State)
	assert.True(t, got.Completed)
}

func TestFinalizeMissingOutcomesCountAsFailed(t *testing.T) {
	store := openStore(t)
	job := createJob(t, store, 2)
	agg := New(store, testEnv, testWidth, nil)

	msg := message(job.ID, 0, 4)
	out, err := agg.Finalize(t.Context(), msg, []RecordingOutcome{outcome(100, 1)}, Destination{Store: newMemStore(), Bucket: bucket})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Failed)
	assert.True(t, out.JobFailed)
}

func TestFinalizeUploadFailureRollsBack(t *testing.T) {
	store := openStore(t)
	blobs := newMemStore()
	blobs.failPut = errors.NewStd("bucket unavailable")
	job := createJob(t, store, 2)
	recorder := metrics.NewTestRecorder()
	agg := New(store, testEnv, testWidth, nil, WithRecorder(recorder))

	msg := message(job.ID, 0, 2)
	results := []RecordingOutcome{outcome(100, 2), outcome(101, 1)}
	dst := Destination{Store: blobs, Bucket: bucket}

	_, err := agg.Finalize(t.Context(), msg, results, dst)
	require.Error(t, err)
	assert.Equal(t, 1, recorder.GetOperationCount(metrics.OpFinalize, metrics.StatusError))

	dets, err := store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, dets)
	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress)

	// the redelivered chunk goes through once the bucket recovers
	blobs.failPut = nil
	out, err := agg.Finalize(t.Context(), msg, results, dst)
	require.NoError(t, err)
	assert.True(t, out.Counted)
	assert.Len(t, blobs.keys(), 5)
}

func TestFinalizeDiscardsResultsOfTerminalJob(t *testing.T) {
	store := openStore(t)
	blobs := newMemStore()
	job := createJob(t, store, 2)
	_, err := store.FailJob(t.Context(), job.ID, "Resources not currently available")
	require.NoError(t, err)
	agg := New(store, testEnv, testWidth, nil)

	out, err := agg.Finalize(t.Context(), message(job.ID, 0, 1), []RecordingOutcome{outcome(100, 2)},
		Destination{Store: blobs, Bucket: bucket})
	require.NoError(t, err)
	assert.True(t, out.JobTerminal)
	assert.False(t, out.Counted)
	assert.Empty(t, blobs.keys())

	dets, err := store.JobDetections(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestFinalizeRejectsMisalignedFeatures(t *testing.T) {
	store := openStore(t)
	job := createJob(t, store, 1)
	agg := New(store, testEnv, testWidth, nil)

	o := outcome(100, 2)
	o.Features = o.Features[:1]
	_, err := agg.Finalize(t.Context(), message(job.ID, 0, 1), []RecordingOutcome{o},
		Destination{Store: newMemStore(), Bucket: bucket})
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestWithFailureRatio(t *testing.T) {
	store := openStore(t)
	job := createJob(t, store, 1)
	agg := New(store, testEnv, testWidth, nil, WithFailureRatio(0.25))

	msg := message(job.ID, 0, 4)
	results := []RecordingOutcome{failed(100), outcome(101, 0), outcome(102, 0), outcome(103, 0)}
	out, err := agg.Finalize(t.Context(), msg, results, Destination{Store: newMemStore(), Bucket: bucket})
	require.NoError(t, err)
	assert.True(t, out.JobFailed)
}

func TestFailureRemark(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "At least 1 worker could not process 50% of recordings", FailureRemark(50))
	assert.Equal(t, "At least 1 worker could not process 67% of recordings", FailureRemark(200.0/3))
}
