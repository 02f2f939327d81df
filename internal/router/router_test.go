package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/errors"
)

type recordingPublisher struct {
	mu     sync.Mutex
	queues []string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, _ *batch.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = append(p.queues, queue)
	return p.err
}

func newTestRouter(t *testing.T, threshold int) (*Router, *recordingPublisher, *recordingPublisher) {
	t.Helper()
	primary, legacy := &recordingPublisher{}, &recordingPublisher{}
	r, err := New(map[int]AccountQueues{
		0: {Normal: "aed-normal", Large: "aed-large", Publisher: primary},
		1: {Normal: "legacy-normal", Large: "legacy-large", Publisher: legacy},
	}, threshold, DefaultMaxNormalMeanRate)
	require.NoError(t, err)
	return r, primary, legacy
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks int
		mean   float64
		want   Class
	}{
		{"small job", 10, 44100, ClassNormal},
		{"at mean boundary", 10, 192000, ClassNormal},
		{"above mean boundary", 10, 192001, ClassLarge},
		{"many chunks", 11, 44100, ClassLarge},
		{"both", 500, 384000, ClassLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.chunks, 10, tt.mean, DefaultMaxNormalMeanRate))
		})
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, 10)
	first, err := r.Route(0, 10, 44100)
	require.NoError(t, err)
	for range 100 {
		h, err := r.Route(0, 10, 44100)
		require.NoError(t, err)
		assert.Equal(t, first.Queue, h.Queue)
		assert.Equal(t, first.Class, h.Class)
	}
	assert.Equal(t, "aed-normal", first.Queue)
}

func TestRouteKeepsAccountsApart(t *testing.T) {
	t.Parallel()

	r, primary, legacy := newTestRouter(t, 100)

	h, err := r.Route(1, 300, 44100)
	require.NoError(t, err)
	assert.Equal(t, ClassLarge, h.Class)
	require.NoError(t, h.Publish(t.Context(), &batch.Message{JobID: 1}))

	h, err = r.Route(0, 3, 48000)
	require.NoError(t, err)
	require.NoError(t, h.Publish(t.Context(), &batch.Message{JobID: 1}))

	assert.Equal(t, []string{"legacy-large"}, legacy.queues)
	assert.Equal(t, []string{"aed-normal"}, primary.queues)
}

func TestRouteUnknownAccount(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t, 10)
	_, err := r.Route(5, 1, 44100)
	require.ErrorIs(t, err, ErrUnknownAccount)
	assert.True(t, errors.IsCategory(err, errors.CategoryRouting))
}

func TestPublishErrorIsDispatchCategory(t *testing.T) {
	t.Parallel()

	r, primary, _ := newTestRouter(t, 10)
	primary.err = errors.NewStd("channel closed")

	h, err := r.Route(0, 1, 44100)
	require.NoError(t, err)
	err = h.Publish(t.Context(), &batch.Message{JobID: 3, WorkerID: 2})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDispatch))
}

func TestNewValidatesAccounts(t *testing.T) {
	t.Parallel()

	_, err := New(map[int]AccountQueues{0: {Normal: "a"}}, 10, 0)
	require.Error(t, err)
}
