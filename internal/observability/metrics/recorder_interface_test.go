package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestRecorder(t *testing.T) {
	t.Parallel()

	recorder := NewTestRecorder()
	recorder.RecordOperation(OpChunk, StatusSuccess)
	recorder.RecordOperation(OpChunk, StatusSuccess)
	recorder.RecordOperation(OpChunk, StatusDuplicate)
	recorder.RecordDuration(OpRecording, 0.25)
	recorder.RecordError(OpDownload, "network")

	assert.Equal(t, 2, recorder.GetOperationCount(OpChunk, StatusSuccess))
	assert.Equal(t, 1, recorder.GetOperationCount(OpChunk, StatusDuplicate))
	assert.Zero(t, recorder.GetOperationCount(OpRecording, StatusSuccess))
	assert.Equal(t, []float64{0.25}, recorder.GetDurations(OpRecording))
	assert.Nil(t, recorder.GetDurations("non_existent"))
	assert.Equal(t, 1, recorder.GetErrorCount(OpDownload, "network"))
}

func TestTestRecorderThreadSafety(t *testing.T) {
	t.Parallel()

	recorder := NewTestRecorder()
	const goroutines, perGoroutine = 10, 100

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range perGoroutine {
				recorder.RecordOperation("concurrent", StatusSuccess)
				recorder.RecordDuration("concurrent", 0.001)
				recorder.RecordError("concurrent", "test")
			}
		})
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, recorder.GetOperationCount("concurrent", StatusSuccess))
	assert.Len(t, recorder.GetDurations("concurrent"), goroutines*perGoroutine)
	assert.Equal(t, goroutines*perGoroutine, recorder.GetErrorCount("concurrent", "test"))
}

func TestRecorderImplementations(t *testing.T) {
	t.Parallel()

	var _ Recorder = NoOpRecorder{}
	var _ Recorder = (*TestRecorder)(nil)
	var _ Recorder = (*ConductorMetrics)(nil)
	var _ Recorder = (*WorkerMetrics)(nil)
}
