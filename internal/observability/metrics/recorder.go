// Package metrics provides the Prometheus collectors of the conductor and
// the workers.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components that only need generic counters depend on it rather than on a
// concrete collector.
type Recorder interface {
	// RecordOperation records an operation with its status, e.g.
	// ("invocation", "success").
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence. errorType is usually the
	// error category.
	RecordError(operation, errorType string)
}

// NoOpRecorder is a Recorder that drops everything.
type NoOpRecorder struct{}

// RecordOperation does nothing.
func (NoOpRecorder) RecordOperation(operation, status string) {}

// RecordDuration does nothing.
func (NoOpRecorder) RecordDuration(operation string, seconds float64) {}

// RecordError does nothing.
func (NoOpRecorder) RecordError(operation, errorType string) {}
