// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Operation names accepted by the Recorder implementations.
const (
	// OpInvocation is one conductor invocation.
	OpInvocation = "invocation"
	// OpAdmission is the capacity check of an invocation.
	OpAdmission = "admission"
	// OpPlan is chunk planning.
	OpPlan = "plan"
	// OpDispatch is the publication of one chunk.
	OpDispatch = "dispatch"
	// OpChunk is the processing of one delivered chunk.
	OpChunk = "chunk"
	// OpRecording is the processing of one recording.
	OpRecording = "recording"
	// OpDownload is the download of one recording.
	OpDownload = "download"
	// OpFinalize is the chunk finalization transaction.
	OpFinalize = "finalize"
)

// Label values.
const (
	// StatusSuccess marks a successful operation.
	StatusSuccess = "success"
	// StatusError marks a failed operation.
	StatusError = "error"
	// StatusRejected marks an invocation refused by admission control.
	StatusRejected = "rejected"
	// StatusTimeout marks an invocation that ran out of time.
	StatusTimeout = "timeout"
	// StatusEmpty marks an invocation for an empty playlist.
	StatusEmpty = "empty"
	// StatusAdmitted marks an admitted capacity check.
	StatusAdmitted = "admitted"
	// StatusDuplicate marks a chunk that was finalized before.
	StatusDuplicate = "duplicate"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart100ms is the starting bucket for 100ms histograms (100ms to ~100s range).
	BucketStart100ms = 0.1

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)

// ShutdownTimeout is the timeout for graceful shutdown of the endpoint.
const ShutdownTimeout = 5 * time.Second
