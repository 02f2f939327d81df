// Package batch holds the types shared by the conductor and the workers: the
// detection thresholds snapshot, chunk items and the dispatch message.
package batch

import (
	"fmt"
	"math"
	"time"

	"github.com/tphakala/aedbatch/internal/errors"
)

// Thresholds is the detection parameter set. The JSON names are the ones
// stored in the job parameters snapshot, so the dispatch message and the
// snapshot share field names and units.
type Thresholds struct {
	Amplitude    float64  `json:"Amplitude Threshold"`     // standard deviations above the mean
	Duration     float64  `json:"Duration Threshold"`      // seconds
	Bandwidth    float64  `json:"Bandwidth Threshold"`     // kHz
	Area         float64  `json:"Area Threshold"`          // kHz * seconds
	FilterSize   int      `json:"Filter Size"`             // percentile filter window, pixels
	MinFrequency *float64 `json:"Min Frequency,omitempty"` // kHz, nil keeps the lower band edge
	MaxFrequency *float64 `json:"Max Frequency,omitempty"` // kHz, nil keeps the upper band edge
}

// Validate checks ranges and the band ordering.
func (t *Thresholds) Validate() error {
	var problems []string

	if math.IsNaN(t.Amplitude) || math.IsInf(t.Amplitude, 0) {
		problems = append(problems, "amplitude threshold must be finite")
	}
	if t.Duration < 0 || t.Bandwidth < 0 || t.Area < 0 {
		problems = append(problems, "size thresholds must not be negative")
	}
	if t.FilterSize < 1 {
		problems = append(problems, fmt.Sprintf("filter size must be at least 1, got %d", t.FilterSize))
	}
	if t.MinFrequency != nil && *t.MinFrequency < 0 {
		problems = append(problems, "min frequency must not be negative")
	}
	if t.MinFrequency != nil && t.MaxFrequency != nil && *t.MaxFrequency <= *t.MinFrequency {
		problems = append(problems, "max frequency must be above min frequency")
	}

	if len(problems) > 0 {
		return errors.Newf("invalid thresholds: %v", problems).
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// BandHz returns the crop band in Hz. Unset edges are reported as 0 and
// +Inf.
func (t *Thresholds) BandHz() (lo, hi float64) {
	lo, hi = 0, math.Inf(1)
	if t.MinFrequency != nil {
		lo = *t.MinFrequency * 1000
	}
	if t.MaxFrequency != nil {
		hi = *t.MaxFrequency * 1000
	}
	return lo, hi
}

// Cropped reports whether a frequency band of interest is set.
func (t *Thresholds) Cropped() bool {
	return t.MinFrequency != nil || t.MaxFrequency != nil
}

// Parameters is the immutable job parameters snapshot taken at submission.
type Parameters struct {
	Name       string `json:"name"`
	ProjectID  uint64 `json:"project_id"`
	PlaylistID uint64 `json:"playlist_id"`
	Thresholds
}

// ChunkItem is one recording assigned to a chunk
type ChunkItem struct {
	RecordingID uint64    `json:"recording_id"`
	SampleRate  int       `json:"sample_rate"`
	URI         string    `json:"uri"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Chunk is an ordered group of recordings processed by one worker invocation
type Chunk struct {
	Ordinal int
	Account int
	Items   []ChunkItem
}

// Message is the dispatch message for one chunk
type Message struct {
	JobID      uint64      `json:"job_id"`
	WorkerID   int         `json:"worker_id"`
	ProjectID  uint64      `json:"project_id"`
	PlaylistID uint64      `json:"playlist_id"`
	Account    int         `json:"account"`
	Items      []ChunkItem `json:"items"`
	Thresholds Thresholds  `json:"thresholds"`
}

// NewMessage builds the dispatch message for a chunk of a job.
func NewMessage(jobID uint64, params *Parameters, chunk *Chunk) *Message {
	return &Message{
		JobID:      jobID,
		WorkerID:   chunk.Ordinal,
		ProjectID:  params.ProjectID,
		PlaylistID: params.PlaylistID,
		Account:    chunk.Account,
		Items:      chunk.Items,
		Thresholds: params.Thresholds,
	}
}

// IdempotencyKey identifies the chunk across redeliveries.
func (m *Message) IdempotencyKey() string {
	return fmt.Sprintf("%d-%d", m.JobID, m.WorkerID)
}

// Validate rejects messages no worker can process.
func (m *Message) Validate() error {
	switch {
	case m.JobID == 0:
		return errors.Newf("message has no job id").Category(errors.CategoryValidation).Build()
	case m.WorkerID < 0:
		return errors.Newf("message has negative worker id %d", m.WorkerID).Category(errors.CategoryValidation).Build()
	case len(m.Items) == 0:
		return errors.Newf("message for chunk %s has no recordings", m.IdempotencyKey()).Category(errors.CategoryValidation).Build()
	}
	for i := range m.Items {
		if m.Items[i].SampleRate <= 0 || m.Items[i].URI == "" {
			return errors.Newf("message for chunk %s has an incomplete item at %d", m.IdempotencyKey(), i).
				Category(errors.CategoryValidation).
				Build()
		}
	}
	return m.Thresholds.Validate()
}

// MaxSampleRate returns the highest sample rate among the items
func MaxSampleRate(items []ChunkItem) int {
	maxRate := 0
	for i := range items {
		maxRate = max(maxRate, items[i].SampleRate)
	}
	return maxRate
}

// MeanSampleRate returns the mean sample rate of the items, 0 when empty
func MeanSampleRate(items []ChunkItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for i := range items {
		sum += float64(items[i].SampleRate)
	}
	return sum / float64(len(items))
}
