package features

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/tphakala/aedbatch/internal/errors"
)

// ErrNoRows is returned when encoding an artifact that holds no detections.
var ErrNoRows = errors.NewStd("artifact has no rows")

// Key identifies a detection within a job before its durable id is known.
type Key struct {
	RecordingID uint64
	Ordinal     int
}

// Artifacts accumulates the feature matrix and the detection keys of one
// chunk. Row i of the features belongs to key i.
type Artifacts struct {
	width int
	data  []float64
	keys  []Key
}

// NewArtifacts returns empty artifacts for vectors of the given width.
func NewArtifacts(width int) *Artifacts {
	return &Artifacts{width: width}
}

// Append adds the vectors of one recording. Ordinals follow vector order.
func (a *Artifacts) Append(recordingID uint64, vectors [][]float64) error {
	for i, v := range vectors {
		if len(v) != a.width {
			return errors.Newf("feature vector %d of recording %d has %d values, want %d",
				i, recordingID, len(v), a.width).
				Category(errors.CategoryDetection).
				Build()
		}
	}
	for i, v := range vectors {
		a.data = append(a.data, v...)
		a.keys = append(a.keys, Key{RecordingID: recordingID, Ordinal: i})
	}
	return nil
}

// Len returns the number of rows.
func (a *Artifacts) Len() int { return len(a.keys) }

// Keys returns the detection keys in row order.
func (a *Artifacts) Keys() []Key { return a.keys }

// Features encodes the feature matrix as a float64 .npy array.
func (a *Artifacts) Features() ([]byte, error) {
	if a.Len() == 0 {
		return nil, ErrNoRows
	}
	return encode(mat.NewDense(a.Len(), a.width, a.data))
}

// ProvisionalKeys encodes the keys as an N x 2 float64 .npy array of
// recording id and ordinal.
func (a *Artifacts) ProvisionalKeys() ([]byte, error) {
	if a.Len() == 0 {
		return nil, ErrNoRows
	}
	m := mat.NewDense(a.Len(), 2, nil)
	for i, k := range a.keys {
		m.Set(i, 0, float64(k.RecordingID))
		m.Set(i, 1, float64(k.Ordinal))
	}
	return encode(m)
}

// DurableIDs encodes the durable detection id of every row as a
// one-dimensional int64 .npy array. Every key must be present in ids.
func (a *Artifacts) DurableIDs(ids map[Key]uint64) ([]byte, error) {
	if a.Len() == 0 {
		return nil, ErrNoRows
	}
	out := make([]int64, len(a.keys))
	for i, k := range a.keys {
		id, ok := ids[k]
		if !ok {
			return nil, errors.Newf("no durable id for recording %d detection %d", k.RecordingID, k.Ordinal).
				Category(errors.CategoryState).
				Build()
		}
		out[i] = int64(id)
	}
	return encode(out)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := npyio.Write(&buf, v); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "npy_encode").
			Build()
	}
	return buf.Bytes(), nil
}

// Prefix returns the object key prefix of a job's artifacts.
func Prefix(environment string, jobID uint64) string {
	return fmt.Sprintf("audio_events/%s/detection/%d/", strings.ToLower(environment), jobID)
}

// FeaturesKey returns the object key of a chunk's feature matrix.
func FeaturesKey(environment string, jobID uint64, workerID int) string {
	return fmt.Sprintf("%s%d_%d_features.npy", Prefix(environment, jobID), jobID, workerID)
}

// IDsKey returns the object key of a chunk's detection id array.
func IDsKey(environment string, jobID uint64, workerID int) string {
	return fmt.Sprintf("%s%d_%d_ids.npy", Prefix(environment, jobID), jobID, workerID)
}

// ImageKey returns the object key of a detection's ROI image.
func ImageKey(environment string, jobID, recordingID uint64, ordinal int) string {
	return fmt.Sprintf("%spng/%d/%d.png", Prefix(environment, jobID), recordingID, ordinal)
}
