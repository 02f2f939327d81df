// Package features turns detected regions into fixed-length descriptors and
// the per-chunk artifacts that carry them.
package features

import (
	"math"
	"time"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/spectrogram"
)

// MetadataLen is the number of region metadata values that precede the HOG
// descriptor: time of day (cos, sin), frequency min and max in Hz, time min
// and max in seconds, duration in seconds and the recording id.
const MetadataLen = 8

// Extractor computes feature vectors for detected regions.
type Extractor struct {
	hog HOG
}

// NewExtractor returns an extractor for the given HOG geometry.
func NewExtractor(hog HOG) (*Extractor, error) {
	if err := hog.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{hog: hog}, nil
}

// Len returns the length of every feature vector.
func (e *Extractor) Len() int {
	return MetadataLen + e.hog.Len()
}

// Extract returns one feature vector per region, in region order.
func (e *Extractor) Extract(res *aed.Result, recordingID uint64, capturedAt time.Time) [][]float64 {
	cos, sin := TimeOfDay(capturedAt)
	out := make([][]float64, 0, len(res.Regions))
	for i := range res.Regions {
		r := &res.Regions[i]
		v := make([]float64, 0, e.Len())
		v = append(v,
			cos, sin,
			r.FreqMin, r.FreqMax,
			r.TimeMin, r.TimeMax,
			r.Duration(),
			float64(recordingID),
		)
		roi, rows, cols := Crop(res.Spectrogram, r)
		v = append(v, e.hog.Descriptor(resize(roi, rows, cols, e.hog.Size))...)
		out = append(out, v)
	}
	return out
}

// TimeOfDay maps the hour and minute of t onto the unit circle.
func TimeOfDay(t time.Time) (cos, sin float64) {
	fraction := (float64(t.Hour()) + float64(t.Minute())/60) / 24
	theta := 2 * math.Pi * fraction
	return math.Cos(theta), math.Sin(theta)
}

// Crop copies the region's box out of the spectrogram as a row-major image.
func Crop(spec *spectrogram.Spectrogram, r *aed.Region) (img []float64, rows, cols int) {
	rows = r.RowStop - r.RowStart
	cols = r.ColStop - r.ColStart
	img = make([]float64, 0, rows*cols)
	for k := r.RowStart; k < r.RowStop; k++ {
		img = append(img, spec.S.RawRowView(k)[r.ColStart:r.ColStop]...)
	}
	return img, rows, cols
}
