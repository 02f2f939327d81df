// Package aed finds audio events in recordings: bounded time-frequency
// regions standing out from the stationary background of a spectrogram.
package aed

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/spectrogram"
)

// Config holds the engine settings that are not part of a job's thresholds.
type Config struct {
	Spectrogram    spectrogram.Params
	Percentile     float64 // rank of the reference filter, 0..1
	FrequencyScale float64 // filter window rows per unit of filter size
	TimeScale      float64 // filter window columns per unit of filter size
	Connectivity   int     // 4 or 8
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig() Config {
	return Config{
		Spectrogram:    spectrogram.DefaultParams(),
		Percentile:     conf.DefaultFilterPercentile,
		FrequencyScale: 1,
		TimeScale:      1,
		Connectivity:   4,
	}
}

// ConfigFromSettings maps the detection settings section to a Config.
func ConfigFromSettings(s *conf.DetectionSettings) Config {
	return Config{
		Spectrogram: spectrogram.Params{
			BinWidthHz: s.BinWidthHz,
			Epsilon:    s.Epsilon,
		},
		Percentile:     s.FilterPercentile,
		FrequencyScale: s.FrequencyScale,
		TimeScale:      s.TimeScale,
		Connectivity:   s.Connectivity,
	}
}

// Region is one detected event. Row and column bounds are half-open and
// refer to the full-band spectrogram.
type Region struct {
	RowStart, RowStop int
	ColStart, ColStop int
	FreqMin, FreqMax  float64 // Hz
	TimeMin, TimeMax  float64 // seconds
}

// Bandwidth returns the frequency extent in kHz.
func (r *Region) Bandwidth() float64 { return (r.FreqMax - r.FreqMin) / 1000 }

// Duration returns the time extent in seconds.
func (r *Region) Duration() float64 { return r.TimeMax - r.TimeMin }

// Area returns bandwidth times duration in kHz seconds.
func (r *Region) Area() float64 { return r.Bandwidth() * r.Duration() }

// Result is the outcome of detection on one recording.
type Result struct {
	Spectrogram *spectrogram.Spectrogram // full-band log power, unmodified
	Freqs       []float64                // frequency axis used for the bounds, cropped when a band is set
	Regions     []Region                 // in labelling order
}

// Engine runs the detection pipeline. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	var problems []string
	if cfg.Percentile <= 0 || cfg.Percentile > 1 {
		problems = append(problems, "percentile must be in (0, 1]")
	}
	if cfg.FrequencyScale <= 0 || cfg.TimeScale <= 0 {
		problems = append(problems, "filter scales must be positive")
	}
	if cfg.Connectivity != 4 && cfg.Connectivity != 8 {
		problems = append(problems, "connectivity must be 4 or 8")
	}
	if len(problems) > 0 {
		return nil, errors.Newf("invalid detection config: %v", problems).
			Component("aed").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &Engine{cfg: cfg}, nil
}

// FilterWindow returns the percentile filter window for a filter size.
func (e *Engine) FilterWindow(filterSize int) (height, width int) {
	height = max(int(math.Round(float64(filterSize)*e.cfg.FrequencyScale)), 1)
	width = max(int(math.Round(float64(filterSize)*e.cfg.TimeScale)), 1)
	return height, width
}

// Detect computes the spectrogram of samples and finds events in it.
func (e *Engine) Detect(samples []float64, sampleRate int, th *batch.Thresholds) (*Result, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	spec, err := spectrogram.Compute(samples, sampleRate, e.cfg.Spectrogram)
	if err != nil {
		return nil, err
	}
	return e.FindEvents(spec, th)
}

// FindEvents runs the detection stages on a log-power spectrogram: band
// flattening, normalisation, optional band crop, percentile filtering,
// thresholding at mean + amplitude * std, connected-component labelling and
// the size filter.
func (e *Engine) FindEvents(spec *spectrogram.Spectrogram, th *batch.Thresholds) (*Result, error) {
	bins, frames := spec.Dims()
	if bins == 0 || frames == 0 || len(spec.Freqs) != bins || len(spec.Times) != frames {
		return nil, errors.Newf("malformed spectrogram %dx%d with %d freqs and %d times",
			bins, frames, len(spec.Freqs), len(spec.Times)).
			Component("aed").
			Category(errors.CategoryDetection).
			Build()
	}

	flat := bandFlatten(spec)
	normalize(flat)

	lo, hi := th.BandHz()
	first := 0
	for first < bins && spec.Freqs[first] < lo {
		first++
	}
	last := first
	for last < bins && spec.Freqs[last] <= hi {
		last++
	}
	res := &Result{Spectrogram: spec, Freqs: spec.Freqs[first:last]}
	rows := last - first
	if rows == 0 {
		return res, nil
	}

	img := make([]uint8, rows*frames)
	for r := range rows {
		row := flat[(first+r)*frames : (first+r+1)*frames]
		for c, v := range row {
			img[r*frames+c] = uint8(math.Round(v * math.MaxUint8))
		}
	}

	height, width := e.FilterWindow(th.FilterSize)
	filtered := percentileFilter(img, rows, frames, height, width, e.cfg.Percentile)

	values := make([]float64, len(filtered))
	for i, v := range filtered {
		values[i] = float64(v)
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	level := mean + th.Amplitude*std

	mask := make([]bool, len(values))
	for i, v := range values {
		mask[i] = v > level
	}

	for _, b := range components(mask, rows, frames, e.cfg.Connectivity) {
		region := Region{
			RowStart: first + b.r0,
			RowStop:  first + b.r1,
			ColStart: b.c0,
			ColStop:  b.c1,
			FreqMin:  res.Freqs[b.r0],
			FreqMax:  res.Freqs[b.r1-1],
			TimeMin:  spec.Times[b.c0],
			TimeMax:  spec.Times[b.c1-1],
		}
		if region.Bandwidth() < th.Bandwidth || region.Duration() < th.Duration || region.Area() < th.Area {
			continue
		}
		res.Regions = append(res.Regions, region)
	}
	return res, nil
}

// bandFlatten returns a row-major copy of the spectrogram with each
// frequency row's median over time subtracted.
func bandFlatten(spec *spectrogram.Spectrogram) []float64 {
	bins, frames := spec.Dims()
	out := make([]float64, bins*frames)
	sorted := make([]float64, frames)
	for k := range bins {
		row := spec.S.RawRowView(k)
		copy(sorted, row)
		slices.Sort(sorted)
		median := sorted[frames/2]
		if frames%2 == 0 {
			median = (sorted[frames/2-1] + sorted[frames/2]) / 2
		}
		dst := out[k*frames : (k+1)*frames]
		for j, v := range row {
			dst[j] = v - median
		}
	}
	return out
}

// normalize scales values in place to [0, 1]. A constant input becomes all
// zeros.
func normalize(values []float64) {
	lo, hi := slices.Min(values), slices.Max(values)
	span := hi - lo
	for i, v := range values {
		if span == 0 {
			values[i] = 0
			continue
		}
		values[i] = (v - lo) / span
	}
}
