// Package spectrogram computes log-power spectrograms whose frequency bin
// width does not depend on the sample rate.
package spectrogram

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/mat"

	"github.com/tphakala/aedbatch/internal/errors"
)

// Defaults: 187.5 Hz bins give a 256 point transform at 48 kHz.
const (
	DefaultBinWidthHz = 187.5
	DefaultEpsilon    = 1e-12
)

// ErrTooShort is returned for signals shorter than one analysis window.
var ErrTooShort = errors.NewStd("signal shorter than one analysis window")

// Params controls the transform.
type Params struct {
	BinWidthHz float64 // frequency resolution; the window length is sampleRate / BinWidthHz
	Epsilon    float64 // floor added before the logarithm
}

// DefaultParams returns the production parameters.
func DefaultParams() Params {
	return Params{BinWidthHz: DefaultBinWidthHz, Epsilon: DefaultEpsilon}
}

// Spectrogram is a power spectrogram in dB. Rows are frequency bins, columns
// are time frames.
type Spectrogram struct {
	S     *mat.Dense
	Freqs []float64 // bin frequencies, Hz
	Times []float64 // frame centres, seconds
}

// Dims returns the number of frequency bins and time frames.
func (s *Spectrogram) Dims() (bins, frames int) {
	return s.S.Dims()
}

// WindowLength returns the transform size used for a sample rate: the
// nearest even length giving the requested bin width, at least 16.
func WindowLength(sampleRate int, binWidthHz float64) int {
	n := int(math.Round(float64(sampleRate) / binWidthHz))
	n += n % 2
	return max(n, 16)
}

// Compute returns the one-sided power spectral density of samples in dB,
// using a periodic Hann window, 50 % overlap and per-frame mean removal.
func Compute(samples []float64, sampleRate int, p Params) (*Spectrogram, error) {
	if sampleRate <= 0 {
		return nil, errors.Newf("invalid sample rate %d", sampleRate).
			Category(errors.CategoryValidation).
			Build()
	}
	if p.BinWidthHz <= 0 {
		p.BinWidthHz = DefaultBinWidthHz
	}
	if p.Epsilon <= 0 {
		p.Epsilon = DefaultEpsilon
	}

	nfft := WindowLength(sampleRate, p.BinWidthHz)
	hop := nfft / 2
	if len(samples) < nfft {
		return nil, errors.New(ErrTooShort).
			Category(errors.CategoryDetection).
			Context("samples", len(samples)).
			Context("window", nfft).
			Build()
	}

	frames := 1 + (len(samples)-nfft)/hop
	bins := nfft/2 + 1

	win := periodicHann(nfft)
	var winPower float64
	for _, w := range win {
		winPower += w * w
	}
	scale := 1 / (float64(sampleRate) * winPower)

	fft := fourier.NewFFT(nfft)
	seg := make([]float64, nfft)
	coeffs := make([]complex128, bins)
	out := mat.NewDense(bins, frames, nil)

	for j := range frames {
		start := j * hop
		copy(seg, samples[start:start+nfft])

		var mean float64
		for _, v := range seg {
			mean += v
		}
		mean /= float64(nfft)
		for i := range seg {
			seg[i] = (seg[i] - mean) * win[i]
		}

		coeffs = fft.Coefficients(coeffs, seg)
		for k, c := range coeffs {
			power := (real(c)*real(c) + imag(c)*imag(c)) * scale
			if k != 0 && k != bins-1 {
				power *= 2
			}
			out.Set(k, j, 10*math.Log10(power+p.Epsilon))
		}
	}

	freqs := make([]float64, bins)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}
	times := make([]float64, frames)
	for j := range times {
		times[j] = (float64(j*hop) + float64(nfft)/2) / float64(sampleRate)
	}

	return &Spectrogram{S: out, Freqs: freqs, Times: times}, nil
}

// periodicHann returns the periodic (DFT-even) Hann window of length n.
func periodicHann(n int) []float64 {
	// gonum's Hann is symmetric over n points; the periodic window of
	// length n is the first n points of the symmetric window of n+1.
	w := make([]float64, n+1)
	for i := range w {
		w[i] = 1
	}
	window.Hann(w)
	return w[:n]
}
