// Package myaudio decodes WAV and FLAC recordings into mono float samples.
package myaudio

import (
	"bytes"
	"os"

	"github.com/tphakala/aedbatch/internal/errors"
)

// Error sentinel values for decoding
var (
	ErrUnsupportedFormat = errors.NewStd("unsupported audio format")
	ErrNoAudio           = errors.NewStd("no audio samples decoded")
)

// Audio is a decoded recording, downmixed to mono and scaled to [-1, 1).
type Audio struct {
	Samples    []float64
	SampleRate int
	Channels   int // channel count of the source
	BitDepth   int
	Partial    bool // decoding stopped at an unreadable block
}

// Duration returns the length of the audio in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Decode detects the container from its magic bytes and decodes it. When a
// decoder error occurs after some audio was read, the samples read so far
// are returned with Partial set.
func Decode(data []byte) (*Audio, error) {
	var (
		audio *Audio
		err   error
	)
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		audio, err = decodeWAV(bytes.NewReader(data))
	case len(data) >= 4 && string(data[0:4]) == "fLaC":
		audio, err = decodeFLAC(bytes.NewReader(data))
	default:
		return nil, errors.New(ErrUnsupportedFormat).
			Category(errors.CategoryAudio).
			Context("size", len(data)).
			Build()
	}
	if err != nil {
		return nil, err
	}
	if len(audio.Samples) == 0 {
		return nil, errors.New(ErrNoAudio).
			Category(errors.CategoryAudio).
			Build()
	}
	return audio, nil
}

// DecodeFile reads and decodes a local audio file.
func DecodeFile(path string) (*Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return Decode(data)
}

// getAudioDivisor returns the divisor mapping integer PCM to [-1, 1).
func getAudioDivisor(bitDepth int) (float64, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, errors.Newf("unsupported audio file bit depth: %d", bitDepth).
			Category(errors.CategoryAudio).
			Build()
	}
}

// mixdown appends the mean of each interleaved frame to dst.
func mixdown(dst []float64, interleaved []int, channels int, divisor float64) []float64 {
	if channels == 1 {
		for _, s := range interleaved {
			dst = append(dst, float64(s)/divisor)
		}
		return dst
	}
	frames := len(interleaved) / channels
	for f := range frames {
		var sum float64
		for c := range channels {
			sum += float64(interleaved[f*channels+c])
		}
		dst = append(dst, sum/float64(channels)/divisor)
	}
	return dst
}
