package myaudio

import (
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tphakala/aedbatch/internal/errors"
)

// wavFramesPerRead is the number of frames decoded per PCMBuffer call.
const wavFramesPerRead = 65536

func decodeWAV(r io.ReadSeeker) (*Audio, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.Newf("input is not a valid WAV audio file").
			Category(errors.CategoryAudio).
			Build()
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, errors.Newf("unsupported number of channels: %d", channels).
			Category(errors.CategoryAudio).
			Build()
	}
	divisor, err := getAudioDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, err
	}

	out := &Audio{
		SampleRate: int(decoder.SampleRate),
		Channels:   channels,
		BitDepth:   int(decoder.BitDepth),
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, wavFramesPerRead*channels),
		Format: &audio.Format{SampleRate: out.SampleRate, NumChannels: channels},
	}

	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			if len(out.Samples) > 0 {
				out.Partial = true
				return out, nil
			}
			return nil, errors.New(err).
				Category(errors.CategoryAudio).
				Context("format", "wav").
				Build()
		}
		if n == 0 {
			break
		}
		// drop a trailing incomplete frame
		n -= n % channels
		out.Samples = mixdown(out.Samples, buf.Data[:n], channels, divisor)
	}

	return out, nil
}
