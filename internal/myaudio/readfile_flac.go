package myaudio

import (
	"encoding/binary"
	"io"

	"github.com/tphakala/flac"

	"github.com/tphakala/aedbatch/internal/errors"
)

func decodeFLAC(r io.Reader) (*Audio, error) {
	decoder, err := flac.NewDecoder(r)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryAudio).
			Context("format", "flac").
			Build()
	}

	channels := decoder.NChannels
	if channels < 1 {
		return nil, errors.Newf("unsupported number of channels: %d", channels).
			Category(errors.CategoryAudio).
			Build()
	}
	divisor, err := getAudioDivisor(decoder.BitsPerSample)
	if err != nil {
		return nil, err
	}

	out := &Audio{
		SampleRate: decoder.SampleRate,
		Channels:   channels,
		BitDepth:   decoder.BitsPerSample,
	}
	if decoder.TotalSamples > 0 {
		out.Samples = make([]float64, 0, decoder.TotalSamples)
	}

	bytesPerSample := decoder.BitsPerSample / 8
	var ints []int

	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(out.Samples) > 0 {
				out.Partial = true
				return out, nil
			}
			return nil, errors.New(err).
				Category(errors.CategoryAudio).
				Context("format", "flac").
				Build()
		}

		ints = ints[:0]
		for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
			ints = append(ints, pcmSample(frame[i:], bytesPerSample))
		}
		ints = ints[:len(ints)-len(ints)%channels]
		out.Samples = mixdown(out.Samples, ints, channels, divisor)
	}

	return out, nil
}

// pcmSample reads one little-endian signed sample of the given width.
func pcmSample(b []byte, width int) int {
	switch width {
	case 2:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return int(v<<8) >> 8
	default:
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
}
