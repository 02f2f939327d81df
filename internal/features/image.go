package features

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"slices"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/spectrogram"
)

// DefaultImageTrim keeps ROI intensities within [0.2, 0.8] of full scale.
const DefaultImageTrim = 0.4

// RenderROI encodes the region of the log-power spectrogram as a grayscale
// PNG. Intensity is inverted so that loud pixels are dark, and contrast is
// trimmed: the quietest pixel maps to 1-trim/2 and the loudest to trim/2.
// Image rows follow frequency bins from the lowest.
func RenderROI(spec *spectrogram.Spectrogram, r *aed.Region, trim float64) ([]byte, error) {
	roi, rows, cols := Crop(spec, r)
	if len(roi) == 0 {
		return nil, errors.Newf("empty region").
			Category(errors.CategoryDetection).
			Build()
	}

	for i := range roi {
		roi[i] = -roi[i]
	}
	lo, hi := slices.Min(roi), slices.Max(roi)

	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := range rows {
		for x := range cols {
			n := 0.5
			if hi > lo {
				n = (roi[y*cols+x]-lo)/(hi-lo)*(1-trim) + trim/2
			}
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(n * 255))})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryFileIO).
			Context("operation", "png_encode").
			Build()
	}
	return buf.Bytes(), nil
}
