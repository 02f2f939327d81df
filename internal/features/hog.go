package features

import (
	"math"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
)

// HOG is the histogram-of-oriented-gradients geometry. Gradients are
// unsigned (0 to 180 degrees) and blocks use L2-Hys normalisation.
type HOG struct {
	Size          int // side of the canonical square image
	Orientations  int
	PixelsPerCell int
	CellsPerBlock int
}

// DefaultHOG returns the geometry used for event descriptors: a 20x20 image,
// 9 orientations, 4x4 pixel cells and 2x2 cell blocks.
func DefaultHOG() HOG {
	return HOG{Size: 20, Orientations: 9, PixelsPerCell: 4, CellsPerBlock: 2}
}

// HOGFromSettings maps the detection settings section to a HOG geometry.
func HOGFromSettings(s *conf.DetectionSettings) HOG {
	return HOG{
		Size:          s.ROISize,
		Orientations:  s.HOGOrientations,
		PixelsPerCell: s.HOGPixelsPerCell,
		CellsPerBlock: s.HOGCellsPerBlock,
	}
}

// Validate checks that at least one block fits the image.
func (h HOG) Validate() error {
	if h.Size <= 0 || h.Orientations <= 0 || h.PixelsPerCell <= 0 || h.CellsPerBlock <= 0 {
		return errors.Newf("invalid HOG geometry %+v", h).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if h.Size/h.PixelsPerCell < h.CellsPerBlock {
		return errors.Newf("HOG block of %d cells does not fit %d pixel image with %d pixel cells",
			h.CellsPerBlock, h.Size, h.PixelsPerCell).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func (h HOG) cells() int  { return h.Size / h.PixelsPerCell }
func (h HOG) blocks() int { return h.cells() - h.CellsPerBlock + 1 }

// Len returns the descriptor length.
func (h HOG) Len() int {
	b := h.blocks()
	return b * b * h.CellsPerBlock * h.CellsPerBlock * h.Orientations
}

// Descriptor computes the HOG descriptor of a row-major Size x Size image.
// The layout is block row, block column, cell row, cell column, orientation.
func (h HOG) Descriptor(img []float64) []float64 {
	n := h.Size
	magnitude := make([]float64, n*n)
	orientation := make([]float64, n*n)
	for r := range n {
		for c := range n {
			var gr, gc float64
			if r > 0 && r < n-1 {
				gr = img[(r+1)*n+c] - img[(r-1)*n+c]
			}
			if c > 0 && c < n-1 {
				gc = img[r*n+c+1] - img[r*n+c-1]
			}
			magnitude[r*n+c] = math.Hypot(gr, gc)
			deg := math.Atan2(gr, gc) * 180 / math.Pi
			orientation[r*n+c] = math.Mod(deg+180, 180)
		}
	}

	cells := h.cells()
	binWidth := 180 / float64(h.Orientations)
	cellArea := float64(h.PixelsPerCell * h.PixelsPerCell)
	hist := make([]float64, cells*cells*h.Orientations)
	for r := range cells * h.PixelsPerCell {
		for c := range cells * h.PixelsPerCell {
			bin := min(int(orientation[r*n+c]/binWidth), h.Orientations-1)
			cell := (r/h.PixelsPerCell)*cells + c/h.PixelsPerCell
			hist[cell*h.Orientations+bin] += magnitude[r*n+c] / cellArea
		}
	}

	blocks := h.blocks()
	cpb := h.CellsPerBlock
	out := make([]float64, 0, h.Len())
	block := make([]float64, cpb*cpb*h.Orientations)
	for br := range blocks {
		for bc := range blocks {
			block = block[:0]
			for cr := range cpb {
				for cc := range cpb {
					cell := (br+cr)*cells + bc + cc
					block = append(block, hist[cell*h.Orientations:(cell+1)*h.Orientations]...)
				}
			}
			out = append(out, l2hys(block)...)
		}
	}
	return out
}

// l2hys normalises v in place: L2 norm, clip at 0.2, L2 norm again.
func l2hys(v []float64) []float64 {
	const eps = 1e-5
	l2 := func() {
		var sum float64
		for _, x := range v {
			sum += x * x
		}
		norm := math.Sqrt(sum + eps*eps)
		for i := range v {
			v[i] /= norm
		}
	}
	l2()
	for i := range v {
		v[i] = min(v[i], 0.2)
	}
	l2()
	return v
}

// resize scales a row-major rows x cols image to size x size with bilinear
// interpolation on pixel centres.
func resize(src []float64, rows, cols, size int) []float64 {
	out := make([]float64, size*size)
	sy := float64(rows) / float64(size)
	sx := float64(cols) / float64(size)
	for y := range size {
		fy := clampf((float64(y)+0.5)*sy-0.5, 0, float64(rows-1))
		y0 := int(fy)
		y1 := min(y0+1, rows-1)
		wy := fy - float64(y0)
		for x := range size {
			fx := clampf((float64(x)+0.5)*sx-0.5, 0, float64(cols-1))
			x0 := int(fx)
			x1 := min(x0+1, cols-1)
			wx := fx - float64(x0)

			top := src[y0*cols+x0]*(1-wx) + src[y0*cols+x1]*wx
			bottom := src[y1*cols+x0]*(1-wx) + src[y1*cols+x1]*wx
			out[y*size+x] = top*(1-wy) + bottom*wy
		}
	}
	return out
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
