package aed

import "math"

// percentileFilter replaces every pixel of a row-major 8-bit image with the
// given percentile of its height x width neighbourhood. The window is
// anchored at (height/2, width/2) and only pixels inside the image count
// towards the rank, so borders see a smaller population.
func percentileFilter(img []uint8, rows, cols, height, width int, p float64) []uint8 {
	out := make([]uint8, len(img))
	up, left := height/2, width/2

	var hist [256]int
	for r := range rows {
		r0 := max(r-up, 0)
		r1 := min(r-up+height, rows)

		clear(hist[:])
		pop := 0
		addColumn := func(c, delta int) {
			for rr := r0; rr < r1; rr++ {
				hist[img[rr*cols+c]] += delta
			}
			pop += delta * (r1 - r0)
		}

		// prime the window for column 0
		for c := range min(width-left, cols) {
			addColumn(c, 1)
		}

		for c := range cols {
			if c > 0 {
				if in := c - left + width - 1; in < cols {
					addColumn(in, 1)
				}
				if outCol := c - left - 1; outCol >= 0 {
					addColumn(outCol, -1)
				}
			}
			out[r*cols+c] = rank(&hist, pop, p)
		}
	}
	return out
}

// rank returns the smallest value whose cumulative count reaches p of pop.
func rank(hist *[256]int, pop int, p float64) uint8 {
	if pop == 0 {
		return 0
	}
	target := max(int(math.Ceil(p*float64(pop))), 1)
	sum := 0
	for v := range hist {
		sum += hist[v]
		if sum >= target {
			return uint8(v)
		}
	}
	return math.MaxUint8
}
