package aed

// box is a half-open bounding box in pixel coordinates.
type box struct {
	r0, r1 int // rows (frequency bins)
	c0, c1 int // columns (time frames)
}

func (b *box) add(r, c int) {
	b.r0 = min(b.r0, r)
	b.r1 = max(b.r1, r+1)
	b.c0 = min(b.c0, c)
	b.c1 = max(b.c1, c+1)
}

// disjointSet is a union-find forest over provisional labels.
type disjointSet []int

func (d *disjointSet) make() int {
	id := len(*d)
	*d = append(*d, id)
	return id
}

func (d disjointSet) find(x int) int {
	for d[x] != x {
		d[x] = d[d[x]]
		x = d[x]
	}
	return x
}

// union joins two sets, keeping the smaller label as root so that roots are
// the first label assigned in raster order.
func (d disjointSet) union(a, b int) {
	ra, rb := d.find(a), d.find(b)
	switch {
	case ra < rb:
		d[rb] = ra
	case rb < ra:
		d[ra] = rb
	}
}

// components labels the set pixels of a row-major mask and returns the
// bounding box of each connected component, ordered by the raster position
// of the component's first pixel. connectivity is 4 or 8.
func components(mask []bool, rows, cols, connectivity int) []box {
	const unset = -1

	labels := make([]int, len(mask))
	var sets disjointSet

	for r := range rows {
		for c := range cols {
			i := r*cols + c
			labels[i] = unset
			if !mask[i] {
				continue
			}

			label := unset
			join := func(j int) {
				if labels[j] == unset {
					return
				}
				if label == unset {
					label = labels[j]
					return
				}
				sets.union(label, labels[j])
			}

			if c > 0 {
				join(i - 1)
			}
			if r > 0 {
				join(i - cols)
				if connectivity == 8 {
					if c > 0 {
						join(i - cols - 1)
					}
					if c < cols-1 {
						join(i - cols + 1)
					}
				}
			}
			if label == unset {
				label = sets.make()
			}
			labels[i] = label
		}
	}

	index := make(map[int]int)
	var boxes []box
	for r := range rows {
		for c := range cols {
			l := labels[r*cols+c]
			if l == unset {
				continue
			}
			root := sets.find(l)
			k, ok := index[root]
			if !ok {
				k = len(boxes)
				index[root] = k
				boxes = append(boxes, box{r0: r, r1: r + 1, c0: c, c1: c + 1})
			}
			boxes[k].add(r, c)
		}
	}
	return boxes
}
