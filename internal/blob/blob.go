// Package blob extracts eight-connected components from a frame by
// line-run union-find.
//
// The finder is generic over the pixel type and an accumulator the caller
// supplies to gather per-blob statistics beyond the built-in centroid and
// bounding box. It is used server-side by calibration tooling, never on the
// per-frame streaming path.
package blob

// Accumulator gathers caller-defined per-blob state. AddPixel is invoked
// once per accepted pixel; Merge folds another run's accumulator into this
// one when union-find joins two line blobs.
type Accumulator[P, A any] interface {
	AddPixel(x, y int, p P)
	Merge(other A)
}

// Blob is one eight-connected component of accepted pixels.
type Blob[A any] struct {
	// Centroid is the unweighted mean of the blob's integer pixel
	// coordinates: a lone pixel at (x, y) has centroid (x, y).
	Centroid [2]float64

	// Min is the inclusive lower corner of the bounding box.
	Min [2]int

	// Max is the exclusive upper corner of the bounding box.
	Max [2]int

	// Accum is the merged caller accumulator.
	Accum A
}

// merger is the subset of Accumulator needed by the union-find bookkeeping,
// which never touches the pixel type.
type merger[A any] interface {
	Merge(A)
}

// lineBlob is a maximal horizontal run of accepted pixels plus the
// union-find bookkeeping merged on union.
type lineBlob[A merger[A]] struct {
	x1, x2 int // inclusive run extent
	y      int

	parent int
	rank   int

	min, max         [2]int
	sumX, sumY, sumW float64
	accum            A
}

type finder[A merger[A]] struct {
	blobs []lineBlob[A]
}

func (f *finder[A]) find(i int) int {
	root := i
	for f.blobs[root].parent != root {
		root = f.blobs[root].parent
	}
	// Path compression.
	for f.blobs[i].parent != root {
		f.blobs[i].parent, i = root, f.blobs[i].parent
	}
	return root
}

// union joins the blobs containing i and j by rank and merges their
// aggregates into the surviving root. Returns the root.
func (f *finder[A]) union(i, j int) int {
	ri, rj := f.find(i), f.find(j)
	if ri == rj {
		return ri
	}
	if f.blobs[ri].rank < f.blobs[rj].rank {
		ri, rj = rj, ri
	}
	if f.blobs[ri].rank == f.blobs[rj].rank {
		f.blobs[ri].rank++
	}
	f.blobs[rj].parent = ri

	a, b := &f.blobs[ri], &f.blobs[rj]
	for k := 0; k < 2; k++ {
		if b.min[k] < a.min[k] {
			a.min[k] = b.min[k]
		}
		if b.max[k] > a.max[k] {
			a.max[k] = b.max[k]
		}
	}
	a.sumX += b.sumX
	a.sumY += b.sumY
	a.sumW += b.sumW
	a.accum.Merge(b.accum)
	b.sumW = 0
	return ri
}

// Find labels the eight-connected components of the accept set in a
// width×height pixel grid stored row-major in pixels. newAccum constructs
// an empty accumulator for each line run.
func Find[P any, A Accumulator[P, A]](width, height int, pixels []P, accept func(P) bool, newAccum func() A) []Blob[A] {
	f := &finder[A]{}

	// prevRow/curRow hold indices into f.blobs for the runs of the
	// previous and current scan line.
	var prevRow, curRow []int

	for y := 0; y < height; y++ {
		curRow = curRow[:0]
		row := pixels[y*width : (y+1)*width]

		for x := 0; x < width; {
			if !accept(row[x]) {
				x++
				continue
			}

			// Maximal run of accepted pixels starting at x.
			x1 := x
			acc := newAccum()
			for x < width && accept(row[x]) {
				acc.AddPixel(x, y, row[x])
				x++
			}
			x2 := x - 1
			w := float64(x2 - x1 + 1)

			idx := len(f.blobs)
			f.blobs = append(f.blobs, lineBlob[A]{
				x1: x1, x2: x2, y: y,
				parent: idx,
				min:    [2]int{x1, y},
				max:    [2]int{x2 + 1, y + 1},
				sumX:   (float64(x1+x2-1) / 2) * w,
				sumY:   (float64(y) - 0.5) * w,
				sumW:   w,
				accum:  acc,
			})
			curRow = append(curRow, idx)

			// Union with every previous-row run whose extent overlaps
			// this one by at least one column, endpoints inclusive
			// (eight-connectivity).
			for _, p := range prevRow {
				pb := &f.blobs[p]
				if pb.x1 <= x2+1 && x1 <= pb.x2+1 {
					f.union(idx, p)
				}
			}
		}

		prevRow, curRow = curRow, prevRow
	}

	var out []Blob[A]
	for i := range f.blobs {
		if f.find(i) != i || f.blobs[i].sumW <= 0 {
			continue
		}
		b := &f.blobs[i]
		out = append(out, Blob[A]{
			Centroid: [2]float64{
				(b.sumX + 0.5*b.sumW) / b.sumW,
				(b.sumY + 0.5*b.sumW) / b.sumW,
			},
			Min:   b.min,
			Max:   b.max,
			Accum: b.accum,
		})
	}
	return out
}
