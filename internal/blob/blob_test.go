package blob_test

import (
	"sort"
	"testing"

	"github.com/e7canasta/depthcast/internal/blob"
)

// countAccum counts accepted pixels per blob.
type countAccum struct {
	n int
}

func (c *countAccum) AddPixel(x, y int, p uint8) { c.n++ }
func (c *countAccum) Merge(other *countAccum)    { c.n += other.n }

func findBinary(t *testing.T, w, h int, img []uint8) []blob.Blob[*countAccum] {
	t.Helper()
	return blob.Find(w, h, img, func(p uint8) bool { return p != 0 },
		func() *countAccum { return &countAccum{} })
}

// --- Test 1: Diagonally Touching Squares ---

// TestDiagonalSquaresMerge validates eight-connectivity: two 2×2 squares
// touching only at a corner must label as a single blob.
//
// Input: 8×8 image with squares [1,2]×[1,2] and [3,4]×[3,4].
// Expect: one blob, centroid (2.5, 2.5), bbox min=(1,1) max=(5,5).
func TestDiagonalSquaresMerge(t *testing.T) {
	img := make([]uint8, 8*8)
	for y := 1; y <= 2; y++ {
		for x := 1; x <= 2; x++ {
			img[y*8+x] = 1
		}
	}
	for y := 3; y <= 4; y++ {
		for x := 3; x <= 4; x++ {
			img[y*8+x] = 1
		}
	}

	blobs := findBinary(t, 8, 8, img)
	if len(blobs) != 1 {
		t.Fatalf("got %d blobs, want 1 (diagonal touch is eight-connected)", len(blobs))
	}

	b := blobs[0]
	if b.Centroid[0] != 2.5 || b.Centroid[1] != 2.5 {
		t.Errorf("centroid = (%v, %v), want (2.5, 2.5)", b.Centroid[0], b.Centroid[1])
	}
	if b.Min != [2]int{1, 1} || b.Max != [2]int{5, 5} {
		t.Errorf("bbox = min%v max%v, want min[1 1] max[5 5]", b.Min, b.Max)
	}
	if b.Accum.n != 8 {
		t.Errorf("accumulated pixel count = %d, want 8", b.Accum.n)
	}
}

// --- Test 2: Separated Components Stay Separate ---

func TestSeparatedComponents(t *testing.T) {
	// Two single pixels with a full empty row and column between them:
	// (0,0) and (2,2) are NOT eight-connected.
	img := make([]uint8, 4*4)
	img[0] = 1
	img[2*4+2] = 1

	blobs := findBinary(t, 4, 4, img)
	if len(blobs) != 2 {
		t.Fatalf("got %d blobs, want 2", len(blobs))
	}
}

// --- Test 3: Brute-Force Cross-Check ---

// TestAgainstBruteForce compares centroids, bounding boxes and pixel counts
// against a flood-fill reference on a fixed pseudo-random image. The result
// must be invariant under component relabeling, so blobs are matched by
// sorted centroid.
func TestAgainstBruteForce(t *testing.T) {
	const w, h = 32, 24
	img := make([]uint8, w*h)
	// Deterministic noise: xorshift keeps the test reproducible.
	s := uint32(0x9e3779b9)
	for i := range img {
		s ^= s << 13
		s ^= s >> 17
		s ^= s << 5
		if s&3 == 0 {
			img[i] = 1
		}
	}

	got := findBinary(t, w, h, img)
	want := bruteForce(w, h, img)

	if len(got) != len(want) {
		t.Fatalf("got %d blobs, brute force found %d", len(got), len(want))
	}

	sortBlobs := func(bs []refBlob) {
		sort.Slice(bs, func(i, j int) bool {
			if bs[i].cx != bs[j].cx {
				return bs[i].cx < bs[j].cx
			}
			return bs[i].cy < bs[j].cy
		})
	}
	gotRef := make([]refBlob, len(got))
	for i, b := range got {
		gotRef[i] = refBlob{b.Centroid[0], b.Centroid[1], b.Min, b.Max, b.Accum.n}
	}
	sortBlobs(gotRef)
	sortBlobs(want)

	for i := range want {
		g, r := gotRef[i], want[i]
		if g != r {
			t.Errorf("blob %d: got %+v, brute force %+v", i, g, r)
		}
	}
}

type refBlob struct {
	cx, cy   float64
	min, max [2]int
	n        int
}

// bruteForce flood-fills eight-connected components pixel by pixel.
func bruteForce(w, h int, img []uint8) []refBlob {
	seen := make([]bool, w*h)
	var out []refBlob

	for start := range img {
		if img[start] == 0 || seen[start] {
			continue
		}
		stack := []int{start}
		seen[start] = true
		rb := refBlob{min: [2]int{w, h}, max: [2]int{0, 0}}
		var sx, sy float64
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			rb.n++
			sx += float64(x)
			sy += float64(y)
			if x < rb.min[0] {
				rb.min[0] = x
			}
			if y < rb.min[1] {
				rb.min[1] = y
			}
			if x+1 > rb.max[0] {
				rb.max[0] = x + 1
			}
			if y+1 > rb.max[1] {
				rb.max[1] = y + 1
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					q := ny*w + nx
					if img[q] != 0 && !seen[q] {
						seen[q] = true
						stack = append(stack, q)
					}
				}
			}
		}
		rb.cx = sx / float64(rb.n)
		rb.cy = sy / float64(rb.n)
		out = append(out, rb)
	}
	return out
}
