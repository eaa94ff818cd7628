package camera

import (
	"fmt"

	"github.com/e7canasta/depthcast/internal/frame"
)

// The color sensor delivers a GRBG Bayer mosaic, 8 bits per pixel:
//
//	row 0:  G R G R …
//	row 1:  B G B G …
//
// decodeColor reconstructs 24-bit RGB with gradient-steered (edge-aware)
// interpolation of the green plane and bilinear interpolation of red and
// blue. Border pixels use clamped neighbor coordinates.
func (st *streamer) decodeColor(raw []byte, ts float64) (*frame.Buffer, error) {
	w, h := st.width, st.height
	if len(raw) != w*h {
		return nil, fmt.Errorf("raw color frame %d bytes, want %d", len(raw), w*h)
	}

	out := frame.New(w, h, 3)
	out.Timestamp = ts

	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}
	px := func(x, y int) int {
		return int(raw[clamp(y, h-1)*w+clamp(x, w-1)])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b int
			greenSite := (x+y)%2 == 0
			switch {
			case greenSite && y%2 == 0: // green on a red row
				g = px(x, y)
				r = (px(x-1, y) + px(x+1, y)) / 2
				b = (px(x, y-1) + px(x, y+1)) / 2
			case greenSite: // green on a blue row
				g = px(x, y)
				b = (px(x-1, y) + px(x+1, y)) / 2
				r = (px(x, y-1) + px(x, y+1)) / 2
			case y%2 == 0: // red site
				r = px(x, y)
				g = greenAt(px, x, y)
				b = (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
			default: // blue site
				b = px(x, y)
				g = greenAt(px, x, y)
				r = (px(x-1, y-1) + px(x+1, y-1) + px(x-1, y+1) + px(x+1, y+1)) / 4
			}

			o := (y*w + x) * 3
			out.Data[o] = byte(r)
			out.Data[o+1] = byte(g)
			out.Data[o+2] = byte(b)
		}
	}
	return out, nil
}

// greenAt interpolates green at a red or blue site along the axis with the
// smaller gradient, which preserves edges better than a plain average.
func greenAt(px func(int, int) int, x, y int) int {
	gl, gr := px(x-1, y), px(x+1, y)
	gu, gd := px(x, y-1), px(x, y+1)
	dh, dv := gl-gr, gu-gd
	if dh < 0 {
		dh = -dh
	}
	if dv < 0 {
		dv = -dv
	}
	switch {
	case dh < dv:
		return (gl + gr) / 2
	case dv < dh:
		return (gu + gd) / 2
	default:
		return (gl + gr + gu + gd) / 4
	}
}
