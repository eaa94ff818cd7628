package codec

import (
	"fmt"

	"github.com/e7canasta/depthcast/internal/frame"
)

// Depth token grammar, 4-bit alphabet. Each scan line is encoded
// independently: an absolute anchor, then deltas and runs, then the line
// terminator. The final terminator doubles as end-of-frame.
//
//	0x0..0xC        signed delta (nibble − 6, range −6…+6) from the
//	                previous sample
//	0xD r           run of r+1 repeats of the previous sample
//	0xE a b c       11-bit absolute anchor, big-endian nibbles
//	                (a is the top 3 bits)
//	0xF             end of line / end of frame
const (
	tokRun  = 0xd
	tokAbs  = 0xe
	tokEOL  = 0xf
	maxRun  = 16 // r+1 with a 4-bit r
	deltaLo = -6
	deltaHi = 6
)

// nibbleWriter packs 4-bit tokens into bytes, high nibble first.
type nibbleWriter struct {
	out  []byte
	half bool // true when the low nibble of the last byte is still free
}

func (w *nibbleWriter) put(n byte) {
	if w.half {
		w.out[len(w.out)-1] |= n & 0xf
		w.half = false
		return
	}
	w.out = append(w.out, n<<4)
	w.half = true
}

func (w *nibbleWriter) finish() []byte {
	if w.half {
		// Pad the dangling low nibble with a terminator; decoders stop
		// at the pixel count, so the pad is inert.
		w.out[len(w.out)-1] |= tokEOL
		w.half = false
	}
	return w.out
}

type nibbleReader struct {
	in   []byte
	pos  int
	half bool
}

func (r *nibbleReader) get() (byte, error) {
	if r.pos >= len(r.in) {
		return 0, fmt.Errorf("codec: depth token stream truncated")
	}
	if !r.half {
		r.half = true
		return r.in[r.pos] >> 4, nil
	}
	n := r.in[r.pos] & 0xf
	r.half = false
	r.pos++
	return n, nil
}

// EncodeDepthRLE encodes width×height 11-bit samples into the token
// stream, appending to dst. Exactly lossless for samples ≤ 0x7ff.
func EncodeDepthRLE(dst []byte, px []uint16, width, height int) []byte {
	w := nibbleWriter{out: dst}

	putAbs := func(v uint16) {
		w.put(tokAbs)
		w.put(byte(v >> 8)) // top 3 bits
		w.put(byte(v >> 4))
		w.put(byte(v))
	}

	for y := 0; y < height; y++ {
		row := px[y*width : (y+1)*width]
		prev := row[0]
		putAbs(prev)

		for x := 1; x < width; {
			v := row[x]
			if v == prev {
				// Greedy run, capped by the 4-bit length field.
				n := 0
				for x < width && row[x] == prev && n < maxRun {
					n++
					x++
				}
				w.put(tokRun)
				w.put(byte(n - 1))
				continue
			}
			if d := int(v) - int(prev); d >= deltaLo && d <= deltaHi {
				w.put(byte(d - deltaLo))
			} else {
				putAbs(v)
			}
			prev = v
			x++
		}
		w.put(tokEOL)
	}
	return w.finish()
}

// DecodeDepthRLE decodes a token stream into px, which must hold
// width×height samples. Returns an error for malformed streams: a bad
// token position, a truncated line, or run overflow past the line end.
func DecodeDepthRLE(src []byte, px []uint16, width, height int) error {
	if len(px) < width*height {
		return fmt.Errorf("codec: depth output %d samples, want %d", len(px), width*height)
	}
	r := nibbleReader{in: src}

	for y := 0; y < height; y++ {
		row := px[y*width : (y+1)*width]
		x := 0
		var prev uint16
		anchored := false

	line:
		for {
			tok, err := r.get()
			if err != nil {
				return err
			}
			switch {
			case tok == tokEOL:
				if x != width {
					return fmt.Errorf("codec: depth line %d ended at %d/%d samples", y, x, width)
				}
				break line

			case tok == tokAbs:
				a, err := r.get()
				if err != nil {
					return err
				}
				b, err := r.get()
				if err != nil {
					return err
				}
				c, err := r.get()
				if err != nil {
					return err
				}
				v := uint16(a&0x7)<<8 | uint16(b)<<4 | uint16(c)
				if x >= width {
					return fmt.Errorf("codec: depth line %d overflows at absolute token", y)
				}
				row[x] = v
				prev = v
				anchored = true
				x++

			case tok == tokRun:
				n, err := r.get()
				if err != nil {
					return err
				}
				if !anchored {
					return fmt.Errorf("codec: depth line %d run before anchor", y)
				}
				count := int(n) + 1
				if x+count > width {
					return fmt.Errorf("codec: depth line %d run overflows: %d past %d", y, x+count, width)
				}
				for i := 0; i < count; i++ {
					row[x] = prev
					x++
				}

			default: // delta
				if !anchored {
					return fmt.Errorf("codec: depth line %d delta before anchor", y)
				}
				if x >= width {
					return fmt.Errorf("codec: depth line %d overflows at delta token", y)
				}
				v := uint16(int(prev) + int(tok) + deltaLo)
				row[x] = v
				prev = v
				x++
			}
		}
	}
	return nil
}

// DepthCompressor encodes decoded depth frames (uint16 little-endian
// payload, 11-bit samples) into the stream buffer.
type DepthCompressor struct {
	sink          *StreamBuffer
	width, height int

	samples []uint16 // reused per-frame decode of the frame payload
	scratch []byte   // reused per-frame token output
}

// NewDepthCompressor writes the depth stream header into sink and returns
// the compressor.
func NewDepthCompressor(sink *StreamBuffer, width, height int) *DepthCompressor {
	writeHeader(sink, Header{
		Codec:  CodecDepthRLE,
		Width:  uint32(width),
		Height: uint32(height),
		Format: 11, // bits per sample
	})
	return &DepthCompressor{
		sink:    sink,
		width:   width,
		height:  height,
		samples: make([]uint16, width*height),
	}
}

// WriteFrame appends one compressed frame record to the stream buffer.
func (c *DepthCompressor) WriteFrame(f *frame.Buffer) error {
	want := c.width * c.height * 2
	if len(f.Data) != want {
		return fmt.Errorf("codec: depth frame size %d, want %d", len(f.Data), want)
	}

	for i := range c.samples {
		c.samples[i] = uint16(f.Data[2*i]) | uint16(f.Data[2*i+1])<<8
	}
	c.scratch = EncodeDepthRLE(c.scratch[:0], c.samples, c.width, c.height)

	writeFrameRecord(c.sink, f.Timestamp, c.scratch)
	return nil
}
