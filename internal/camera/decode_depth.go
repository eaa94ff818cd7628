package camera

import (
	"fmt"

	"github.com/e7canasta/depthcast/internal/codec"
	"github.com/e7canasta/depthcast/internal/frame"
)

// decodeDepth unpacks the sensor's packed 11-bit depth stream, applies
// background training/removal, and produces a uint16 depth frame.
func (st *streamer) decodeDepth(raw []byte, ts float64) (*frame.Buffer, error) {
	w, h := st.width, st.height
	want := (w*h*11 + 7) / 8
	if len(raw) != want {
		return nil, fmt.Errorf("raw depth frame %d bytes, want %d", len(raw), want)
	}

	px := st.depthSamples(w * h)
	unpack11(raw, px)

	st.cam.processDepthFrame(px)

	out := frame.New(w, h, 2)
	out.Timestamp = ts
	out.PutDepth16(px)
	return out, nil
}

// decodeCompressedDepth decodes the sensor's RLE/differential depth stream
// through the shared token grammar, then runs the same background step as
// the uncompressed path.
func (st *streamer) decodeCompressedDepth(raw []byte, ts float64) (*frame.Buffer, error) {
	w, h := st.width, st.height

	px := st.depthSamples(w * h)
	if err := codec.DecodeDepthRLE(raw, px, w, h); err != nil {
		return nil, err
	}

	st.cam.processDepthFrame(px)

	out := frame.New(w, h, 2)
	out.Timestamp = ts
	out.PutDepth16(px)
	return out, nil
}

// depthSamples returns the streamer's reusable sample scratch.
func (st *streamer) depthSamples(n int) []uint16 {
	if cap(st.samples) < n {
		st.samples = make([]uint16, n)
	}
	return st.samples[:n]
}

// unpack11 expands a big-endian 11-bit-per-sample bit stream into dst.
func unpack11(src []byte, dst []uint16) {
	var acc uint32
	bits := 0
	si := 0
	for i := range dst {
		for bits < 11 {
			acc = acc<<8 | uint32(src[si])
			si++
			bits += 8
		}
		dst[i] = uint16(acc>>(bits-11)) & 0x7ff
		bits -= 11
	}
}

// pack11 is the inverse of unpack11; the camera emulator and the tests use
// it to fabricate raw sensor frames.
func pack11(px []uint16) []byte {
	out := make([]byte, (len(px)*11+7)/8)
	var acc uint32
	bits := 0
	oi := 0
	for _, v := range px {
		acc = acc<<11 | uint32(v&0x7ff)
		bits += 11
		for bits >= 8 {
			out[oi] = byte(acc >> (bits - 8))
			oi++
			bits -= 8
		}
	}
	if bits > 0 {
		out[oi] = byte(acc << (8 - bits))
	}
	return out
}
