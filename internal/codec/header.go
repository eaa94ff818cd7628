package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Stream header layout, 20 bytes, little-endian:
//
//	magic    u32  0x64637374
//	codec    u32  codec identifier
//	width    u32
//	height   u32
//	format   u32  bits or bytes per pixel, codec-specific
//
// The header is written into the compressor's backing buffer at
// construction time so the owner can capture it with StoreBuffers before
// the first frame.
const (
	headerMagic = 0x64637374

	// CodecColorZstd identifies the color stream: raw RGB24 frames,
	// zstd-compressed per frame.
	CodecColorZstd = 1

	// CodecDepthRLE identifies the depth stream: 11-bit samples,
	// RLE/differential token coding per frame.
	CodecDepthRLE = 2

	// HeaderSize is the byte length of a stream header.
	HeaderSize = 20
)

// Header describes one compressed sub-stream.
type Header struct {
	Codec  uint32
	Width  uint32
	Height uint32
	Format uint32
}

func writeHeader(b *StreamBuffer, h Header) {
	var raw [HeaderSize]byte
	binary.LittleEndian.PutUint32(raw[0:], headerMagic)
	binary.LittleEndian.PutUint32(raw[4:], h.Codec)
	binary.LittleEndian.PutUint32(raw[8:], h.Width)
	binary.LittleEndian.PutUint32(raw[12:], h.Height)
	binary.LittleEndian.PutUint32(raw[16:], h.Format)
	b.buf = append(b.buf, raw[:]...)
}

// ParseHeader decodes a stream header; used by tests and client-side
// tooling.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("codec: header truncated: %d bytes", len(raw))
	}
	if m := binary.LittleEndian.Uint32(raw[0:]); m != headerMagic {
		return Header{}, fmt.Errorf("codec: bad header magic 0x%08x", m)
	}
	return Header{
		Codec:  binary.LittleEndian.Uint32(raw[4:]),
		Width:  binary.LittleEndian.Uint32(raw[8:]),
		Height: binary.LittleEndian.Uint32(raw[12:]),
		Format: binary.LittleEndian.Uint32(raw[16:]),
	}, nil
}

// Per-frame record layout (both codecs), little-endian:
//
//	timestamp  f64  seconds on the camera's frame timer
//	length     u32  payload byte count
//	payload    length bytes
func writeFrameRecord(b *StreamBuffer, timestamp float64, payload []byte) {
	var rec [12]byte
	binary.LittleEndian.PutUint64(rec[0:], math.Float64bits(timestamp))
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(payload)))
	b.buf = append(b.buf, rec[:]...)
	b.buf = append(b.buf, payload...)
}

// ParseFrameRecord splits one frame record off raw, returning the
// timestamp, the payload and the remaining bytes.
func ParseFrameRecord(raw []byte) (float64, []byte, []byte, error) {
	if len(raw) < 12 {
		return 0, nil, nil, fmt.Errorf("codec: frame record truncated: %d bytes", len(raw))
	}
	ts := math.Float64frombits(binary.LittleEndian.Uint64(raw[0:]))
	n := int(binary.LittleEndian.Uint32(raw[8:]))
	if len(raw) < 12+n {
		return 0, nil, nil, fmt.Errorf("codec: frame payload truncated: have %d, want %d", len(raw)-12, n)
	}
	return ts, raw[12 : 12+n], raw[12+n:], nil
}
