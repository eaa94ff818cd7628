// Package codec implements the per-camera stream compressors: a zstd-backed
// color codec and an exactly-lossless RLE/differential depth codec. Both
// write self-describing byte streams behind a fixed stream header, so a
// client can parse frame boundaries without out-of-band framing.
package codec

// StreamBuffer accumulates compressed bytes between frames. A compressor
// writes into it; the owner moves the accumulated bytes out with
// StoreBuffers once per frame (and once at construction for the stream
// header). Single-goroutine use: a compressor and its buffer live on one
// decode goroutine.
type StreamBuffer struct {
	buf []byte
}

// NewStreamBuffer creates a buffer with the given initial capacity.
func NewStreamBuffer(capacity int) *StreamBuffer {
	return &StreamBuffer{buf: make([]byte, 0, capacity)}
}

// Write appends p, growing as needed. Never fails; implements io.Writer for
// the compressors.
func (b *StreamBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte.
func (b *StreamBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// Len returns the number of accumulated bytes.
func (b *StreamBuffer) Len() int { return len(b.buf) }

// StoreBuffers moves the accumulated bytes into *dst, reusing dst's backing
// array when it is large enough, and resets the buffer to empty. The
// buffer's own backing array is retained, so steady-state operation does
// not allocate.
func (b *StreamBuffer) StoreBuffers(dst *[]byte) {
	*dst = append((*dst)[:0], b.buf...)
	b.buf = b.buf[:0]
}
