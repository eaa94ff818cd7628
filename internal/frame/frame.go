// Package frame defines the decoded image payload shared between the
// camera driver, the compressors and the fan-out scheduler.
//
// IMMUTABILITY CONTRACT:
//   - Producer: MUST NOT modify Data after handing the buffer downstream
//   - Consumers: MUST NOT modify Data (read-only access)
//   - Enforcement: documentation-based (runtime checks would add overhead)
package frame

// Stream selects one of a sensor's two image streams.
type Stream int

const (
	// Color is the Bayer-mosaic color camera stream.
	Color Stream = iota
	// Depth is the 11-bit depth camera stream.
	Depth
)

// String returns a human-readable stream name.
func (s Stream) String() string {
	switch s {
	case Color:
		return "color"
	case Depth:
		return "depth"
	default:
		return "unknown"
	}
}

// InvalidDepth marks a pixel with no valid depth sample (or a pixel
// suppressed by background removal).
const InvalidDepth uint16 = 0x07ff

// Buffer is a decoded frame with capture metadata. The payload is shared
// by reference between the one producer and any number of consumers inside
// the server boundary, so a copy is cheap and never deep.
type Buffer struct {
	// Data holds Width*Height*PixelStride payload bytes.
	Data []byte

	// Width of the frame in pixels.
	Width int

	// Height of the frame in pixels.
	Height int

	// PixelStride is the number of payload bytes per pixel.
	PixelStride int

	// Timestamp is the capture time in seconds on the camera's frame
	// timer (plus the configured timer offset).
	Timestamp float64
}

// New allocates a frame buffer for the given geometry.
func New(width, height, pixelStride int) *Buffer {
	return &Buffer{
		Data:        make([]byte, width*height*pixelStride),
		Width:       width,
		Height:      height,
		PixelStride: pixelStride,
	}
}

// Depth16 decodes the payload of a 2-byte-per-pixel frame into uint16
// samples (little-endian, the layout the depth decoder writes).
func (b *Buffer) Depth16() []uint16 {
	n := b.Width * b.Height
	px := make([]uint16, n)
	for i := 0; i < n; i++ {
		px[i] = uint16(b.Data[2*i]) | uint16(b.Data[2*i+1])<<8
	}
	return px
}

// PutDepth16 stores uint16 depth samples into the payload, little-endian.
func (b *Buffer) PutDepth16(px []uint16) {
	for i, v := range px {
		b.Data[2*i] = byte(v)
		b.Data[2*i+1] = byte(v >> 8)
	}
}
