package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/e7canasta/depthcast/internal/frame"
)

// Shared zstd machinery. One encoder and one decoder serve every camera;
// the zstd contexts are expensive to build and cheap to reset.
var (
	sharedZstdEncoder persistentZstdEncoder
	sharedZstdDecoder persistentZstdDecoder
)

type persistentZstdEncoder struct {
	once sync.Once
	mu   sync.Mutex
	enc  *zstd.Encoder
	err  error
}

func (p *persistentZstdEncoder) use(fn func(*zstd.Encoder) error) error {
	p.once.Do(func() {
		p.enc, p.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return fn(p.enc)
}

type persistentZstdDecoder struct {
	once sync.Once
	mu   sync.Mutex
	dec  *zstd.Decoder
	err  error
}

func (p *persistentZstdDecoder) use(fn func(*zstd.Decoder) error) error {
	p.once.Do(func() {
		p.dec, p.err = zstd.NewReader(nil)
	})
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return fn(p.dec)
}

// ColorCompressor encodes decoded RGB24 color frames into the stream
// buffer: the lossless pass-through path, one zstd block per frame.
type ColorCompressor struct {
	sink          *StreamBuffer
	width, height int

	scratch []byte // reused per-frame compression output
}

// NewColorCompressor writes the color stream header into sink and returns
// the compressor. The owner must StoreBuffers the header bytes before the
// first WriteFrame.
func NewColorCompressor(sink *StreamBuffer, width, height int) *ColorCompressor {
	writeHeader(sink, Header{
		Codec:  CodecColorZstd,
		Width:  uint32(width),
		Height: uint32(height),
		Format: 3, // bytes per pixel, RGB24
	})
	return &ColorCompressor{sink: sink, width: width, height: height}
}

// WriteFrame appends one compressed frame record to the stream buffer.
func (c *ColorCompressor) WriteFrame(f *frame.Buffer) error {
	want := c.width * c.height * 3
	if len(f.Data) != want {
		return fmt.Errorf("codec: color frame size %d, want %d", len(f.Data), want)
	}

	err := sharedZstdEncoder.use(func(enc *zstd.Encoder) error {
		c.scratch = enc.EncodeAll(f.Data, c.scratch[:0])
		return nil
	})
	if err != nil {
		return fmt.Errorf("codec: zstd encode: %w", err)
	}

	writeFrameRecord(c.sink, f.Timestamp, c.scratch)
	return nil
}

// DecodeColorPayload decompresses one frame payload back to RGB24 bytes.
// Used by tests and client-side tooling; the streaming path never decodes.
func DecodeColorPayload(payload []byte) ([]byte, error) {
	var out []byte
	err := sharedZstdDecoder.use(func(dec *zstd.Decoder) error {
		var derr error
		out, derr = dec.DecodeAll(payload, nil)
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decode: %w", err)
	}
	return out, nil
}
