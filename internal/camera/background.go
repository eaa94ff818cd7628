package camera

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/e7canasta/depthcast/internal/frame"
)

// background holds the per-pixel minimum-depth model and its removal
// configuration. Locked separately from the camera mutex because the depth
// decode goroutine touches it on every frame.
type background struct {
	mu sync.Mutex

	pixels    []uint16 // minimum observed depth per pixel; nil until trained/loaded
	numFrames int      // training frames left to capture
	callback  BackgroundCaptureCallback

	remove bool
	fuzz   int16
}

// CaptureBackground starts accumulating a minimum-depth background over the
// next n depth frames. With replace set, any existing background is
// discarded first; otherwise new samples deepen the current one. The
// optional callback fires exactly once when the counter reaches zero.
func (c *Camera) CaptureBackground(n int, replace bool, cb BackgroundCaptureCallback) {
	w, h := c.FrameSize(frame.Depth).Dimensions()

	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	if replace || c.bg.pixels == nil {
		c.bg.pixels = newBackgroundPixels(w * h)
	}
	c.bg.numFrames = n
	c.bg.callback = cb
}

func newBackgroundPixels(n int) []uint16 {
	px := make([]uint16, n)
	for i := range px {
		px[i] = frame.InvalidDepth
	}
	return px
}

// SetMaxDepth clamps the background model to d: every pixel at or beyond d
// is treated as background. With replace set, a flat background at d
// replaces the current model.
func (c *Camera) SetMaxDepth(d uint16, replace bool) {
	if d > frame.InvalidDepth {
		d = frame.InvalidDepth
	}
	w, h := c.FrameSize(frame.Depth).Dimensions()

	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	if replace || c.bg.pixels == nil {
		px := make([]uint16, w*h)
		for i := range px {
			px[i] = d
		}
		c.bg.pixels = px
		return
	}
	for i, v := range c.bg.pixels {
		if d < v {
			c.bg.pixels[i] = d
		}
	}
}

// SetRemoveBackground enables or disables background removal on decoded
// depth frames.
func (c *Camera) SetRemoveBackground(remove bool) {
	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	c.bg.remove = remove
}

// RemoveBackground reports whether background removal is enabled.
func (c *Camera) RemoveBackground() bool {
	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	return c.bg.remove
}

// SetBackgroundRemovalFuzz sets the removal fuzz. A pixel is background when
// raw + fuzz reaches the trained depth: positive values remove more
// aggressively (a pixel must be clearly in front of the trained background
// to survive), negative values let pixels slightly beyond the trained depth
// survive.
func (c *Camera) SetBackgroundRemovalFuzz(fuzz int16) {
	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	c.bg.fuzz = fuzz
}

// BackgroundRemovalFuzz returns the current removal fuzz.
func (c *Camera) BackgroundRemovalFuzz() int16 {
	c.bg.mu.Lock()
	defer c.bg.mu.Unlock()
	return c.bg.fuzz
}

// processDepthFrame runs the background step on a decoded depth frame:
// first training (minimum accumulation), then removal. Training sees raw
// samples, never removed ones. Called from the depth decode goroutine.
func (c *Camera) processDepthFrame(px []uint16) {
	b := &c.bg
	b.mu.Lock()

	var done BackgroundCaptureCallback
	if b.numFrames > 0 && b.pixels != nil && len(b.pixels) == len(px) {
		for i, v := range px {
			if v < b.pixels[i] {
				b.pixels[i] = v
			}
		}
		b.numFrames--
		if b.numFrames == 0 {
			done = b.callback
			b.callback = nil
		}
	}

	if b.remove && b.pixels != nil && len(b.pixels) == len(px) {
		f := int(b.fuzz)
		for i, v := range px {
			if int(v)+f >= int(b.pixels[i]) {
				px[i] = frame.InvalidDepth
			}
		}
	}
	b.mu.Unlock()

	if done != nil {
		done(c)
	}
}

// Background file layout, little-endian: width u32, height u32, then
// width×height u16 samples.

// SaveBackground writes the current background to <prefix>.background.
func (c *Camera) SaveBackground(prefix string) error {
	c.bg.mu.Lock()
	px := append([]uint16(nil), c.bg.pixels...)
	c.bg.mu.Unlock()
	if px == nil {
		return fmt.Errorf("camera: no background to save")
	}

	w, h := c.FrameSize(frame.Depth).Dimensions()
	f, err := os.Create(prefix + ".background")
	if err != nil {
		return fmt.Errorf("camera: save background: %w", err)
	}
	defer f.Close()
	return writeBackground(f, w, h, px)
}

func writeBackground(w io.Writer, width, height int, px []uint16) error {
	hdr := [8]byte{}
	binary.LittleEndian.PutUint32(hdr[0:], uint32(width))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(height))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("camera: write background: %w", err)
	}
	buf := make([]byte, 2*len(px))
	for i, v := range px {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("camera: write background: %w", err)
	}
	return nil
}

// LoadBackground loads a background from <prefix>.background.
func (c *Camera) LoadBackground(prefix string) error {
	f, err := os.Open(prefix + ".background")
	if err != nil {
		return fmt.Errorf("camera: load background: %w", err)
	}
	defer f.Close()
	return c.LoadBackgroundFrom(f)
}

// LoadBackgroundFrom loads a background image from an already opened
// reader. The stored size must match the selected depth frame size.
func (c *Camera) LoadBackgroundFrom(r io.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("camera: read background header: %w", err)
	}
	width := int(binary.LittleEndian.Uint32(hdr[0:]))
	height := int(binary.LittleEndian.Uint32(hdr[4:]))

	w, h := c.FrameSize(frame.Depth).Dimensions()
	if width != w || height != h {
		return fmt.Errorf("camera: background is %dx%d, depth stream is %dx%d", width, height, w, h)
	}

	buf := make([]byte, 2*width*height)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("camera: read background pixels: %w", err)
	}
	px := make([]uint16, width*height)
	for i := range px {
		px[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}

	c.bg.mu.Lock()
	c.bg.pixels = px
	c.bg.mu.Unlock()
	return nil
}
