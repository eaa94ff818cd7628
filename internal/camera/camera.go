// Package camera drives one depth-plus-color sensor over its vendor USB
// protocol: control-message mode negotiation, isochronous raw-frame
// assembly, decoding into user-visible frames, and per-pixel background
// removal.
//
// Goroutine topology while streaming:
//   - 1 transport event goroutine per stream (owned by internal/usb),
//     invoking the isochronous packet handler
//   - 1 decode goroutine per stream, woken by a frame-ready condition
//
// All configuration methods reject calls while streaming; the decoded
// frames flow out through the callbacks passed to StartStreaming.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/depthcast/internal/frame"
	"github.com/e7canasta/depthcast/internal/geometry"
	"github.com/e7canasta/depthcast/internal/usb"
)

// FrameSize selects the sensor's frame geometry.
type FrameSize int

const (
	// FrameSize640x480 is the standard streaming mode for both cameras.
	FrameSize640x480 FrameSize = iota
	// FrameSize1280x1024 is the high-resolution color mode (15 Hz only).
	FrameSize1280x1024
)

// Dimensions returns the pixel extent of the frame size.
func (s FrameSize) Dimensions() (width, height int) {
	if s == FrameSize1280x1024 {
		return 1280, 1024
	}
	return 640, 480
}

// FrameRate selects the streaming rate.
type FrameRate int

const (
	// FrameRate15Hz streams at 15 frames per second.
	FrameRate15Hz FrameRate = iota
	// FrameRate30Hz streams at 30 frames per second.
	FrameRate30Hz
)

// Hz returns the rate in frames per second.
func (r FrameRate) Hz() int {
	if r == FrameRate30Hz {
		return 30
	}
	return 15
}

// StreamingCallback receives each decoded frame on the stream's decode
// goroutine. The frame payload is shared; callbacks must not modify it.
type StreamingCallback func(*frame.Buffer)

// BackgroundCaptureCallback is invoked exactly once when a requested
// background capture completes.
type BackgroundCaptureCallback func(*Camera)

var (
	// ErrStreaming rejects configuration calls made while streaming.
	ErrStreaming = errors.New("camera: invalid state: streaming")

	// ErrUnsupportedMode rejects frame size / rate combinations the
	// sensor cannot produce.
	ErrUnsupportedMode = errors.New("camera: unsupported mode")
)

// Stats is a snapshot of per-stream operational counters.
type Stats struct {
	ColorFramesDecoded uint64
	ColorFramesDropped uint64
	DepthFramesDecoded uint64
	DepthFramesDropped uint64
}

// Camera wraps a USB device handle with the sensor's streaming protocol.
// The camera owns the device for its lifetime; USB enumeration and device
// selection happen outside.
type Camera struct {
	dev usb.Device
	log *slog.Logger

	mu        sync.Mutex // guards configuration and the streaming flag
	streaming bool

	frameSizes    [2]FrameSize
	frameRates    [2]FrameRate
	compressDepth bool

	seq uint16 // control-message sequence number

	timerStart  time.Time
	timerOffset float64

	streamers [2]*streamer

	bg background

	// savedStats accumulates decode counters from finished streaming
	// sessions so Stats stays meaningful after StopStreaming.
	savedStats Stats

	intrinsics *geometry.Intrinsics
	extrinsics geometry.Transform

	// onFatal, when set, is invoked once from a decode goroutine if
	// consecutive transport failures cross the teardown threshold.
	onFatal func(*Camera, error)
}

// New wraps the given USB device. The device is assumed to be the sensor's
// camera interface; no probing happens until StartStreaming.
func New(dev usb.Device) *Camera {
	c := &Camera{
		dev:        dev,
		log:        slog.Default().With("serial", dev.Serial()),
		timerStart: time.Now(),
		extrinsics: geometry.IdentityTransform(),
	}
	c.frameRates[frame.Color] = FrameRate30Hz
	c.frameRates[frame.Depth] = FrameRate30Hz
	c.bg.fuzz = 5
	return c
}

// Serial returns the device serial number.
func (c *Camera) Serial() string { return c.dev.Serial() }

// SetFrameSize selects the frame size for the next streaming operation.
// Only the color camera supports 1280×1024.
func (c *Camera) SetFrameSize(s frame.Stream, size FrameSize) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return ErrStreaming
	}
	if s == frame.Depth && size != FrameSize640x480 {
		return fmt.Errorf("%w: depth camera streams 640x480 only", ErrUnsupportedMode)
	}
	c.frameSizes[s] = size
	return nil
}

// FrameSize returns the selected frame size for the stream.
func (c *Camera) FrameSize(s frame.Stream) FrameSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameSizes[s]
}

// ActualFrameSize returns the selected frame size in pixels.
func (c *Camera) ActualFrameSize(s frame.Stream) (width, height int) {
	return c.FrameSize(s).Dimensions()
}

// SetFrameRate selects the frame rate for the next streaming operation.
func (c *Camera) SetFrameRate(s frame.Stream, rate FrameRate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return ErrStreaming
	}
	c.frameRates[s] = rate
	return nil
}

// FrameRate returns the selected frame rate for the stream.
func (c *Camera) FrameRate(s frame.Stream) FrameRate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameRates[s]
}

// SetCompressDepthFrames selects RLE/differential depth frames from the
// sensor for the next streaming operation.
func (c *Camera) SetCompressDepthFrames(compress bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return ErrStreaming
	}
	c.compressDepth = compress
	return nil
}

// ResetFrameTimer restarts the frame timer at the given offset. Only legal
// while not streaming; timestamps during a session are monotonic on one
// timer.
func (c *Camera) ResetFrameTimer(offset float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return ErrStreaming
	}
	c.timerStart = time.Now()
	c.timerOffset = offset
	return nil
}

// now returns the current frame-timer reading in seconds. Read from USB
// event goroutines; timerStart/timerOffset are immutable while streaming.
func (c *Camera) now() float64 {
	return time.Since(c.timerStart).Seconds() + c.timerOffset
}

// SetFatalHandler installs a callback for unrecoverable streaming failures
// (consecutive malformed transfers past the teardown threshold). Must be
// set before StartStreaming.
func (c *Camera) SetFatalHandler(fn func(*Camera, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFatal = fn
}

// SetIntrinsics overrides the factory-default projection matrices with
// per-device calibration.
func (c *Camera) SetIntrinsics(ip geometry.Intrinsics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intrinsics = &ip
}

// Intrinsics returns the camera's projection matrices.
func (c *Camera) Intrinsics() geometry.Intrinsics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intrinsics != nil {
		return *c.intrinsics
	}
	w, h := c.frameSizes[frame.Depth].Dimensions()
	return geometry.DefaultIntrinsics(w, h)
}

// SetExtrinsics sets the camera-to-world transform.
func (c *Camera) SetExtrinsics(t geometry.Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extrinsics = t
}

// Extrinsics returns the camera-to-world transform.
func (c *Camera) Extrinsics() geometry.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extrinsics
}

// Stats returns decode counters for both streams, cumulative across
// streaming sessions.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	st := c.savedStats
	color, depth := c.streamers[frame.Color], c.streamers[frame.Depth]
	c.mu.Unlock()
	if color != nil {
		st.ColorFramesDecoded += color.framesDecoded.Load()
		st.ColorFramesDropped += color.framesDropped.Load()
	}
	if depth != nil {
		st.DepthFramesDecoded += depth.framesDecoded.Load()
		st.DepthFramesDropped += depth.framesDropped.Load()
	}
	return st
}

// StartStreaming negotiates the selected modes with the sensor, submits
// the isochronous transfer rings and starts both decode goroutines. The
// callbacks receive every intact decoded frame.
func (c *Camera) StartStreaming(colorCb, depthCb func(*frame.Buffer)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streaming {
		return ErrStreaming
	}

	// 1280×1024 color is only legal at 15 Hz; the control command table
	// has no entry for the 30 Hz combination.
	if c.frameSizes[frame.Color] == FrameSize1280x1024 && c.frameRates[frame.Color] != FrameRate15Hz {
		return fmt.Errorf("%w: 1280x1024 color requires 15 Hz", ErrUnsupportedMode)
	}

	if err := c.negotiateModes(); err != nil {
		return err
	}

	colorStreamer, err := c.newColorStreamer(colorCb)
	if err != nil {
		return err
	}
	depthStreamer, err := c.newDepthStreamer(depthCb)
	if err != nil {
		colorStreamer.stop()
		return err
	}
	c.streamers[frame.Color] = colorStreamer
	c.streamers[frame.Depth] = depthStreamer

	if err := c.startStreams(); err != nil {
		colorStreamer.stop()
		depthStreamer.stop()
		c.streamers[frame.Color] = nil
		c.streamers[frame.Depth] = nil
		return err
	}

	c.streaming = true
	c.log.Info("camera: streaming started",
		"color_size", fmt.Sprintf("%dx%d", widthOf(c.frameSizes[frame.Color]), heightOf(c.frameSizes[frame.Color])),
		"color_rate", c.frameRates[frame.Color].Hz(),
		"depth_rate", c.frameRates[frame.Depth].Hz(),
		"compressed_depth", c.compressDepth,
	)
	return nil
}

// StopStreaming cancels in-flight transfers, waits for all of them to
// resolve and joins both decode goroutines. A no-op on a camera that is
// not streaming.
func (c *Camera) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streaming {
		return nil
	}

	if err := c.stopStreams(); err != nil {
		c.log.Warn("camera: stop command failed", "error", err)
	}

	for _, s := range c.streamers {
		if s != nil {
			s.stop()
		}
	}
	if color := c.streamers[frame.Color]; color != nil {
		c.savedStats.ColorFramesDecoded += color.framesDecoded.Load()
		c.savedStats.ColorFramesDropped += color.framesDropped.Load()
	}
	if depth := c.streamers[frame.Depth]; depth != nil {
		c.savedStats.DepthFramesDecoded += depth.framesDecoded.Load()
		c.savedStats.DepthFramesDropped += depth.framesDropped.Load()
	}
	c.streamers[frame.Color] = nil
	c.streamers[frame.Depth] = nil
	c.streaming = false

	c.log.Info("camera: streaming stopped")
	return nil
}

// Close stops streaming and releases the device handle.
func (c *Camera) Close() error {
	if err := c.StopStreaming(); err != nil {
		c.log.Warn("camera: stop during close", "error", err)
	}
	return c.dev.Close()
}

func widthOf(s FrameSize) int  { w, _ := s.Dimensions(); return w }
func heightOf(s FrameSize) int { _, h := s.Dimensions(); return h }
