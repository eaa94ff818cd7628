// Package server multiplexes N cameras × 2 compressed streams onto a
// dynamic set of TCP clients under the meta-frame ordering discipline:
// every connected client sees exactly one frame per sub-stream per
// meta-frame, meta-frames strictly in order.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/depthcast/internal/codec"
	"github.com/e7canasta/depthcast/internal/frame"
	"github.com/e7canasta/depthcast/internal/geometry"
	"github.com/e7canasta/depthcast/internal/triplebuffer"
)

// Source is a camera as the server sees it: two decoded frame streams plus
// calibration. internal/camera implements it; tests drive the server with
// emulated sources.
type Source interface {
	// StartStreaming installs the decode sinks and starts frame delivery.
	// Each callback runs on its stream's decode goroutine.
	StartStreaming(colorCb, depthCb func(*frame.Buffer)) error

	// StopStreaming stops frame delivery and joins the decode goroutines.
	// Idempotent.
	StopStreaming() error

	// ActualFrameSize returns the stream's frame size in pixels.
	ActualFrameSize(s frame.Stream) (width, height int)

	// Intrinsics returns the camera's projection matrices.
	Intrinsics() geometry.Intrinsics

	// Extrinsics returns the camera-to-world transform.
	Extrinsics() geometry.Transform

	// Serial identifies the camera in logs and health reports.
	Serial() string
}

// CompressedFrame is one compressed frame as published to a triple buffer:
// a self-describing frame record plus its sub-stream bookkeeping.
type CompressedFrame struct {
	Index     uint32
	Timestamp float64
	Data      []byte
}

// cameraState glues one camera to the fan-out: it owns the two compressors
// and their triple buffers, and forwards decoded frames into them.
type cameraState struct {
	source Source

	colorSink *codec.StreamBuffer
	colorComp *codec.ColorCompressor
	depthSink *codec.StreamBuffer
	depthComp *codec.DepthCompressor

	// Codec stream headers, captured at construction; every new client
	// receives them before any frame.
	colorHeaders []byte
	depthHeaders []byte

	colorFrames *triplebuffer.TripleBuffer[CompressedFrame]
	depthFrames *triplebuffer.TripleBuffer[CompressedFrame]

	colorIndex atomic.Uint32
	depthIndex atomic.Uint32

	// hasSent flags are owned by the scheduler goroutine.
	hasSentColor bool
	hasSentDepth bool

	// newFrameCond is the server-wide wakeup shared by every camera.
	newFrameMu   *sync.Mutex
	newFrameCond *sync.Cond
}

const compressorBufferSize = 16384

// newCameraState builds the compressors for the camera's selected frame
// sizes and captures their stream headers.
func newCameraState(src Source, mu *sync.Mutex, cond *sync.Cond) *cameraState {
	cw, ch := src.ActualFrameSize(frame.Color)
	dw, dh := src.ActualFrameSize(frame.Depth)

	st := &cameraState{
		source:       src,
		colorSink:    codec.NewStreamBuffer(compressorBufferSize),
		depthSink:    codec.NewStreamBuffer(compressorBufferSize),
		colorFrames:  triplebuffer.New[CompressedFrame](),
		depthFrames:  triplebuffer.New[CompressedFrame](),
		newFrameMu:   mu,
		newFrameCond: cond,
	}
	st.colorComp = codec.NewColorCompressor(st.colorSink, cw, ch)
	st.depthComp = codec.NewDepthCompressor(st.depthSink, dw, dh)

	// The compressors have just written their stream headers; move them
	// out so the buffers start clean for the first frame.
	st.colorSink.StoreBuffers(&st.colorHeaders)
	st.depthSink.StoreBuffers(&st.depthHeaders)
	return st
}

func (st *cameraState) start() error {
	return st.source.StartStreaming(st.colorStreamingCallback, st.depthStreamingCallback)
}

func (st *cameraState) stop() error {
	return st.source.StopStreaming()
}

// colorStreamingCallback runs on the camera's color decode goroutine: it
// compresses the frame, steals the compressed bytes into the triple buffer
// and wakes the scheduler.
func (st *cameraState) colorStreamingCallback(f *frame.Buffer) {
	if err := st.colorComp.WriteFrame(f); err != nil {
		// The compressed stream stays frame-aligned because nothing was
		// stolen into the triple buffer; just skip the frame.
		st.colorSink.StoreBuffers(new([]byte))
		return
	}

	cf := st.colorFrames.StartNewValue()
	cf.Index = st.colorIndex.Load()
	cf.Timestamp = f.Timestamp
	st.colorSink.StoreBuffers(&cf.Data)
	st.colorFrames.PostNewValue()
	st.signalNewFrame()
	st.colorIndex.Add(1)
}

// depthStreamingCallback mirrors colorStreamingCallback for the depth
// stream.
func (st *cameraState) depthStreamingCallback(f *frame.Buffer) {
	if err := st.depthComp.WriteFrame(f); err != nil {
		st.depthSink.StoreBuffers(new([]byte))
		return
	}

	cf := st.depthFrames.StartNewValue()
	cf.Index = st.depthIndex.Load()
	cf.Timestamp = f.Timestamp
	st.depthSink.StoreBuffers(&cf.Data)
	st.depthFrames.PostNewValue()
	st.signalNewFrame()
	st.depthIndex.Add(1)
}

func (st *cameraState) signalNewFrame() {
	st.newFrameMu.Lock()
	st.newFrameCond.Signal()
	st.newFrameMu.Unlock()
}
