package camera

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/depthcast/internal/frame"
	"github.com/e7canasta/depthcast/internal/usb"
)

// Isochronous transport geometry. The ring is sized to absorb one full
// frame's worth of packet bursts.
const (
	numTransfers       = 32
	packetsPerTransfer = 16

	colorPacketSize = 1920
	depthPacketSize = 1760

	colorEndpoint = 0x81
	depthEndpoint = 0x82

	// High nibble of the packet flag byte tags the stream.
	colorPacketFlagBase = 0x80
	depthPacketFlagBase = 0x70

	// Low nibble of the flag byte: position of the fragment in its frame.
	pktStartOfFrame = 0x1
	pktMiddle       = 0x2
	pktEndOfFrame   = 0x5

	pktHeaderSize = 12

	// fatalBadFrameThreshold is the consecutive-malformed-frame count at
	// which streaming is declared unrecoverable.
	fatalBadFrameThreshold = 100
)

// streamer owns the raw assembly state and the decode goroutine of one
// stream. Packet handling runs on the transport's event goroutine; the
// decoder runs on its own goroutine; the two meet at frameReadyCond.
type streamer struct {
	cam    *Camera
	stream frame.Stream

	packetFlagBase byte
	width, height  int
	rawFrameSize   int

	// variableLength marks streams whose frames legitimately end short of
	// rawFrameSize (the sensor's compressed depth format).
	variableLength bool

	// Raw double buffer: one half receives packets while the decoder owns
	// the other half.
	rawBuf          []byte
	activeHalf      int
	writePos        int
	bufferSpace     int
	activeTimestamp float64
	activeCorrupt   bool
	receiving       bool

	mu             sync.Mutex
	frameReadyCond *sync.Cond
	readyFrame     []byte
	readyLen       int
	readyTimestamp float64
	readyIntact    bool
	hasReady       bool
	cancelDecoding bool

	iso        usb.IsoStream
	decodeDone chan struct{}
	decode     func(raw []byte, ts float64) (*frame.Buffer, error)
	callback   StreamingCallback
	onFatal    func(*Camera, error) // snapshot of the camera's handler

	samples []uint16 // depth decode scratch, reused across frames

	framesDecoded atomic.Uint64
	framesDropped atomic.Uint64

	consecutiveBad int
	fatalReported  bool
}

func (c *Camera) newStreamer(s frame.Stream, cb StreamingCallback) *streamer {
	w, h := c.frameSizes[s].Dimensions()
	st := &streamer{
		cam:        c,
		stream:     s,
		width:      w,
		height:     h,
		callback:   cb,
		onFatal:    c.onFatal,
		decodeDone: make(chan struct{}),
	}
	st.frameReadyCond = sync.NewCond(&st.mu)

	switch s {
	case frame.Color:
		st.packetFlagBase = colorPacketFlagBase
		st.rawFrameSize = w * h // 8-bit Bayer mosaic
		st.decode = st.decodeColor
	case frame.Depth:
		st.packetFlagBase = depthPacketFlagBase
		st.rawFrameSize = (w*h*11 + 7) / 8 // packed 11-bit samples
		if c.compressDepth {
			st.variableLength = true
			st.decode = st.decodeCompressedDepth
		} else {
			st.decode = st.decodeDepth
		}
	}

	st.rawBuf = make([]byte, 2*st.rawFrameSize)
	st.bufferSpace = st.rawFrameSize
	return st
}

func (c *Camera) newColorStreamer(cb StreamingCallback) (*streamer, error) {
	st := c.newStreamer(frame.Color, cb)
	return st, st.start(usb.IsoConfig{
		Endpoint:           colorEndpoint,
		PacketSize:         colorPacketSize,
		PacketsPerTransfer: packetsPerTransfer,
		NumTransfers:       numTransfers,
	})
}

func (c *Camera) newDepthStreamer(cb StreamingCallback) (*streamer, error) {
	st := c.newStreamer(frame.Depth, cb)
	return st, st.start(usb.IsoConfig{
		Endpoint:           depthEndpoint,
		PacketSize:         depthPacketSize,
		PacketsPerTransfer: packetsPerTransfer,
		NumTransfers:       numTransfers,
	})
}

func (st *streamer) start(cfg usb.IsoConfig) error {
	iso, err := st.cam.dev.StartIsoStream(cfg, st.handlePacket)
	if err != nil {
		close(st.decodeDone)
		return fmt.Errorf("camera: start %s stream: %w", st.stream, err)
	}
	st.iso = iso
	go st.decodeLoop()
	return nil
}

// stop cancels the transfer ring, waits for all transfers to resolve, then
// joins the decode goroutine. Safe to call on a streamer whose transport
// never started.
func (st *streamer) stop() {
	if st.iso != nil {
		if err := st.iso.Stop(); err != nil {
			st.cam.log.Warn("camera: iso stream stop", "stream", st.stream.String(), "error", err)
		}
		st.iso = nil
	}

	st.mu.Lock()
	st.cancelDecoding = true
	st.frameReadyCond.Signal()
	st.mu.Unlock()
	<-st.decodeDone
}

// handlePacket is the isochronous assembler: it runs once per packet on
// the transport's event goroutine and never blocks.
func (st *streamer) handlePacket(pkt []byte) {
	if len(pkt) == 0 {
		return // empty isochronous slots are routine
	}
	if len(pkt) < pktHeaderSize || pkt[0] != 'R' || pkt[1] != 'B' {
		// Not a stream packet; a malformed header poisons the frame
		// being assembled.
		st.activeCorrupt = true
		return
	}

	flag := pkt[3]
	if flag&0xf0 != st.packetFlagBase {
		st.activeCorrupt = true
		return
	}
	pos := flag & 0x0f
	payload := pkt[pktHeaderSize:]

	if pos == pktStartOfFrame {
		// Finalize whatever was being assembled: a frame cut short by a
		// new start is published not-intact so the decoder can count it.
		if st.receiving {
			intact := !st.activeCorrupt && st.completed()
			st.publish(intact)
		}
		st.activeHalf = 1 - st.activeHalf
		st.writePos = 0
		st.bufferSpace = st.rawFrameSize
		st.activeCorrupt = false
		st.receiving = true
		st.activeTimestamp = st.cam.now()
	}
	if !st.receiving {
		// Mid-frame fragments before the first start-of-frame are the
		// tail of a frame that began before we attached.
		return
	}

	n := len(payload)
	if n > st.bufferSpace {
		st.activeCorrupt = true
		n = st.bufferSpace
	}
	half := st.rawBuf[st.activeHalf*st.rawFrameSize:]
	copy(half[st.writePos:st.writePos+n], payload[:n])
	st.writePos += n
	st.bufferSpace -= n

	if pos == pktEndOfFrame {
		intact := !st.activeCorrupt && st.completed()
		st.publish(intact)
		st.receiving = false
	}
}

// completed reports whether the active buffer holds a full frame. Fixed-
// length streams require every byte; the compressed depth stream ends
// wherever its token stream ends.
func (st *streamer) completed() bool {
	if st.variableLength {
		return st.writePos > 0
	}
	return st.bufferSpace == 0
}

// publish hands the active buffer half to the decode goroutine.
func (st *streamer) publish(intact bool) {
	st.mu.Lock()
	st.readyFrame = st.rawBuf[st.activeHalf*st.rawFrameSize : st.activeHalf*st.rawFrameSize+st.rawFrameSize]
	st.readyLen = st.writePos
	st.readyTimestamp = st.activeTimestamp
	st.readyIntact = intact
	st.hasReady = true
	st.frameReadyCond.Signal()
	st.mu.Unlock()
}

// decodeLoop waits for completed raw frames and decodes them into the
// streaming callback. Not-intact frames are dropped here, and a long run
// of them escalates to the fatal handler.
func (st *streamer) decodeLoop() {
	defer close(st.decodeDone)

	for {
		st.mu.Lock()
		for !st.hasReady && !st.cancelDecoding {
			st.frameReadyCond.Wait()
		}
		if st.cancelDecoding {
			st.mu.Unlock()
			return
		}
		raw := st.readyFrame[:st.readyLen]
		ts := st.readyTimestamp
		intact := st.readyIntact
		st.hasReady = false
		st.mu.Unlock()

		if !intact {
			st.framesDropped.Add(1)
			st.noteBadFrame()
			st.cam.log.Debug("camera: dropping malformed frame",
				"stream", st.stream.String(), "bytes", len(raw))
			continue
		}

		fb, err := st.decode(raw, ts)
		if err != nil {
			st.framesDropped.Add(1)
			st.noteBadFrame()
			st.cam.log.Debug("camera: frame decode failed",
				"stream", st.stream.String(), "error", err)
			continue
		}
		st.consecutiveBad = 0
		st.framesDecoded.Add(1)
		if st.callback != nil {
			st.callback(fb)
		}
	}
}

// noteBadFrame counts consecutive failures and reports a fatal transport
// condition once the threshold is crossed.
func (st *streamer) noteBadFrame() {
	st.consecutiveBad++
	if st.consecutiveBad < fatalBadFrameThreshold || st.fatalReported {
		return
	}
	st.fatalReported = true
	err := fmt.Errorf("camera: %s stream: %d consecutive malformed frames",
		st.stream, st.consecutiveBad)
	st.cam.log.Error("camera: fatal streaming failure", "stream", st.stream.String(), "error", err)

	if st.onFatal != nil {
		// The handler tears the camera down; it must not join this
		// goroutine synchronously, so hand it off.
		go st.onFatal(st.cam, err)
	}
}
