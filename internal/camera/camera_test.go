package camera

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/depthcast/internal/frame"
	"github.com/e7canasta/depthcast/internal/usb"
)

// fakeDevice emulates the sensor's control protocol and hands the test a
// handle to inject isochronous packets.
type fakeDevice struct {
	mu        sync.Mutex
	registers []cmdPair // every register write, in order
	lastOut   []byte    // pending control message awaiting its reply

	streams map[uint8]*fakeIsoStream
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{streams: make(map[uint8]*fakeIsoStream)}
}

func (d *fakeDevice) ControlOut(request uint8, value, index uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastOut = append([]byte(nil), data...)
	if len(data) >= 12 && binary.LittleEndian.Uint16(data[4:]) == msgSetRegister {
		d.registers = append(d.registers, cmdPair{
			reg: binary.LittleEndian.Uint16(data[8:]),
			val: binary.LittleEndian.Uint16(data[10:]),
		})
	}
	return nil
}

func (d *fakeDevice) ControlIn(request uint8, value, index uint16, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastOut == nil {
		return 0, nil
	}
	// Echo header with reply magic and a single zero status word.
	binary.LittleEndian.PutUint16(data[0:], ctlMagicIn)
	binary.LittleEndian.PutUint16(data[2:], 1)
	copy(data[4:8], d.lastOut[4:8]) // message type + sequence
	binary.LittleEndian.PutUint16(data[8:], 0)
	d.lastOut = nil
	return 10, nil
}

func (d *fakeDevice) StartIsoStream(cfg usb.IsoConfig, fn usb.PacketFunc) (usb.IsoStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeIsoStream{fn: fn}
	d.streams[cfg.Endpoint] = s
	return s, nil
}

func (d *fakeDevice) Serial() string { return "FAKE0001" }
func (d *fakeDevice) Close() error   { return nil }

func (d *fakeDevice) stream(endpoint uint8) *fakeIsoStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[endpoint]
}

type fakeIsoStream struct {
	mu      sync.Mutex
	fn      usb.PacketFunc
	stopped bool
}

func (s *fakeIsoStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeIsoStream) ActiveTransfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	return numTransfers
}

// inject delivers raw frame bytes as a sequence of isochronous packets
// with the given flag base, splitting at fragmentSize.
func (s *fakeIsoStream) inject(flagBase byte, raw []byte, fragmentSize int) {
	for off := 0; off < len(raw); off += fragmentSize {
		end := off + fragmentSize
		if end > len(raw) {
			end = len(raw)
		}
		pos := byte(pktMiddle)
		if off == 0 {
			pos = pktStartOfFrame
		}
		if end == len(raw) {
			pos = pktEndOfFrame
		}
		pkt := make([]byte, pktHeaderSize+end-off)
		pkt[0], pkt[1] = 'R', 'B'
		pkt[3] = flagBase | pos
		copy(pkt[pktHeaderSize:], raw[off:end])
		s.fn(pkt)
	}
}

func startDepthOnly(t *testing.T, dev *fakeDevice, depthCb StreamingCallback) *Camera {
	t.Helper()
	cam := New(dev)
	if err := cam.StartStreaming(func(*frame.Buffer) {}, depthCb); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	return cam
}

func collectFrames(ch chan *frame.Buffer, n int, timeout time.Duration) []*frame.Buffer {
	var out []*frame.Buffer
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case f := <-ch:
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
	return out
}

// --- Test 1: Packed Depth Round Trip Through the Assembler ---

// TestDepthAssemblyAndDecode validates the full raw path: packed 11-bit
// frames split into header-tagged packets reassemble and decode to the
// original samples, with strictly monotonic timestamps.
func TestDepthAssemblyAndDecode(t *testing.T) {
	dev := newFakeDevice()
	frames := make(chan *frame.Buffer, 8)
	cam := startDepthOnly(t, dev, func(f *frame.Buffer) { frames <- f })
	defer cam.StopStreaming()

	const w, h = 640, 480
	px := make([]uint16, w*h)
	ds := dev.stream(depthEndpoint)

	// One frame at a time: the raw double buffer holds only the freshest
	// unconsumed frame, so injection is paced on the decode goroutine the
	// way the 30 Hz sensor paces the real assembler.
	var got []*frame.Buffer
	for i := 0; i < 3; i++ {
		for j := range px {
			px[j] = uint16((j + i*13) & 0x7ff)
		}
		ds.inject(depthPacketFlagBase, pack11(px), depthPacketSize-pktHeaderSize)

		decoded := collectFrames(frames, 1, 2*time.Second)
		if len(decoded) != 1 {
			t.Fatalf("frame %d never decoded", i)
		}
		out := decoded[0].Depth16()
		for j := range px {
			if out[j] != px[j] {
				t.Fatalf("frame %d sample %d: got %d, want %d", i, j, out[j], px[j])
			}
		}
		got = append(got, decoded[0])
	}

	for i := 1; i < len(got); i++ {
		if got[i].Timestamp <= got[i-1].Timestamp {
			t.Errorf("timestamps not strictly monotonic: %v then %v",
				got[i-1].Timestamp, got[i].Timestamp)
		}
	}
}

// --- Test 2: Malformed Transfer Dropped, Stream Recovers ---

// TestTruncatedFrameDropped injects a frame whose end-of-frame packet
// arrives before the full payload. That frame must never reach the
// callback; the next complete frame must decode normally.
func TestTruncatedFrameDropped(t *testing.T) {
	dev := newFakeDevice()
	frames := make(chan *frame.Buffer, 8)
	cam := startDepthOnly(t, dev, func(f *frame.Buffer) { frames <- f })
	defer cam.StopStreaming()

	const w, h = 640, 480
	px := make([]uint16, w*h)
	for j := range px {
		px[j] = 0x123
	}
	raw := pack11(px)
	ds := dev.stream(depthEndpoint)

	// Truncated: stop at half the payload but tag the last packet EOF.
	ds.inject(depthPacketFlagBase, raw[:len(raw)/2], depthPacketSize-pktHeaderSize)

	// Let the decoder observe and drop the bad frame before the next one
	// overwrites the ready slot.
	deadline := time.Now().Add(2 * time.Second)
	for cam.Stats().DepthFramesDropped == 0 {
		if time.Now().After(deadline) {
			t.Fatal("decoder never saw the truncated frame")
		}
		time.Sleep(time.Millisecond)
	}

	// Complete frame afterwards.
	for j := range px {
		px[j] = 0x456
	}
	ds.inject(depthPacketFlagBase, pack11(px), depthPacketSize-pktHeaderSize)

	got := collectFrames(frames, 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatalf("decoded %d frames, want exactly 1 (truncated frame must drop)", len(got))
	}
	if v := got[0].Depth16()[0]; v != 0x456 {
		t.Errorf("surviving frame sample = 0x%03x, want 0x456", v)
	}

	st := cam.Stats()
	if st.DepthFramesDropped == 0 {
		t.Error("dropped-frame counter did not move")
	}
}

// --- Test 3: Background Removal ---

// TestBackgroundRemoval pre-loads a flat background at depth 1000 and
// feeds a frame split between 950 and 1050 with fuzz 0. Pixels at 950
// must survive; pixels at 1050 must become InvalidDepth.
func TestBackgroundRemoval(t *testing.T) {
	dev := newFakeDevice()
	frames := make(chan *frame.Buffer, 4)
	cam := New(dev)

	cam.SetMaxDepth(1000, true) // flat background at 1000
	cam.SetBackgroundRemovalFuzz(0)
	cam.SetRemoveBackground(true)

	if err := cam.StartStreaming(func(*frame.Buffer) {}, func(f *frame.Buffer) { frames <- f }); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	defer cam.StopStreaming()

	const w, h = 640, 480
	px := make([]uint16, w*h)
	for j := range px {
		if j < len(px)/2 {
			px[j] = 950
		} else {
			px[j] = 1050
		}
	}
	dev.stream(depthEndpoint).inject(depthPacketFlagBase, pack11(px), depthPacketSize-pktHeaderSize)

	got := collectFrames(frames, 1, 2*time.Second)
	if len(got) != 1 {
		t.Fatal("no decoded frame")
	}
	out := got[0].Depth16()
	if out[0] != 950 {
		t.Errorf("foreground pixel = %d, want 950", out[0])
	}
	if out[len(out)-1] != frame.InvalidDepth {
		t.Errorf("background pixel = %d, want InvalidDepth", out[len(out)-1])
	}
}

// --- Test 4: Background Training Accumulates the Minimum ---

func TestBackgroundTrainingMinimum(t *testing.T) {
	dev := newFakeDevice()
	done := make(chan struct{})
	frames := make(chan *frame.Buffer, 8)
	cam := New(dev)

	cam.CaptureBackground(3, true, func(*Camera) { close(done) })

	if err := cam.StartStreaming(func(*frame.Buffer) {}, func(f *frame.Buffer) { frames <- f }); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	defer cam.StopStreaming()

	const w, h = 640, 480
	ds := dev.stream(depthEndpoint)
	px := make([]uint16, w*h)
	for i := 0; i < 3; i++ {
		for j := range px {
			px[j] = uint16(800 + (j+i*7)%50)
		}
		ds.inject(depthPacketFlagBase, pack11(px), depthPacketSize-pktHeaderSize)
		if got := collectFrames(frames, 1, 2*time.Second); len(got) != 1 {
			t.Fatalf("training frame %d never decoded", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background capture callback never fired")
	}

	// Every trained pixel is the minimum of its three samples.
	cam.bg.mu.Lock()
	defer cam.bg.mu.Unlock()
	for j := 0; j < 100; j++ {
		want := uint16(0xffff)
		for i := 0; i < 3; i++ {
			v := uint16(800 + (j+i*7)%50)
			if v < want {
				want = v
			}
		}
		if cam.bg.pixels[j] != want {
			t.Fatalf("background[%d] = %d, want min %d", j, cam.bg.pixels[j], want)
		}
	}
}

// --- Test 5: Configuration Guard Rails ---

func TestConfigRejectedWhileStreaming(t *testing.T) {
	dev := newFakeDevice()
	cam := startDepthOnly(t, dev, func(*frame.Buffer) {})

	if err := cam.SetFrameRate(frame.Color, FrameRate15Hz); err != ErrStreaming {
		t.Errorf("SetFrameRate while streaming = %v, want ErrStreaming", err)
	}
	if err := cam.SetCompressDepthFrames(true); err != ErrStreaming {
		t.Errorf("SetCompressDepthFrames while streaming = %v, want ErrStreaming", err)
	}
	if err := cam.ResetFrameTimer(0); err != ErrStreaming {
		t.Errorf("ResetFrameTimer while streaming = %v, want ErrStreaming", err)
	}

	if err := cam.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	// Idempotent on a stopped camera.
	if err := cam.StopStreaming(); err != nil {
		t.Errorf("second StopStreaming = %v, want nil", err)
	}
	if err := cam.SetFrameRate(frame.Color, FrameRate15Hz); err != nil {
		t.Errorf("SetFrameRate after stop = %v", err)
	}
}

// --- Test 6: Mode Negotiation ---

func TestModeNegotiationSequence(t *testing.T) {
	dev := newFakeDevice()
	cam := New(dev)

	if err := cam.SetFrameSize(frame.Color, FrameSize1280x1024); err != nil {
		t.Fatalf("SetFrameSize: %v", err)
	}
	if err := cam.StartStreaming(func(*frame.Buffer) {}, func(*frame.Buffer) {}); err == nil {
		cam.StopStreaming()
		t.Fatal("1280x1024 at 30 Hz accepted; the sensor has no such mode")
	}

	if err := cam.SetFrameRate(frame.Color, FrameRate15Hz); err != nil {
		t.Fatalf("SetFrameRate: %v", err)
	}
	if err := cam.SetCompressDepthFrames(true); err != nil {
		t.Fatalf("SetCompressDepthFrames: %v", err)
	}
	if err := cam.StartStreaming(func(*frame.Buffer) {}, func(*frame.Buffer) {}); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	defer cam.StopStreaming()

	dev.mu.Lock()
	regs := append([]cmdPair(nil), dev.registers...)
	dev.mu.Unlock()

	want := []cmdPair{
		{regColorFormat, colorFormatBayer},
		{regColorResolution, resolution1280x1024},
		{regColorFPS, 15},
		{regDepthFormat, depthFormatCompressed},
		{regDepthResolution, resolution640x480},
		{regDepthFPS, 30},
		{regColorStream, streamOn},
		{regDepthStream, streamOn},
	}
	if len(regs) != len(want) {
		t.Fatalf("wrote %d registers, want %d: %v", len(regs), len(want), regs)
	}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d = %+v, want %+v", i, regs[i], want[i])
		}
	}
}

// --- Test 7: Fatal Escalation Tears the Camera Down ---

// TestFatalEscalation drives fatalBadFrameThreshold consecutive malformed
// frames through the assembler and asserts the fatal handler fires and
// tears streaming down, the way the daemon wires it.
func TestFatalEscalation(t *testing.T) {
	dev := newFakeDevice()
	fatal := make(chan error, 1)
	cam := New(dev)
	cam.SetFatalHandler(func(c *Camera, err error) {
		// Mirror the daemon's handler: stop the camera, then report.
		if serr := c.StopStreaming(); serr != nil {
			t.Errorf("StopStreaming from fatal handler: %v", serr)
		}
		fatal <- err
	})

	if err := cam.StartStreaming(func(*frame.Buffer) {}, func(*frame.Buffer) {}); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	defer cam.StopStreaming()

	ds := dev.stream(depthEndpoint)

	// Every injected frame spans two packets but ends far short of the
	// raw frame size, so each one publishes not-intact. Injection is
	// paced on the drop counter so the drops are truly consecutive.
	bad := make([]byte, 2*(depthPacketSize-pktHeaderSize))
	for i := 0; i < fatalBadFrameThreshold; i++ {
		ds.inject(depthPacketFlagBase, bad, depthPacketSize-pktHeaderSize)

		deadline := time.Now().Add(2 * time.Second)
		for cam.Stats().DepthFramesDropped < uint64(i+1) {
			if time.Now().After(deadline) {
				t.Fatalf("drop %d never observed", i+1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}

	select {
	case err := <-fatal:
		if err == nil {
			t.Fatal("fatal handler fired with nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fatal handler never fired after %d consecutive malformed frames",
			fatalBadFrameThreshold)
	}

	// The handler stopped streaming: the transfer ring is down and the
	// configuration surface is writable again.
	ds.mu.Lock()
	stopped := ds.stopped
	ds.mu.Unlock()
	if !stopped {
		t.Error("isochronous stream still running after fatal teardown")
	}
	if err := cam.SetFrameRate(frame.Color, FrameRate15Hz); err != nil {
		t.Errorf("SetFrameRate after fatal teardown = %v, want nil", err)
	}
}

// --- Test 8: 11-Bit Packing Round Trip ---

func TestUnpack11RoundTrip(t *testing.T) {
	px := make([]uint16, 211) // deliberately not a multiple of 8
	for i := range px {
		px[i] = uint16(i*37) & 0x7ff
	}
	got := make([]uint16, len(px))
	unpack11(pack11(px), got)
	for i := range px {
		if got[i] != px[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], px[i])
		}
	}
}
