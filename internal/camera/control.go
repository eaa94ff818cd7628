package camera

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/e7canasta/depthcast/internal/frame"
)

// Vendor control protocol. Messages travel as little-endian 16-bit words
// over vendor control transfers on the default endpoint:
//
//	out:  magic 0x4d47, payload length in words, message type, sequence,
//	      payload words
//	in:   magic 0x4252, payload length in words, message type, sequence,
//	      payload words
//
// The reply echoes the sequence number for correlation; replies are polled
// with IN transfers until the device produces one.
const (
	ctlMagicOut = 0x4d47
	ctlMagicIn  = 0x4252

	ctlHeaderWords = 4
	ctlMaxReply    = 512

	// msgSetRegister writes one 16-bit register; the reply carries a
	// single status word, zero on success.
	msgSetRegister = 0x0003

	replyPollInterval = 1 * time.Millisecond
	replyPollLimit    = 1000
)

// Camera registers driven during mode negotiation.
const (
	regColorFormat     = 0x0c
	regColorResolution = 0x0d
	regColorFPS        = 0x0e
	regColorStream     = 0x05

	regDepthFormat     = 0x12
	regDepthResolution = 0x13
	regDepthFPS        = 0x14
	regDepthStream     = 0x06
)

// Register values. The depth format selects packed 11-bit samples or the
// sensor's RLE/differential compressed stream.
const (
	colorFormatBayer = 0x00

	depthFormat11Bit      = 0x03
	depthFormatCompressed = 0x02

	resolution640x480   = 0x01
	resolution1280x1024 = 0x02

	streamOff = 0x00
	streamOn  = 0x01
)

var errProtocol = errors.New("camera: control protocol error")

// sendMessage frames and sends one control message, then polls for the
// correlated reply. Copies the reply payload into reply and returns the
// number of bytes copied.
func (c *Camera) sendMessage(msgType uint16, data []uint16, reply []byte) (int, error) {
	c.seq++
	seq := c.seq

	out := make([]byte, 2*(ctlHeaderWords+len(data)))
	binary.LittleEndian.PutUint16(out[0:], ctlMagicOut)
	binary.LittleEndian.PutUint16(out[2:], uint16(len(data)))
	binary.LittleEndian.PutUint16(out[4:], msgType)
	binary.LittleEndian.PutUint16(out[6:], seq)
	for i, w := range data {
		binary.LittleEndian.PutUint16(out[2*(ctlHeaderWords+i):], w)
	}

	if err := c.dev.ControlOut(0x00, 0, 0, out); err != nil {
		return 0, fmt.Errorf("camera: send control message 0x%04x: %w", msgType, err)
	}

	// The device answers asynchronously; poll until a reply shows up.
	in := make([]byte, ctlMaxReply)
	var n int
	for attempt := 0; ; attempt++ {
		var err error
		n, err = c.dev.ControlIn(0x00, 0, 0, in)
		if err != nil {
			return 0, fmt.Errorf("camera: read control reply 0x%04x: %w", msgType, err)
		}
		if n > 0 {
			break
		}
		if attempt >= replyPollLimit {
			return 0, fmt.Errorf("%w: no reply to message 0x%04x", errProtocol, msgType)
		}
		time.Sleep(replyPollInterval)
	}

	if n < 2*ctlHeaderWords {
		return 0, fmt.Errorf("%w: short reply (%d bytes)", errProtocol, n)
	}
	if m := binary.LittleEndian.Uint16(in[0:]); m != ctlMagicIn {
		return 0, fmt.Errorf("%w: bad reply magic 0x%04x", errProtocol, m)
	}
	if s := binary.LittleEndian.Uint16(in[6:]); s != seq {
		return 0, fmt.Errorf("%w: reply sequence %d, want %d", errProtocol, s, seq)
	}

	payload := in[2*ctlHeaderWords : n]
	copy(reply, payload)
	if len(payload) > len(reply) {
		return len(reply), nil
	}
	return len(payload), nil
}

// sendCommand writes one register and returns true iff the device reports
// success.
func (c *Camera) sendCommand(reg, value uint16) (bool, error) {
	var reply [2]byte
	n, err := c.sendMessage(msgSetRegister, []uint16{reg, value}, reply[:])
	if err != nil {
		return false, err
	}
	if n < 2 {
		return false, fmt.Errorf("%w: register reply %d bytes", errProtocol, n)
	}
	return binary.LittleEndian.Uint16(reply[:]) == 0, nil
}

// setRegister wraps sendCommand with the fail-on-status policy used during
// negotiation.
func (c *Camera) setRegister(reg, value uint16) error {
	ok, err := c.sendCommand(reg, value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("camera: device rejected register 0x%02x = 0x%02x", reg, value)
	}
	return nil
}

type cmdPair struct{ reg, val uint16 }

// modeCommands is the full negotiation sequence for the selected modes.
// The (size, rate) → command mapping is fixed sensor behavior; there is no
// entry for 1280×1024 color above 15 Hz.
func (c *Camera) modeCommands() []cmdPair {
	colorRes := uint16(resolution640x480)
	if c.frameSizes[frame.Color] == FrameSize1280x1024 {
		colorRes = resolution1280x1024
	}
	depthFormat := uint16(depthFormat11Bit)
	if c.compressDepth {
		depthFormat = depthFormatCompressed
	}
	return []cmdPair{
		{regColorFormat, colorFormatBayer},
		{regColorResolution, colorRes},
		{regColorFPS, uint16(c.frameRates[frame.Color].Hz())},
		{regDepthFormat, depthFormat},
		{regDepthResolution, resolution640x480},
		{regDepthFPS, uint16(c.frameRates[frame.Depth].Hz())},
	}
}

// negotiateModes pushes the selected resolution, rate and compression
// settings to the sensor. Called with c.mu held, before the transfer rings
// are submitted.
func (c *Camera) negotiateModes() error {
	for _, p := range c.modeCommands() {
		if err := c.setRegister(p.reg, p.val); err != nil {
			return err
		}
	}
	return nil
}

// startStreams enables both image streams. Called with c.mu held, after
// the transfer rings are live so no packets are lost.
func (c *Camera) startStreams() error {
	if err := c.setRegister(regColorStream, streamOn); err != nil {
		return err
	}
	if err := c.setRegister(regDepthStream, streamOn); err != nil {
		// Leave a half-started sensor consistent.
		if _, serr := c.sendCommand(regColorStream, streamOff); serr != nil {
			c.log.Warn("camera: disabling color stream after failed start", "error", serr)
		}
		return err
	}
	return nil
}

// stopStreams disables both image streams. Called with c.mu held.
func (c *Camera) stopStreams() error {
	var first error
	if _, err := c.sendCommand(regColorStream, streamOff); err != nil {
		first = err
	}
	if _, err := c.sendCommand(regDepthStream, streamOff); err != nil && first == nil {
		first = err
	}
	return first
}
