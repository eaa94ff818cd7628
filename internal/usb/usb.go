// Package usb abstracts the slice of USB the camera driver needs: vendor
// control transfers on the default endpoint and isochronous IN streaming.
//
// The driver is written against the Device interface so the streaming and
// decoding machinery can be exercised with an emulated device; the gousb
// implementation binds it to real hardware.
package usb

import "errors"

// Vendor and product IDs of the sensor's camera interface.
const (
	VendorID  = 0x045e
	ProductID = 0x02ae
)

// ErrDeviceLost reports that the device disappeared from the bus; surfaced
// by the next control operation after a disconnect.
var ErrDeviceLost = errors.New("usb: device lost")

// IsoConfig describes one isochronous transfer ring.
type IsoConfig struct {
	// Endpoint is the isochronous IN endpoint address.
	Endpoint uint8

	// PacketSize is the isochronous packet size in bytes.
	PacketSize int

	// PacketsPerTransfer is the number of packets submitted per transfer.
	PacketsPerTransfer int

	// NumTransfers is the transfer ring size, chosen to absorb one full
	// frame's worth of packet bursts.
	NumTransfers int
}

// PacketFunc receives one isochronous packet. Called from the transport's
// event goroutine; the packet buffer is only valid for the duration of the
// call.
type PacketFunc func(pkt []byte)

// IsoStream is a running isochronous transfer ring.
type IsoStream interface {
	// Stop cancels in-flight transfers and blocks until every transfer
	// has resolved and the event goroutine has exited. Cancellation is
	// not an error. Idempotent.
	Stop() error

	// ActiveTransfers reports the number of in-flight transfers;
	// zero after Stop returns.
	ActiveTransfers() int
}

// Device is a camera-grade USB device handle.
type Device interface {
	// ControlOut performs a vendor OUT control transfer.
	ControlOut(request uint8, value, index uint16, data []byte) error

	// ControlIn performs a vendor IN control transfer; returns the number
	// of bytes the device produced (0 when no reply is pending yet).
	ControlIn(request uint8, value, index uint16, data []byte) (int, error)

	// StartIsoStream submits the transfer ring and starts delivering
	// packets to fn.
	StartIsoStream(cfg IsoConfig, fn PacketFunc) (IsoStream, error)

	// Serial returns the device's serial-number string.
	Serial() string

	// Close releases the device handle. Streams must be stopped first.
	Close() error
}
