package usb

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"
)

// GousbDevice implements Device on top of libusb via gousb.
type GousbDevice struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	serial string
}

// OpenBySerial opens the sensor camera interface with the given serial
// number on ctx. Devices that fail to open or to report a serial are
// skipped with a log entry, matching enumeration of half-claimed buses.
func OpenBySerial(ctx *gousb.Context, serial string) (*GousbDevice, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
	})
	// OpenDevices can return both devices and an error; inspect what we got
	// before giving up.
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usb: enumerate devices: %w", err)
	}
	if err != nil {
		slog.Warn("usb: some devices failed to open, skipping them", "error", err)
	}

	var found *gousb.Device
	for _, d := range devs {
		sn, serr := d.SerialNumber()
		if serr != nil {
			slog.Warn("usb: cannot read serial number, skipping device", "error", serr)
			d.Close()
			continue
		}
		if sn == serial && found == nil {
			found = d
			continue
		}
		d.Close()
	}
	if found == nil {
		return nil, fmt.Errorf("usb: no camera with serial %q on bus", serial)
	}

	if err := found.SetAutoDetach(true); err != nil {
		slog.Warn("usb: auto-detach not supported", "serial", serial, "error", err)
	}

	cfg, err := found.Config(1)
	if err != nil {
		found.Close()
		return nil, fmt.Errorf("usb: claim configuration: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		found.Close()
		return nil, fmt.Errorf("usb: claim interface: %w", err)
	}

	return &GousbDevice{dev: found, cfg: cfg, intf: intf, serial: serial}, nil
}

// ControlOut implements Device.
func (d *GousbDevice) ControlOut(request uint8, value, index uint16, data []byte) error {
	_, err := d.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		request, value, index, data)
	if err != nil {
		return mapControlErr(err)
	}
	return nil
}

// ControlIn implements Device.
func (d *GousbDevice) ControlIn(request uint8, value, index uint16, data []byte) (int, error) {
	n, err := d.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice,
		request, value, index, data)
	if err != nil {
		return 0, mapControlErr(err)
	}
	return n, nil
}

func mapControlErr(err error) error {
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.ErrorNotFound) {
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	return err
}

// Serial implements Device.
func (d *GousbDevice) Serial() string { return d.serial }

// Close implements Device.
func (d *GousbDevice) Close() error {
	d.intf.Close()
	if err := d.cfg.Close(); err != nil {
		d.dev.Close()
		return err
	}
	return d.dev.Close()
}

// gousbIsoStream runs one transfer ring via a gousb read stream.
type gousbIsoStream struct {
	rs     *gousb.ReadStream
	cfg    IsoConfig
	active atomic.Int32

	stopOnce sync.Once
	done     chan struct{}
}

// StartIsoStream implements Device.
func (d *GousbDevice) StartIsoStream(cfg IsoConfig, fn PacketFunc) (IsoStream, error) {
	ep, err := d.intf.InEndpoint(int(cfg.Endpoint & 0x0f))
	if err != nil {
		return nil, fmt.Errorf("usb: open endpoint 0x%02x: %w", cfg.Endpoint, err)
	}

	rs, err := ep.NewStream(cfg.PacketSize*cfg.PacketsPerTransfer, cfg.NumTransfers)
	if err != nil {
		return nil, fmt.Errorf("usb: submit transfer ring: %w", err)
	}

	s := &gousbIsoStream{rs: rs, cfg: cfg, done: make(chan struct{})}
	s.active.Store(int32(cfg.NumTransfers))

	go s.readLoop(fn)
	return s, nil
}

// readLoop drains the stream, slicing each transfer into its isochronous
// packets. Runs until the stream is closed by Stop.
func (s *gousbIsoStream) readLoop(fn PacketFunc) {
	defer close(s.done)
	defer s.active.Store(0)

	buf := make([]byte, s.cfg.PacketSize*s.cfg.PacketsPerTransfer)
	for {
		n, err := s.rs.Read(buf)
		if n > 0 {
			for off := 0; off < n; off += s.cfg.PacketSize {
				end := off + s.cfg.PacketSize
				if end > n {
					end = n
				}
				fn(buf[off:end])
			}
		}
		if err != nil {
			// Closed streams and cancelled transfers are the normal
			// shutdown path, not failures.
			slog.Debug("usb: iso stream read ended", "error", err)
			return
		}
	}
}

// Stop implements IsoStream.
func (s *gousbIsoStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.rs.Close()
		<-s.done
	})
	return err
}

// ActiveTransfers implements IsoStream.
func (s *gousbIsoStream) ActiveTransfers() int {
	return int(s.active.Load())
}
