package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gousb"
)

// EpsonVendorID is the USB vendor ID of Epson devices.
const EpsonVendorID gousb.ID = 0x04b8

// USB carries ESC/I-2 over a pair of bulk endpoints.
type USB struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	done    func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	timeout time.Duration
}

// OpenUSB opens the first device matching vid:pid. A zero pid matches any
// product of the vendor.
func OpenUSB(vid, pid gousb.ID, timeout time.Duration) (*USB, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && (pid == 0 || desc.Product == pid)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb enumerate: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("usb device %s:%s not found", vid, pid)
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		slog.Debug("usb auto detach unavailable", "err", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usb claim interface: %w", err)
	}

	t := &USB{ctx: ctx, dev: dev, done: done, timeout: timeout}
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && t.in == nil:
			t.in, err = intf.InEndpoint(ep.Number)
		case ep.Direction == gousb.EndpointDirectionOut && t.out == nil:
			t.out, err = intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("usb open endpoint %s: %w", ep, err)
		}
	}
	if t.in == nil || t.out == nil {
		t.Close()
		return nil, errors.New("usb: device has no bulk endpoint pair")
	}
	slog.Debug("usb transport opened", "device", dev.Desc.String(), "in", t.in.Desc.Address, "out", t.out.Desc.Address)
	return t, nil
}

// Send performs one bulk OUT transfer.
func (t *USB) Send(p []byte) (int, error) {
	if t.out == nil {
		return 0, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.out.WriteContext(ctx, p)
	if err != nil {
		return n, t.wrap("usb send", err)
	}
	return n, nil
}

// Recv performs one bulk IN transfer. The device may end it early with a
// short packet; the returned count tells.
func (t *USB) Recv(p []byte) (int, error) {
	if t.in == nil {
		return 0, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, p)
	if err != nil {
		return n, t.wrap("usb recv", err)
	}
	return n, nil
}

// Close releases the interface, the device and the libusb context.
func (t *USB) Close() error {
	t.in, t.out = nil, nil
	if t.done != nil {
		t.done()
		t.done = nil
	}
	var err error
	if t.dev != nil {
		err = t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		if cerr := t.ctx.Close(); err == nil {
			err = cerr
		}
		t.ctx = nil
	}
	return err
}

func (t *USB) wrap(op string, err error) error {
	if IsTimeout(err) || errors.Is(err, gousb.TransferTimedOut) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
