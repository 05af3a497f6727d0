package esci2

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mzyy94/esci2bridge/internal/ringbuf"
	"github.com/mzyy94/esci2bridge/internal/transport"
)

// Options tunes the engine. Zero fields take the defaults.
type Options struct {
	BusyAttempts int           // total attempts of a query answered with nrdBUSY
	BusyDelay    time.Duration // pause between busy attempts
	MaxAlloc     int           // largest trailing block the framer allocates
	MaxRing      int           // upper bound a page ring may grow to
	FillBlock    int           // bytes pulled per decompressor fill
}

// DefaultMaxRing bounds page ring growth.
const DefaultMaxRing = 256 << 20

func (o Options) withDefaults() Options {
	if o.BusyAttempts <= 0 {
		o.BusyAttempts = DefaultBusyAttempts
	}
	if o.BusyDelay <= 0 {
		o.BusyDelay = DefaultBusyDelay
	}
	if o.MaxAlloc <= 0 {
		o.MaxAlloc = DefaultMaxAlloc
	}
	if o.MaxRing <= 0 {
		o.MaxRing = DefaultMaxRing
	}
	if o.FillBlock <= 0 {
		o.FillBlock = DecompressBlockSize
	}
	return o
}

// Device is one ESC/I-2 scanner reachable over a transport. It owns the
// framer and, after negotiation, the capability model. A Device serves one
// session at a time.
type Device struct {
	t      transport.Transport
	framer *Framer
	opts   Options
	caps   *Capabilities
}

// NewDevice wraps t. The device takes ownership of t and closes it in Close.
func NewDevice(t transport.Transport, opts Options) *Device {
	opts = opts.withDefaults()
	return &Device{
		t:      t,
		framer: NewFramer(t, opts.MaxAlloc),
		opts:   opts,
	}
}

// Capabilities returns the negotiated model, nil before NegotiateCapabilities.
func (d *Device) Capabilities() *Capabilities { return d.caps }

// Options returns the effective options.
func (d *Device) Options() Options { return d.opts }

// NegotiateCapabilities queries INFO, CAPA, CAPB when the feeder is duplex,
// and RESA. INFO is repeated while the device answers busy. The result is
// cached; later calls return it without talking to the device.
func (d *Device) NegotiateCapabilities() (*Capabilities, error) {
	if d.caps != nil {
		return d.caps, nil
	}
	c := NewCapabilities()

	err := d.retryBusy("INFO", func() error {
		*c = *NewCapabilities()
		return d.Info(c)
	})
	if err != nil {
		return nil, err
	}
	if err := d.Capa(c); err != nil {
		return nil, err
	}
	if c.Feeder.Duplex {
		if err := d.CapaBack(c); err != nil {
			// older firmware rejects CAPB; the front capabilities apply
			slog.Debug("capb failed", "err", err)
		}
	}
	if err := d.Resa(c); err != nil {
		slog.Debug("resa failed", "err", err)
	}

	slog.Info("capabilities negotiated",
		"model", c.Model,
		"serial", c.Serial,
		"resolutions", c.Resolutions,
		"feeder", c.HasSource(SourceFeeder),
		"duplex", c.Feeder.Duplex,
		"jpeg", c.JPEG,
		"block_size", c.BlockSize,
	)
	d.caps = c
	return c, nil
}

// retryBusy runs op until it stops reporting ErrDeviceBusy or the attempts
// are spent. Any other error ends the retries.
func (d *Device) retryBusy(name string, op func() error) error {
	attempt := 0
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.opts.BusyDelay), uint64(d.opts.BusyAttempts-1))
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if errors.Is(err, ErrDeviceBusy) {
			slog.Debug("device busy", "cmd", name, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, b)
}

// Info runs INFO into c.
func (d *Device) Info(c *Capabilities) error {
	_, err := d.framer.Execute(CmdInfo, nil, InfoVisitor(c))
	return err
}

// Capa runs CAPA into c.
func (d *Device) Capa(c *Capabilities) error {
	_, err := d.framer.Execute(CmdCapa, nil, CapaVisitor(c))
	return err
}

// CapaBack runs CAPB (back side capabilities) into c.
func (d *Device) CapaBack(c *Capabilities) error {
	_, err := d.framer.Execute(CmdCapaBack, nil, CapaVisitor(c))
	return err
}

// Resa runs RESA into c.
func (d *Device) Resa(c *Capabilities) error {
	_, err := d.framer.Execute(CmdResa, nil, ResaVisitor(c))
	return err
}

// Stat queries the device status and maps reported errors.
func (d *Device) Stat() error {
	_, err := d.framer.Execute(CmdStat, nil, StatVisitor())
	return err
}

// Para sends an encoded parameter string.
func (d *Device) Para(params string) error {
	_, err := d.framer.Execute(CodePara, []byte(params), ParaVisitor())
	return err
}

// Trdt switches the device into the data phase.
func (d *Device) Trdt() error {
	_, err := d.framer.Execute(CmdTrdt, nil, nil)
	return err
}

// Mech sends a mechanical control string such as "#ADFEJCT".
func (d *Device) Mech(params string) error {
	_, err := d.framer.Execute(CodeMech, []byte(params), nil)
	return err
}

// Can acknowledges a cancel.
func (d *Device) Can() error {
	_, err := d.framer.Execute(CmdCan, nil, nil)
	return err
}

// Fin ends the data phase and releases the device.
func (d *Device) Fin() error {
	_, err := d.framer.Execute(CmdFin, nil, nil)
	return err
}

// image runs one IMG exchange into ev.
func (d *Device) image(ev *ImageEvents) (*Reply, error) {
	limit := 0
	if d.caps != nil {
		limit = d.caps.BlockSize
	}
	return d.framer.ExecuteImage(ev.Visitor(), limit)
}

// Close releases the transport.
func (d *Device) Close() error {
	if err := d.t.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// newRing allocates a page ring holding one device block. Sessions grow it
// up to MaxRing when a side has to hold more.
func (d *Device) newRing() *ringbuf.Ring {
	size := DefaultBlockSize
	if d.caps != nil && d.caps.BlockSize > 0 {
		size = d.caps.BlockSize
	}
	return ringbuf.New(min(size, d.opts.MaxRing))
}
