package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff"
	"go.uber.org/atomic"

	"github.com/mzyy94/esci2bridge/internal/esci2"
	"github.com/mzyy94/esci2bridge/internal/transport"
)

// Page is one decoded image of a batch.
type Page struct {
	Index int // 1-based, in delivery order
	Side  esci2.Side
	Image image.Image
}

// Scanner is a high-level handle on one ESC/I-2 device.
type Scanner struct {
	name    string
	address string
	dev     *esci2.Device

	mu        sync.Mutex // serializes device exchanges
	connected *atomic.Bool
	scanning  *atomic.Bool
	adfLoaded *atomic.Bool // last known feeder state

	smu     sync.Mutex
	session *esci2.Session
}

// New wraps an open transport. address is only used for display and
// identity.
func New(t transport.Transport, name, address string, opts esci2.Options) *Scanner {
	return &Scanner{
		name:      name,
		address:   address,
		dev:       esci2.NewDevice(t, opts),
		connected: atomic.NewBool(false),
		scanning:  atomic.NewBool(false),
		adfLoaded: atomic.NewBool(false),
	}
}

// Connect negotiates the device capabilities.
func (s *Scanner) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("connecting to scanner", "address", s.address)
	caps, err := s.dev.NegotiateCapabilities()
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	if s.name == "" {
		s.name = caps.Model
	}
	s.connected.Store(true)
	slog.Info("connected to scanner", "name", s.name, "serial", caps.Serial)
	return nil
}

// Scan runs a full batch with p and returns every non-empty page. onPage,
// when set, is called as each page completes. Cancelling ctx stops the batch
// at the next device exchange; the pages finished so far are returned with
// the error.
func (s *Scanner) Scan(ctx context.Context, p esci2.ScanParams, onPage func(Page)) ([]Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return nil, fmt.Errorf("scanner not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w: %w", esci2.ErrCancelled, err)
	}

	sess := s.dev.NewSession()
	s.setSession(sess)
	s.scanning.Store(true)
	stop := context.AfterFunc(ctx, sess.Cancel)
	defer func() {
		stop()
		s.setSession(nil)
		if err := sess.Close(); err != nil {
			slog.Warn("session close failed", "err", err)
		}
		s.scanning.Store(false)
	}()

	var pages []Page
	err := sess.Start(p)
	for err == nil {
		var page Page
		page, err = s.readPage(ctx, sess, len(pages)+1)
		if err != nil {
			break
		}
		if page.Image != nil {
			pages = append(pages, page)
			if onPage != nil {
				onPage(page)
			}
		}
		err = sess.Start(p)
	}

	switch {
	case errors.Is(err, esci2.ErrEndOfScan):
		s.adfLoaded.Store(false)
		slog.Info("scan complete", "pages", len(pages))
		return pages, nil
	case p.Source == esci2.SourceFeeder && len(pages) > 0 && errors.Is(err, esci2.ErrNoDocument):
		// some feeders report an empty tray instead of ending the batch
		s.adfLoaded.Store(false)
		slog.Info("scan complete, feeder empty", "pages", len(pages))
		return pages, nil
	case ctx.Err() != nil:
		return pages, fmt.Errorf("scan: %w: %w", esci2.ErrCancelled, ctx.Err())
	}
	return pages, fmt.Errorf("scan: %w", err)
}

// readPage drains the current page and decodes it. A page that produced no
// data yields a Page without an image.
func (s *Scanner) readPage(ctx context.Context, sess *esci2.Session, index int) (Page, error) {
	opts := s.dev.Options()
	busy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.BusyDelay), uint64(opts.BusyAttempts)),
		ctx,
	)

	var (
		data []byte
		info esci2.PageInfo
		buf  = make([]byte, max(64<<10, sess.Page().BytesPerLine))
	)
	for {
		var (
			n    int
			rerr error
		)
		err := backoff.Retry(func() error {
			n, rerr = sess.Read(buf)
			if errors.Is(rerr, esci2.ErrDeviceBusy) {
				slog.Debug("device busy, waiting", "page", index)
				return rerr
			}
			return nil
		}, busy)
		if err != nil {
			return Page{}, err
		}
		if n > 0 {
			info = sess.Page()
			data = append(data, buf[:n]...)
		}
		switch {
		case rerr == nil:
			continue
		case rerr == io.EOF:
		case errors.Is(rerr, io.ErrShortBuffer):
			// the device announced wider lines at page start
			buf = make([]byte, sess.Page().BytesPerLine)
			continue
		default:
			return Page{}, rerr
		}
		break
	}

	page := Page{Index: index, Side: info.Side}
	if len(data) == 0 {
		slog.Debug("empty page skipped", "index", index)
		return page, nil
	}
	img, err := decodeImage(info, data)
	if err != nil {
		return Page{}, fmt.Errorf("page %d: %w", index, err)
	}
	page.Image = img
	slog.Info("page received", "index", index, "side", info.Side, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return page, nil
}

// decodeImage builds an image from whole lines of session output.
func decodeImage(info esci2.PageInfo, data []byte) (image.Image, error) {
	bpl := info.BytesPerLine
	if bpl <= 0 || info.Width <= 0 {
		return nil, fmt.Errorf("page without line layout")
	}
	lines := len(data) / bpl
	if lines == 0 {
		return nil, fmt.Errorf("page shorter than one line")
	}
	r := image.Rect(0, 0, info.Width, lines)

	switch {
	case info.Channels == 3 && info.Depth == 8:
		img := image.NewRGBA(r)
		for y := range lines {
			row := data[y*bpl:]
			for x := range info.Width {
				img.SetRGBA(x, y, color.RGBA{row[3*x], row[3*x+1], row[3*x+2], 0xff})
			}
		}
		return img, nil
	case info.Channels == 3 && info.Depth == 16:
		img := image.NewRGBA64(r)
		for y := range lines {
			row := data[y*bpl:]
			for x := range info.Width {
				o := 6 * x
				img.SetRGBA64(x, y, color.RGBA64{
					R: uint16(row[o])<<8 | uint16(row[o+1]),
					G: uint16(row[o+2])<<8 | uint16(row[o+3]),
					B: uint16(row[o+4])<<8 | uint16(row[o+5]),
					A: 0xffff,
				})
			}
		}
		return img, nil
	case info.Channels == 1 && info.Depth == 8:
		img := image.NewGray(r)
		for y := range lines {
			copy(img.Pix[y*img.Stride:], data[y*bpl:y*bpl+info.Width])
		}
		return img, nil
	case info.Channels == 1 && info.Depth == 16:
		img := image.NewGray16(r)
		for y := range lines {
			row := data[y*bpl:]
			for x := range info.Width {
				img.SetGray16(x, y, color.Gray16{Y: uint16(row[2*x])<<8 | uint16(row[2*x+1])})
			}
		}
		return img, nil
	case info.Channels == 1 && info.Depth == 1:
		// set bits are black
		img := image.NewGray(r)
		for y := range lines {
			row := data[y*bpl:]
			for x := range info.Width {
				if row[x/8]&(0x80>>(x%8)) == 0 {
					img.Pix[y*img.Stride+x] = 0xff
				}
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported layout: %d channels at %d bits", info.Channels, info.Depth)
}

// ADFLoaded reports whether the feeder holds paper. While a scan runs the
// last known state is returned without touching the device.
func (s *Scanner) ADFLoaded() (bool, error) {
	if !s.mu.TryLock() {
		return s.adfLoaded.Load(), nil
	}
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return false, fmt.Errorf("scanner not connected")
	}
	err := s.dev.Stat()
	switch {
	case err == nil:
		s.adfLoaded.Store(true)
	case errors.Is(err, esci2.ErrNoDocument):
		s.adfLoaded.Store(false)
	default:
		return false, fmt.Errorf("status: %w", err)
	}
	return s.adfLoaded.Load(), nil
}

// Cancel stops a running scan. It does nothing when the scanner is idle.
func (s *Scanner) Cancel() {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.session != nil {
		s.session.Cancel()
	}
}

func (s *Scanner) setSession(sess *esci2.Session) {
	s.smu.Lock()
	s.session = sess
	s.smu.Unlock()
}

// Scanning reports whether a batch is in progress.
func (s *Scanner) Scanning() bool { return s.scanning.Load() }

// Disconnect releases the device.
func (s *Scanner) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected.Store(false)
	if err := s.dev.Close(); err != nil {
		return err
	}
	slog.Info("disconnected from scanner", "name", s.name)
	return nil
}

// Name returns the device name, the model after Connect unless one was given.
func (s *Scanner) Name() string { return s.name }

// Address returns the device address.
func (s *Scanner) Address() string { return s.address }

// Capabilities returns the negotiated model, nil before Connect.
func (s *Scanner) Capabilities() *esci2.Capabilities { return s.dev.Capabilities() }

// Connected returns whether the capabilities were negotiated.
func (s *Scanner) Connected() bool { return s.connected.Load() }
