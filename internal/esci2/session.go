package esci2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"

	"github.com/mzyy94/esci2bridge/internal/ringbuf"
)

// State is the acquisition state of a Session.
type State int

const (
	StateIdle State = iota
	StateParametersResolved
	StateScanning
	StatePageBoundary
	StateFinished
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateParametersResolved: "parameters-resolved",
	StateScanning:           "scanning",
	StatePageBoundary:       "page-boundary",
	StateFinished:           "finished",
	StateCancelled:          "cancelled",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// PageInfo describes the page a Session is delivering.
type PageInfo struct {
	Index        int // 1-based
	Side         Side
	Width        int // pixels per line
	Height       int // lines, 0 until known
	Channels     int
	Depth        int
	BytesPerLine int
}

// side is the per-side half of a duplex acquisition.
type side struct {
	ring      *ringbuf.Ring
	lineBytes int
	width     int
	height    int
	dummy     int
	ended     bool // page end seen for the page in ring
}

// Session drives one acquisition on a Device: PARA and TRDT to begin, IMG
// exchanges while the caller reads, CAN and FIN to end. Front and back
// images of a duplex sheet are buffered separately.
//
// A Session is used from one goroutine; only Cancel may be called
// concurrently.
type Session struct {
	dev  *Device
	opts Options

	state  State
	err    error // terminal error in StateFailed
	params ScanParams
	geom   Geometry

	page   int
	active Side
	sides  [2]side

	locked   bool // PARA accepted, FIN owed
	scanning bool // data phase active, cleared by device errors
	scanEnd  bool // device has no more sheets
	canSent  bool
	closed   bool
	cancel   *atomic.Bool

	decoder *jpegPage
	rate    *ratecounter.RateCounter
	bytes   int64 // delivered on the current page
}

// NewSession prepares a session. Capabilities must have been negotiated.
func (d *Device) NewSession() *Session {
	return &Session{
		dev:    d,
		opts:   d.opts,
		cancel: atomic.NewBool(false),
		rate:   ratecounter.NewRateCounter(time.Second),
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Params returns the parameters the session was started with.
func (s *Session) Params() ScanParams { return s.params }

// Geometry returns the resolved geometry.
func (s *Session) Geometry() Geometry { return s.geom }

// Rate returns the device transfer rate in bytes per second.
func (s *Session) Rate() int64 { return s.rate.Rate() }

// Err returns the error that failed the session.
func (s *Session) Err() error { return s.err }

// Page describes the current page.
func (s *Session) Page() PageInfo {
	sd := &s.sides[s.active]
	info := PageInfo{
		Index:        s.page,
		Side:         s.active,
		Width:        sd.width,
		Height:       sd.height,
		Channels:     s.geom.Channels,
		Depth:        s.geom.Depth,
		BytesPerLine: sd.lineBytes,
	}
	if s.decoder != nil && s.decoder.img != nil {
		b := s.decoder.img.Bounds()
		info.Width, info.Height = b.Dx(), b.Dy()
		info.Channels = s.decoder.channels
		info.BytesPerLine = b.Dx() * s.decoder.channels
	}
	return info
}

// Cancel asks the session to stop at the next device exchange. Data already
// buffered can still be read. Safe to call from any goroutine.
func (s *Session) Cancel() {
	if s.cancel.CAS(false, true) {
		slog.Info("scan cancel requested", "page", s.page)
	}
}

// Start begins the first page or moves to the next one. The first call
// resolves p against the capabilities and sends PARA and TRDT; later calls
// ignore p and select the next page from data the device already sent or is
// about to send. After the last sheet it returns ErrEndOfScan.
func (s *Session) Start(p ScanParams) error {
	switch s.state {
	case StateIdle:
		return s.begin(p)
	case StatePageBoundary:
		return s.nextPage()
	case StateFinished:
		return ErrEndOfScan
	case StateCancelled:
		return ErrCancelled
	case StateFailed:
		return s.err
	}
	return fmt.Errorf("start in state %s: %w", s.state, ErrSessionState)
}

func (s *Session) begin(p ScanParams) error {
	if s.closed {
		return fmt.Errorf("start on closed session: %w", ErrSessionState)
	}
	g, err := p.Resolve(s.dev.caps)
	if err != nil {
		return err
	}
	s.params, s.geom = p, g
	s.state = StateParametersResolved

	for i := range s.sides {
		s.sides[i] = side{
			ring:      s.dev.newRing(),
			lineBytes: g.BytesPerLine,
			width:     g.PixelsPerLine,
		}
	}
	s.page = 1
	s.active = Front

	blockSize := 0
	if s.dev.caps != nil {
		blockSize = s.dev.caps.BlockSize
	}
	if err := s.dev.Para(p.Encode(g, blockSize)); err != nil {
		if errors.Is(err, ErrInvalidParameters) {
			s.state = StateIdle
			return fmt.Errorf("start: %w", err)
		}
		return s.fail(fmt.Errorf("start: %w", err))
	}
	s.locked = true
	if err := s.dev.Trdt(); err != nil {
		return s.fail(fmt.Errorf("start: %w", err))
	}
	s.scanning = true
	s.state = StateScanning
	slog.Info("scan started",
		"source", p.Source,
		"mode", p.Mode,
		"resolution", p.Resolution,
		"duplex", p.Duplex,
		"format", p.Format,
		"width", g.PixelsPerLine,
		"lines", g.Lines,
	)
	return nil
}

func (s *Session) nextPage() error {
	if s.params.Source != SourceFeeder {
		s.state = StateFinished
		return ErrEndOfScan
	}
	s.page++
	s.active = Front
	if s.params.Duplex && s.page%2 == 0 {
		s.active = Back
	}
	sd := &s.sides[s.active]
	if s.scanEnd && sd.ring.Available() == 0 && !sd.ended {
		s.state = StateFinished
		slog.Info("scan finished", "pages", s.page-1)
		return ErrEndOfScan
	}
	if s.cancel.Load() {
		s.state = StateCancelled
		return ErrCancelled
	}
	s.state = StateScanning
	slog.Debug("page selected", "page", s.page, "side", s.active, "buffered", sd.ring.Available())
	return nil
}

// Read fills p with image bytes of the current page. Raw pages are served in
// whole lines, so p must hold at least one line. Read returns io.EOF at the
// end of the page; call Start for the next one.
func (s *Session) Read(p []byte) (int, error) {
	switch s.state {
	case StateScanning, StateCancelled:
	case StatePageBoundary:
		return 0, io.EOF
	case StateFinished:
		return 0, ErrEndOfScan
	case StateFailed:
		return 0, s.err
	default:
		return 0, fmt.Errorf("read in state %s: %w", s.state, ErrSessionState)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.params.Format == FormatJPEG {
		return s.readCompressed(p)
	}
	return s.readRaw(p)
}

func (s *Session) readRaw(p []byte) (int, error) {
	for {
		sd := &s.sides[s.active]
		if len(p) < sd.lineBytes {
			return 0, io.ErrShortBuffer
		}
		n := extractLines(sd.ring, p, sd.lineBytes, sd.dummy, s.geom.Depth == 1)
		if n > 0 {
			s.bytes += int64(n)
			return n, nil
		}
		if sd.ended {
			s.finishPage()
			return 0, io.EOF
		}
		if err := s.fetch(); err != nil {
			return 0, err
		}
	}
}

func (s *Session) readCompressed(p []byte) (int, error) {
	if s.decoder == nil {
		// the decoder cannot wait for device I/O, so the whole page is
		// buffered first
		for !s.sides[s.active].ended {
			if err := s.fetch(); err != nil {
				return 0, err
			}
		}
		s.decoder = newJPEGPage(newRingSource(s.sides[s.active].ring, s.opts.FillBlock))
	}
	n, err := s.decoder.Read(p)
	switch {
	case err == io.EOF:
		s.finishPage()
		return 0, io.EOF
	case err != nil:
		return 0, s.fail(err)
	}
	s.bytes += int64(n)
	return n, nil
}

// fetch runs one IMG exchange and files its data under the side it belongs
// to.
func (s *Session) fetch() error {
	if s.state == StateCancelled || s.cancel.Load() {
		s.state = StateCancelled
		return ErrCancelled
	}
	if s.scanEnd {
		s.state = StateFinished
		return ErrEndOfScan
	}

	var ev ImageEvents
	rep, err := s.dev.image(&ev)
	if rep != nil && len(rep.Data) > 0 {
		s.rate.Incr(int64(len(rep.Data)))
		if werr := s.store(ev.Side, rep.Data); werr != nil {
			return s.fail(werr)
		}
	}
	sd := &s.sides[ev.Side]
	if ev.PageStart {
		sd.dummy = ev.Dummy
		if ev.Width > 0 && s.params.Format == FormatRaw {
			sd.width = ev.Width
			sd.lineBytes = ev.Width * s.geom.Channels * s.geom.Depth / 8
		}
		sd.height = ev.Height
	}
	if ev.PageEnd {
		sd.ended = true
		if ev.Height > 0 {
			sd.height = ev.Height
		}
		slog.Debug("page end received", "side", ev.Side, "buffered", sd.ring.Available())
	}
	if ev.ScanEnd {
		s.scanEnd = true
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceBusy):
		// transient; the caller may read again
		return err
	case errors.Is(err, ErrCancelled):
		s.state = StateCancelled
		if aerr := s.acknowledgeCancel(); aerr != nil {
			slog.Warn("cancel acknowledgment failed", "err", aerr)
		}
		return ErrCancelled
	default:
		var de *DeviceError
		if errors.As(err, &de) {
			s.scanning = false
		}
		return s.fail(err)
	}
}

// store appends data to the ring of side sd, growing it up to MaxRing.
func (s *Session) store(sd Side, data []byte) error {
	r := s.sides[sd].ring
	if len(data) > r.Free() {
		need := r.Available() + len(data)
		if need > s.opts.MaxRing {
			return fmt.Errorf("%s page needs %d bytes: %w", sd, need, ErrNoMemory)
		}
		if err := r.Grow(min(max(need, 2*r.Cap()), s.opts.MaxRing)); err != nil {
			return fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
	}
	return r.Write(data)
}

func (s *Session) finishPage() {
	sd := &s.sides[s.active]
	if s.decoder != nil {
		if n := s.decoder.Close(); n > 0 {
			slog.Debug("trailing compressed bytes dropped", "bytes", n)
		}
		s.decoder = nil
	}
	if left := sd.ring.Available(); left > 0 {
		slog.Debug("partial line dropped", "bytes", left)
	}
	sd.ring.Flush()
	sd.ended = false
	sd.dummy = 0
	sd.lineBytes = s.geom.BytesPerLine
	sd.width = s.geom.PixelsPerLine
	sd.height = 0

	slog.Info("page finished", "page", s.page, "side", s.active, "bytes", s.bytes, "rate", s.rate.Rate())
	s.bytes = 0
	s.state = StatePageBoundary
}

func (s *Session) fail(err error) error {
	if s.state != StateFailed {
		slog.Warn("scan failed", "page", s.page, "status", StatusOf(err), "err", err)
		s.state = StateFailed
		s.err = err
	}
	return s.err
}

// acknowledgeCancel sends CAN once per session.
func (s *Session) acknowledgeCancel() error {
	if s.canSent {
		return nil
	}
	s.canSent = true
	return s.dev.Can()
}

// Close ends the data phase. An unfinished scan is cancelled with CAN first.
// Buffered data is dropped.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if s.scanning && s.state != StateFinished {
		if err := s.acknowledgeCancel(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cancel: %w", err))
		}
	}
	s.scanning = false
	if s.locked {
		if err := s.dev.Fin(); err != nil {
			result = multierror.Append(result, fmt.Errorf("finish: %w", err))
		}
		s.locked = false
	}
	for i := range s.sides {
		if r := s.sides[i].ring; r != nil {
			r.Flush()
		}
	}
	s.decoder = nil
	return result.ErrorOrNil()
}
