package esci2

import (
	"log/slog"
	"strings"
)

// Side of a sheet an image chunk belongs to.
type Side int

const (
	Front Side = iota
	Back
)

func (s Side) String() string {
	if s == Back {
		return "back"
	}
	return "front"
}

// ImageEvents is what one IMG reply header announced.
type ImageEvents struct {
	Side Side

	PageStart bool
	Width     int // pixels, from pst/pen
	Height    int
	Dummy     int // trailing padding bytes per line

	PageEnd bool
	ScanEnd bool // no more sheets to feed
}

// Visitor interprets IMG reply tokens into e. Device error causes and
// device-initiated cancels stop parsing with the mapped error.
func (e *ImageEvents) Visitor() Visitor {
	return func(t Token) (Action, error) {
		v := t.Value
		switch {
		case t.Is("pst") && len(v) == 24:
			// psti0000256i0000000i0000945: width, dummy, height
			vals, err := DecodeInts(v)
			if err != nil || len(vals) != 3 {
				return Continue, nil
			}
			e.PageStart = true
			e.Width, e.Dummy, e.Height = vals[0], vals[1], vals[2]
			slog.Debug("img page start", "width", e.Width, "height", e.Height, "dummy", e.Dummy)
		case t.Is("pst") && len(v) == 12:
			// pstd256i0000000: width, dummy
			vals, err := DecodeInts(v)
			if err != nil || len(vals) != 2 {
				return Continue, nil
			}
			e.PageStart = true
			e.Width, e.Dummy = vals[0], vals[1]
			slog.Debug("img page start", "width", e.Width, "dummy", e.Dummy)
		case t.Is("pen") && len(v) == 16:
			e.PageEnd = true
			if vals, err := DecodeInts(v); err == nil && len(vals) == 2 {
				e.Width, e.Height = vals[0], vals[1]
			}
			slog.Debug("img page end", "width", e.Width, "height", e.Height)
		case t.Is("pen"):
			e.PageEnd = true
		case t.Is("typ") && len(v) == 4:
			// IMGA front, IMGB back
			if v[3] == 'B' {
				e.Side = Back
			} else {
				e.Side = Front
			}
		case t.Is("err"):
			de := &DeviceError{}
			if len(v) >= 3 {
				de.Option = strings.TrimSpace(string(v[:3]))
			}
			if len(v) > 3 {
				de.Cause = strings.TrimSpace(string(v[3:]))
			}
			slog.Info("device error", "option", de.Option, "cause", de.Cause)
			e.ScanEnd = true
			return Stop, de
		case t.HasPrefix("nrdBUSY"):
			return Busy, nil
		case t.HasPrefix("atnCAN "):
			slog.Info("device requested cancel")
			return Stop, ErrCancelled
		case t.HasPrefix("lftd000"):
			e.ScanEnd = true
		}
		return Continue, nil
	}
}
