package esci2

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mzyy94/esci2bridge/internal/ringbuf"
	"github.com/mzyy94/esci2bridge/internal/transport"
)

// Error kinds surfaced by the protocol engine. Match with errors.Is.
var (
	ErrTransport         = errors.New("esci2: transport failure")
	ErrProtocol          = errors.New("esci2: protocol mismatch")
	ErrDeviceBusy        = errors.New("esci2: device busy")
	ErrNoMemory          = errors.New("esci2: out of memory")
	ErrInvalidParameters = errors.New("esci2: invalid parameters")
	ErrJammed            = errors.New("esci2: document jammed")
	ErrNoDocument        = errors.New("esci2: no document")
	ErrCoverOpen         = errors.New("esci2: cover open")
	ErrCancelled         = errors.New("esci2: cancelled")
	ErrEndOfScan         = errors.New("esci2: no more pages")
	ErrShortCommand      = errors.New("esci2: command literal shorter than 12 bytes")
	ErrSessionState      = errors.New("esci2: operation not valid in session state")
)

// DeviceError is a failure the device reported through an #err token during
// acquisition.
type DeviceError struct {
	Option string // ADF, FB, TPU
	Cause  string // PJ, PE, OPN, ERR, LTF, LOCK, DFED, DTCL, AUT, PERM
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error on %s: %s", e.Option, e.Cause)
}

// Unwrap maps the cause to one of the engine's error kinds.
func (e *DeviceError) Unwrap() error {
	switch strings.TrimSpace(e.Cause) {
	case CausePaperJam:
		return ErrJammed
	case CausePaperEmpty:
		return ErrNoDocument
	case CauseCoverOpen:
		return ErrCoverOpen
	default:
		return ErrTransport
	}
}

// Status is the caller-visible outcome of an engine call.
type Status int

const (
	StatusGood Status = iota
	StatusJammed
	StatusNoDocument
	StatusCoverOpen
	StatusCancelled
	StatusBusy
	StatusInvalid
	StatusNoMemory
	StatusEndOfScan
	StatusIOError
)

var statusNames = map[Status]string{
	StatusGood:       "good",
	StatusJammed:     "jammed",
	StatusNoDocument: "no document",
	StatusCoverOpen:  "cover open",
	StatusCancelled:  "cancelled",
	StatusBusy:       "busy",
	StatusInvalid:    "invalid",
	StatusNoMemory:   "no memory",
	StatusEndOfScan:  "end of scan",
	StatusIOError:    "I/O error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusOf collapses err to the kinds a frontend renders distinctly.
// Anything not listed becomes StatusIOError.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusGood
	case errors.Is(err, ErrJammed):
		return StatusJammed
	case errors.Is(err, ErrNoDocument):
		return StatusNoDocument
	case errors.Is(err, ErrCoverOpen):
		return StatusCoverOpen
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrDeviceBusy):
		return StatusBusy
	case errors.Is(err, ErrInvalidParameters):
		return StatusInvalid
	case errors.Is(err, ErrNoMemory), errors.Is(err, ringbuf.ErrCapacity):
		return StatusNoMemory
	case errors.Is(err, ErrEndOfScan):
		return StatusEndOfScan
	default:
		return StatusIOError
	}
}

// transportError tags a transport failure with ErrTransport while keeping the
// original chain, so timeouts stay detectable with IsTimeout.
func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// IsTimeout reports whether err came from an expired transport timeout.
func IsTimeout(err error) bool {
	return transport.IsTimeout(err)
}
