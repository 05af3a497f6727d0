package esci2

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

// DefaultMaxAlloc bounds the trailing block the framer is willing to allocate.
const DefaultMaxAlloc = 64 << 20

// Reply is one completed request/response exchange.
type Reply struct {
	Code   string
	More   int // trailing block length announced in the header
	Header [ResponseHeaderSize]byte
	Data   []byte // trailing block, nil when More is 0
}

// Framer executes ESC/I-2 request/response exchanges over a transport.
// It never retries; callers decide what is safe to repeat.
type Framer struct {
	t        transport.Transport
	maxAlloc int
}

// NewFramer wraps t. maxAlloc <= 0 selects DefaultMaxAlloc.
func NewFramer(t transport.Transport, maxAlloc int) *Framer {
	if maxAlloc <= 0 {
		maxAlloc = DefaultMaxAlloc
	}
	return &Framer{t: t, maxAlloc: maxAlloc}
}

// Execute sends cmd (the 12-byte literal, or the 4-byte code when payload is
// present), validates the reply header and feeds both the header tokens and
// the trailing block to v.
func (f *Framer) Execute(cmd string, payload []byte, v Visitor) (*Reply, error) {
	return f.exchange(cmd, payload, v, f.maxAlloc, ErrNoMemory, true)
}

// ExecuteImage runs an IMG exchange: header tokens go to v, the trailing
// block is returned untouched. A block larger than limit is a transport
// failure. The trailing block is received even when v failed.
func (f *Framer) ExecuteImage(v Visitor, limit int) (*Reply, error) {
	if limit <= 0 || limit > f.maxAlloc {
		limit = f.maxAlloc
	}
	return f.exchange(CmdImg, nil, v, limit, ErrTransport, false)
}

func (f *Framer) exchange(cmd string, payload []byte, v Visitor, limit int, overLimit error, tokenizeData bool) (*Reply, error) {
	header, err := requestHeader(cmd, payload)
	if err != nil {
		return nil, err
	}
	code := string(header[:4])
	slog.Debug("esci2 send", "cmd", string(header), "payload", len(payload))

	if err := f.send(code, header); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := f.send(code, payload); err != nil {
			return nil, err
		}
	}

	rep := &Reply{Code: code}
	if err := f.recvFull(code, rep.Header[:]); err != nil {
		return nil, err
	}
	more, err := CheckHeader(code, rep.Header[:])
	if err != nil {
		return nil, err
	}
	rep.More = more
	slog.Debug("esci2 recv", "cmd", code, "header", string(rep.Header[:RequestHeaderSize]), "more", more)

	parseErr := ParseBlock(rep.Header[RequestHeaderSize:], v)

	if more > 0 {
		if more > limit {
			return rep, fmt.Errorf("%s: trailing block of %d bytes exceeds %d: %w", code, more, limit, overLimit)
		}
		data := make([]byte, more)
		if err := f.recvFull(code, data); err != nil {
			return rep, err
		}
		rep.Data = data
		if tokenizeData && parseErr == nil {
			parseErr = ParseBlock(rep.Data, v)
		}
	}
	if parseErr != nil {
		return rep, fmt.Errorf("%s: %w", code, parseErr)
	}
	return rep, nil
}

func (f *Framer) send(code string, p []byte) error {
	n, err := f.t.Send(p)
	if err != nil {
		return transportError(code+" send", err)
	}
	if n != len(p) {
		return fmt.Errorf("%s send: short write %d/%d: %w", code, n, len(p), ErrTransport)
	}
	return nil
}

func (f *Framer) recvFull(code string, p []byte) error {
	n, err := f.t.Recv(p)
	if err != nil {
		return transportError(code+" recv", err)
	}
	if n != len(p) {
		return fmt.Errorf("%s recv: short read %d/%d: %w", code, n, len(p), ErrTransport)
	}
	return nil
}

// requestHeader builds the 12-byte request header.
func requestHeader(cmd string, payload []byte) ([]byte, error) {
	if len(payload) > 0 {
		if len(cmd) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrShortCommand, cmd)
		}
		return fmt.Appendf(nil, "%.4sx%07X", cmd, len(payload)), nil
	}
	if len(cmd) < RequestHeaderSize {
		return nil, fmt.Errorf("%w: %q", ErrShortCommand, cmd)
	}
	return []byte(cmd[:RequestHeaderSize]), nil
}

// CheckHeader validates a 64-byte reply header against the sent command code
// and returns the announced trailing length.
func CheckHeader(code string, hdr []byte) (int, error) {
	if len(hdr) < RequestHeaderSize {
		return 0, fmt.Errorf("%w: header of %d bytes", ErrProtocol, len(hdr))
	}
	echo := string(hdr[:4])
	if echo == ReplyUnknown || echo == ReplyInvalid {
		return 0, fmt.Errorf("%w: %s rejected with %s", ErrProtocol, code, echo)
	}
	if echo != code {
		return 0, fmt.Errorf("%w: sent %s, device echoed %q", ErrProtocol, code, echo)
	}
	if hdr[4] != HeaderTypeMarker {
		return 0, fmt.Errorf("%w: %s: bad type marker %q", ErrProtocol, code, hdr[4])
	}
	more, err := strconv.ParseUint(string(hdr[5:RequestHeaderSize]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: bad length %q", ErrProtocol, code, hdr[5:RequestHeaderSize])
	}
	return int(more), nil
}
