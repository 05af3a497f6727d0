package esci2

import (
	"bytes"
	"fmt"
	"strconv"
	"testing"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

// reply builds a wire reply: the 64-byte header with tokens embedded after
// the length field, followed by data.
func reply(code, tokens string, data []byte) []byte {
	hdr := make([]byte, ResponseHeaderSize)
	copy(hdr, fmt.Sprintf("%.4sx%07X", code, len(data)))
	copy(hdr[RequestHeaderSize:], tokens)
	return append(hdr, data...)
}

// fakeDevice is a scripted transport. Each request header queues the next
// scripted reply for its command code, or an empty acknowledgment when the
// script for that code is exhausted. With manual set nothing is queued and
// tests feed the input stream themselves.
type fakeDevice struct {
	t      *testing.T
	manual bool

	script   map[string][][]byte
	in       bytes.Buffer
	sent     []string            // command codes in order
	payloads map[string][]string // payloads per code

	pendingCode string
	pendingLen  int

	sends, recvs int
	closed       bool
	recvErr      error
}

func newFakeDevice(t *testing.T) *fakeDevice {
	return &fakeDevice{
		t:        t,
		script:   make(map[string][][]byte),
		payloads: make(map[string][]string),
	}
}

// on appends replies for code.
func (f *fakeDevice) on(code string, replies ...[]byte) *fakeDevice {
	f.script[code] = append(f.script[code], replies...)
	return f
}

func (f *fakeDevice) count(code string) int {
	n := 0
	for _, c := range f.sent {
		if c == code {
			n++
		}
	}
	return n
}

func (f *fakeDevice) Send(p []byte) (int, error) {
	if f.closed {
		return 0, transport.ErrClosed
	}
	f.sends++
	if f.pendingLen > 0 {
		if len(p) != f.pendingLen {
			f.t.Errorf("%s payload is %d bytes, header announced %d", f.pendingCode, len(p), f.pendingLen)
		}
		f.payloads[f.pendingCode] = append(f.payloads[f.pendingCode], string(p))
		f.pendingLen = 0
		f.respond(f.pendingCode)
		return len(p), nil
	}
	if len(p) != RequestHeaderSize || p[4] != HeaderTypeMarker {
		f.t.Errorf("malformed request header %q", p)
		return len(p), nil
	}
	code := string(p[:4])
	f.sent = append(f.sent, code)
	n, err := strconv.ParseUint(string(p[5:]), 16, 32)
	if err != nil {
		f.t.Errorf("request length %q: %v", p[5:], err)
	}
	if n > 0 {
		f.pendingCode, f.pendingLen = code, int(n)
		return len(p), nil
	}
	f.respond(code)
	return len(p), nil
}

func (f *fakeDevice) respond(code string) {
	if f.manual {
		return
	}
	q := f.script[code]
	if len(q) == 0 {
		f.in.Write(reply(code, "", nil))
		return
	}
	f.in.Write(q[0])
	f.script[code] = q[1:]
}

func (f *fakeDevice) Recv(p []byte) (int, error) {
	if f.closed {
		return 0, transport.ErrClosed
	}
	f.recvs++
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	if f.in.Len() == 0 {
		return 0, transport.ErrTimeout
	}
	n, _ := f.in.Read(p)
	return n, nil
}

func (f *fakeDevice) Close() error {
	f.closed = true
	return nil
}
