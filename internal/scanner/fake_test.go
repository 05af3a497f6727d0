package scanner

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"

	"github.com/mzyy94/esci2bridge/internal/esci2"
	"github.com/mzyy94/esci2bridge/internal/transport"
)

func reply(code, tokens string, data []byte) []byte {
	hdr := make([]byte, esci2.ResponseHeaderSize)
	copy(hdr, fmt.Sprintf("%.4sx%07X", code, len(data)))
	copy(hdr[esci2.RequestHeaderSize:], tokens)
	return append(hdr, data...)
}

// scriptedDevice answers each command with the next scripted reply for its
// code, or an empty acknowledgment.
type scriptedDevice struct {
	mu      sync.Mutex
	script  map[string][][]byte
	in      bytes.Buffer
	sent    []string
	pending string
	plen    int
	closed  bool
}

func newScriptedDevice() *scriptedDevice {
	return &scriptedDevice{script: make(map[string][][]byte)}
}

func (d *scriptedDevice) on(code string, replies ...[]byte) *scriptedDevice {
	d.script[code] = append(d.script[code], replies...)
	return d
}

func (d *scriptedDevice) commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *scriptedDevice) Send(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, transport.ErrClosed
	}
	if d.plen > 0 {
		d.plen = 0
		d.respond(d.pending)
		return len(p), nil
	}
	code := string(p[:4])
	d.sent = append(d.sent, code)
	n, _ := strconv.ParseUint(string(p[5:esci2.RequestHeaderSize]), 16, 32)
	if n > 0 {
		d.pending, d.plen = code, int(n)
		return len(p), nil
	}
	d.respond(code)
	return len(p), nil
}

func (d *scriptedDevice) respond(code string) {
	q := d.script[code]
	if len(q) == 0 {
		d.in.Write(reply(code, "", nil))
		return
	}
	d.in.Write(q[0])
	d.script[code] = q[1:]
}

func (d *scriptedDevice) Recv(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, transport.ErrClosed
	}
	if d.in.Len() == 0 {
		return 0, transport.ErrTimeout
	}
	n, _ := d.in.Read(p)
	return n, nil
}

func (d *scriptedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
