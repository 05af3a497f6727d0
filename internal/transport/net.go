package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// DefaultNetPort is the TCP port network ESC/I-2 devices listen on.
const DefaultNetPort = 1865

// Net carries ESC/I-2 over a TCP stream.
type Net struct {
	conn    net.Conn
	timeout time.Duration
}

// DialNet connects to host:port. A zero port selects DefaultNetPort.
func DialNet(host string, port int, timeout time.Duration) (*Net, error) {
	if port == 0 {
		port = DefaultNetPort
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("net connect: %w", err)
	}
	slog.Debug("net transport connected", "addr", addr)
	return &Net{conn: conn, timeout: timeout}, nil
}

// NewNet wraps an established connection.
func NewNet(conn net.Conn, timeout time.Duration) *Net {
	return &Net{conn: conn, timeout: timeout}
}

// Send writes p in full or fails.
func (t *Net) Send(p []byte) (int, error) {
	if t.conn == nil {
		return 0, ErrClosed
	}
	t.deadline()
	n, err := t.conn.Write(p)
	if err != nil {
		return n, t.wrap("net send", err)
	}
	return n, nil
}

// Recv reads until p is full, the peer stops sending or the deadline passes.
func (t *Net) Recv(p []byte) (int, error) {
	if t.conn == nil {
		return 0, ErrClosed
	}
	t.deadline()
	n, err := io.ReadFull(t.conn, p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return n, fmt.Errorf("net recv: %w: %d/%d bytes", ErrShortRead, n, len(p))
	}
	return n, t.wrap("net recv", err)
}

// Close closes the connection.
func (t *Net) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *Net) deadline() {
	if t.timeout > 0 {
		t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
}

func (t *Net) wrap(op string, err error) error {
	if IsTimeout(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
