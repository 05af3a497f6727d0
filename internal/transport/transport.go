// Package transport provides the byte-oriented links an ESC/I-2 device is
// reached over. Implementations block until the transfer completes or the
// configured timeout expires.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
)

// Transport moves raw bytes to and from a scanner.
// Recv may return fewer bytes than requested without an error; callers that
// need an exact count must check n themselves.
type Transport interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	Close() error
}

var (
	// ErrTimeout marks an I/O operation that did not finish in time.
	ErrTimeout = errors.New("transport: timeout")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrShortRead marks a peer that stopped sending mid-transfer.
	ErrShortRead = errors.New("transport: short read")
)

// IsTimeout reports whether err is a transport timeout of any origin.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
