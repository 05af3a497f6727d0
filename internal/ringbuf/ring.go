// Package ringbuf implements the fixed-capacity byte queue that decouples
// image chunk arrival from line-oriented consumption.
package ringbuf

import (
	"errors"
	"fmt"
)

// ErrCapacity is returned when a write does not fit in the free space.
var ErrCapacity = errors.New("ringbuf: insufficient capacity")

// Ring is a single-producer/single-consumer byte queue over an owned arena.
// It is not safe for concurrent use.
type Ring struct {
	buf  []byte
	r, w int // read and write offsets, always in [0, len(buf))
	fill int
}

// New allocates a ring holding at most capacity bytes.
func New(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Cap returns the arena size.
func (q *Ring) Cap() int { return len(q.buf) }

// Available returns the number of bytes written and not yet consumed.
func (q *Ring) Available() int { return q.fill }

// Free returns the number of bytes that can be written without error.
func (q *Ring) Free() int { return len(q.buf) - q.fill }

// Write appends p, splitting the copy across the wrap point if needed.
func (q *Ring) Write(p []byte) error {
	if len(p) > q.Free() {
		return fmt.Errorf("%w: write %d, free %d", ErrCapacity, len(p), q.Free())
	}
	if len(p) == 0 {
		return nil
	}
	n := copy(q.buf[q.w:], p)
	if n < len(p) {
		copy(q.buf, p[n:])
	}
	q.w = (q.w + len(p)) % len(q.buf)
	q.fill += len(p)
	return nil
}

// Read copies up to len(p) buffered bytes into p and returns the count.
func (q *Ring) Read(p []byte) int {
	n := min(len(p), q.fill)
	if n == 0 {
		return 0
	}
	c := copy(p[:n], q.buf[q.r:])
	if c < n {
		copy(p[c:n], q.buf)
	}
	q.advance(n)
	return n
}

// Skip discards up to n buffered bytes and returns how many were dropped.
func (q *Ring) Skip(n int) int {
	n = min(max(n, 0), q.fill)
	if n > 0 {
		q.advance(n)
	}
	return n
}

// Flush discards everything buffered.
func (q *Ring) Flush() {
	q.Skip(q.fill)
}

// Grow enlarges the arena to capacity bytes, keeping buffered data in order.
// Shrinking is not supported.
func (q *Ring) Grow(capacity int) error {
	if capacity < len(q.buf) {
		return fmt.Errorf("ringbuf: cannot shrink from %d to %d", len(q.buf), capacity)
	}
	if capacity == len(q.buf) {
		return nil
	}
	nb := make([]byte, capacity)
	n := q.fill
	q.Read(nb[:n])
	q.buf = nb
	q.r = 0
	q.w = n % capacity
	q.fill = n
	return nil
}

func (q *Ring) advance(n int) {
	q.r = (q.r + n) % len(q.buf)
	q.fill -= n
	if q.fill == 0 {
		// keep offsets aligned so flushed rings look freshly allocated
		q.r = q.w
	}
}
