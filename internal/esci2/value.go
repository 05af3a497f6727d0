package esci2

import (
	"bytes"
	"fmt"
	"strconv"
)

// ValueKind tells how a token sub-field was encoded.
type ValueKind int

const (
	Decimal ValueKind = iota // d### or i#######
	Hex                      // h### or x#######
	Binary                   // h### length followed by raw bytes
)

// Value is a decoded token sub-field.
type Value struct {
	Kind  ValueKind
	Int   int
	Bytes []byte // Binary only; aliases the token
}

// ParseNumber decodes the numeric sub-field at the start of b and returns it
// with the number of bytes consumed. 'd' and 'h' prefix three digits,
// 'i' and 'x' seven.
func ParseNumber(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty numeric field", ErrProtocol)
	}
	var width, base int
	var kind ValueKind
	switch b[0] {
	case 'd':
		width, base, kind = 4, 10, Decimal
	case 'h':
		width, base, kind = 4, 16, Hex
	case 'i':
		width, base, kind = 8, 10, Decimal
	case 'x':
		width, base, kind = 8, 16, Hex
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown numeric prefix %q", ErrProtocol, b[0])
	}
	if len(b) < width {
		return Value{}, 0, fmt.Errorf("%w: numeric field %q truncated", ErrProtocol, b)
	}
	n, err := strconv.ParseInt(string(b[1:width]), base, 32)
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: numeric field %q: %v", ErrProtocol, b[:width], err)
	}
	return Value{Kind: kind, Int: int(n)}, width, nil
}

// DecodeInt is ParseNumber for callers that only want the integer.
func DecodeInt(b []byte) (int, error) {
	v, _, err := ParseNumber(b)
	return v.Int, err
}

// ParseBinary decodes an 'h'-prefixed length and the raw bytes that follow.
// A length larger than what is left is clamped.
func ParseBinary(b []byte) (Value, int, error) {
	if len(b) < 4 || b[0] != 'h' {
		return Value{}, 0, fmt.Errorf("%w: bad binary field %q", ErrProtocol, b)
	}
	n, err := strconv.ParseUint(string(b[1:4]), 16, 16)
	if err != nil {
		return Value{}, 0, fmt.Errorf("%w: binary length %q: %v", ErrProtocol, b[:4], err)
	}
	l := min(int(n), len(b)-4)
	return Value{Kind: Binary, Int: l, Bytes: b[4 : 4+l]}, 4 + l, nil
}

// DecodeString decodes a binary field and trims trailing spaces.
func DecodeString(b []byte) (string, error) {
	v, _, err := ParseBinary(b)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(v.Bytes, " ")), nil
}

// DecodeInts decodes consecutive numeric sub-fields until b is exhausted.
func DecodeInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n, err := ParseNumber(b)
		if err != nil {
			return out, err
		}
		out = append(out, v.Int)
		b = b[n:]
	}
	return out, nil
}
