package esci2

import "fmt"

// Token is one "#TAGvalue" field of a reply block. Value aliases the parsed
// buffer and is only valid while that buffer is.
type Token struct {
	Tag   [3]byte
	Value []byte
}

// Is reports whether the token has the given 3-character tag.
func (t Token) Is(tag string) bool {
	return len(tag) == 3 && t.Tag[0] == tag[0] && t.Tag[1] == tag[1] && t.Tag[2] == tag[2]
}

// HasPrefix reports whether the tag followed by the value starts with s,
// e.g. "ADFDPLX" matches tag ADF with value DPLX.
func (t Token) HasPrefix(s string) bool {
	if len(s) < 3 || !t.Is(s[:3]) {
		return false
	}
	rest := s[3:]
	return len(t.Value) >= len(rest) && string(t.Value[:len(rest)]) == rest
}

func (t Token) String() string {
	return fmt.Sprintf("#%s%q", t.Tag[:], t.Value)
}

// Action tells the tokenizer what to do after a visitor call.
type Action int

const (
	// Continue with the next token.
	Continue Action = iota
	// Busy continues parsing but makes the block report ErrDeviceBusy unless
	// a later visitor call stops with an error.
	Busy
	// Stop ends parsing and returns the visitor's error.
	Stop
)

// Visitor receives each token of a block in order.
type Visitor func(t Token) (Action, error)

// gmtSkip is how far past the last tag byte a "#GMT...h" token is skipped.
// The gamma table that follows carries raw bytes that may contain '#'.
const gmtSkip = 4 + 0x100

// ParseBlock tokenizes span and calls v for every token up to the "---"
// terminator, a NUL or the end of the span.
//
// It returns nil when every call continued, ErrDeviceBusy when some call
// returned Busy and none stopped afterwards, or the error of the first call
// that returned Stop. A Stop without an error yields ErrProtocol.
func ParseBlock(span []byte, v Visitor) error {
	busy := false
	i := 0
	for {
		for i < len(span) && span[i] != '#' {
			i++
		}
		// a tag needs three bytes after '#'
		if i+3 >= len(span) {
			break
		}
		tag := span[i+1 : i+4]
		last := i + 3 // position of the last tag byte

		if string(tag) == TagEnd {
			break
		}
		if string(tag) == "GMT" && last+5 < len(span) && span[last+5] == 'h' {
			i = last + gmtSkip
			continue
		}

		next := last + 1
		for next < len(span) && span[next] != '#' && span[next] != 0 {
			next++
		}

		if v != nil {
			t := Token{Value: span[last+1 : next]}
			copy(t.Tag[:], tag)
			act, err := v(t)
			switch act {
			case Busy:
				busy = true
			case Stop:
				if err == nil {
					err = fmt.Errorf("%w: visitor stopped at %s", ErrProtocol, t)
				}
				return err
			}
		}

		i = next
	}
	if busy {
		return ErrDeviceBusy
	}
	return nil
}
