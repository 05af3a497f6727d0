package esci2

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect returns a visitor recording every token as "TAG=value".
func collect(out *[]string) Visitor {
	return func(t Token) (Action, error) {
		*out = append(*out, string(t.Tag[:])+"="+string(t.Value))
		return Continue, nil
	}
}

func TestParseBlock_TokensInOrder(t *testing.T) {
	var got []string
	err := ParseBlock([]byte("#PRDh004DS40#ADFDPLX#FB AREAi0000850i0001169#---#IGNxxx"), collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"PRD=h004DS40",
		"ADF=DPLX",
		"FB =AREAi0000850i0001169",
	}, got)
}

func TestParseBlock_NoTokens(t *testing.T) {
	tests := []struct {
		name string
		span []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"terminator_first", []byte("#---#ADFDPLX")},
		{"no_hash", []byte("garbage without fields")},
		{"truncated_tag", []byte("#AD")},
		{"zero_padding", make([]byte, 52)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := ParseBlock(tt.span, func(Token) (Action, error) {
				calls++
				return Continue, nil
			})
			require.NoError(t, err)
			assert.Zero(t, calls)
		})
	}
}

func TestParseBlock_NulEndsValue(t *testing.T) {
	span := []byte("#ADFDPLX\x00\x00\x00#FMTRAW ")
	var got []string
	require.NoError(t, ParseBlock(span, collect(&got)))
	assert.Equal(t, []string{"ADF=DPLX", "FMT=RAW "}, got)
}

func TestParseBlock_BusyPrecedence(t *testing.T) {
	errHard := errors.New("hard failure")
	tests := []struct {
		name    string
		actions []Action
		errs    []error
		want    error
		calls   int
	}{
		{"ok_busy_ok", []Action{Continue, Busy, Continue}, []error{nil, nil, nil}, ErrDeviceBusy, 3},
		{"ok_busy_err", []Action{Continue, Busy, Stop}, []error{nil, nil, errHard}, errHard, 3},
		{"err_before_busy", []Action{Stop, Busy, Continue}, []error{errHard, nil, nil}, errHard, 1},
		{"all_ok", []Action{Continue, Continue, Continue}, []error{nil, nil, nil}, nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := ParseBlock([]byte("#AAA1#BBB2#CCC3"), func(Token) (Action, error) {
				i := calls
				calls++
				return tt.actions[i], tt.errs[i]
			})
			assert.Equal(t, tt.calls, calls)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestParseBlock_StopWithoutError(t *testing.T) {
	err := ParseBlock([]byte("#AAA1"), func(Token) (Action, error) { return Stop, nil })
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseBlock_GammaTableSkipped(t *testing.T) {
	// "#GMT" + 4 bytes + 'h': the table that follows may contain '#'
	table := bytes.Repeat([]byte{'A'}, 0x100)
	copy(table[8:], "#XYZbad")
	span := append([]byte("#GMTRED h100"), table...)
	span = append(span, "#RSMd300"...)

	var got []string
	require.NoError(t, ParseBlock(span, collect(&got)))
	assert.Equal(t, []string{"RSM=d300"}, got)
}

func TestParseBlock_GammaWithoutTableMarker(t *testing.T) {
	var got []string
	require.NoError(t, ParseBlock([]byte("#GMTUG18#RSMd300"), collect(&got)))
	assert.Equal(t, []string{"GMT=UG18", "RSM=d300"}, got)
}

func TestToken_HasPrefix(t *testing.T) {
	tok := Token{Tag: [3]byte{'n', 'r', 'd'}, Value: []byte("BUSY")}
	assert.True(t, tok.Is("nrd"))
	assert.True(t, tok.HasPrefix("nrdBUSY"))
	assert.True(t, tok.HasPrefix("nrd"))
	assert.False(t, tok.HasPrefix("nrdBUSYX"))
	assert.False(t, tok.HasPrefix("errBUSY"))
	assert.False(t, tok.HasPrefix("nr"))
}
