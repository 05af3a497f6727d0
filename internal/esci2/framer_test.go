package esci2

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

func TestFramer_ExecuteParsesHeaderAndData(t *testing.T) {
	dev := newFakeDevice(t).on("INFO", reply("INFO", "#nrdOK  ", []byte("#PRDh004DS40#---")))
	f := NewFramer(dev, 0)

	var got []string
	rep, err := f.Execute(CmdInfo, nil, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, "INFO", rep.Code)
	assert.Equal(t, 16, rep.More)
	assert.Equal(t, []string{"nrd=OK  ", "PRD=h004DS40"}, got)
	assert.Equal(t, []string{"INFO"}, dev.sent)
	assert.Zero(t, dev.in.Len(), "trailing block must be consumed")
}

func TestFramer_PayloadRewritesLength(t *testing.T) {
	dev := newFakeDevice(t)
	f := NewFramer(dev, 0)

	_, err := f.Execute(CodePara, []byte("#FB #COLM008"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"PARA"}, dev.sent)
	assert.Equal(t, []string{"#FB #COLM008"}, dev.payloads["PARA"])
	assert.Equal(t, 2, dev.sends)
}

func TestFramer_RequestHeader(t *testing.T) {
	h, err := requestHeader("PARA", make([]byte, 0x1A3))
	require.NoError(t, err)
	assert.Equal(t, "PARAx00001A3", string(h))

	h, err = requestHeader(CmdFin, nil)
	require.NoError(t, err)
	assert.Equal(t, "FIN x0000000", string(h))
}

func TestFramer_ShortCommand(t *testing.T) {
	dev := newFakeDevice(t)
	f := NewFramer(dev, 0)

	_, err := f.Execute("INFO", nil, nil)
	assert.ErrorIs(t, err, ErrShortCommand)
	_, err = f.Execute("IN", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrShortCommand)
	assert.Zero(t, dev.sends, "nothing may reach the wire")
}

func TestFramer_HeaderRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"echo_mismatch", reply("CAPA", "#ADFDPLX", nil)},
		{"unknown", reply("UNKN", "#ADFDPLX", nil)},
		{"invalid", reply("INVD", "#ADFDPLX", nil)},
		{"bad_marker", append([]byte("INFOy0000000#ADFDPLX"), make([]byte, 44)...)},
		{"bad_length", append([]byte("INFOx00000ZZ#ADFDPLX"), make([]byte, 44)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice(t).on("INFO", tt.reply)
			f := NewFramer(dev, 0)

			calls := 0
			_, err := f.Execute(CmdInfo, nil, func(Token) (Action, error) {
				calls++
				return Continue, nil
			})
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Zero(t, calls, "tokens must not be parsed from a rejected header")
		})
	}
}

func TestFramer_ShortHeaderRead(t *testing.T) {
	dev := newFakeDevice(t)
	dev.manual = true
	dev.in.WriteString("INFOx0000000#---")
	f := NewFramer(dev, 0)

	_, err := f.Execute(CmdInfo, nil, nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFramer_ShortTrailingRead(t *testing.T) {
	full := reply("IMG ", "", []byte("0123456789"))
	dev := newFakeDevice(t).on("IMG ", full[:len(full)-4])
	f := NewFramer(dev, 0)

	rep, err := f.ExecuteImage(nil, 0)
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, rep)
	assert.Nil(t, rep.Data, "partial data must not be handed out")
}

func TestFramer_TrailingReceivedAfterTokenFailure(t *testing.T) {
	errStop := errors.New("stop")
	dev := newFakeDevice(t).on("STAT", reply("STAT", "#ERRADF PE ", []byte("#ABCdef#---")))
	f := NewFramer(dev, 0)

	calls := 0
	_, err := f.Execute(CmdStat, nil, func(Token) (Action, error) {
		calls++
		return Stop, errStop
	})
	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, 1, calls, "trailing block is not tokenized after a failure")
	assert.Zero(t, dev.in.Len(), "trailing block must still be drained")
}

func TestFramer_BusyIsNotRetried(t *testing.T) {
	dev := newFakeDevice(t).on("INFO", reply("INFO", "#nrdBUSY", nil))
	f := NewFramer(dev, 0)

	_, err := f.Execute(CmdInfo, nil, InfoVisitor(NewCapabilities()))
	assert.ErrorIs(t, err, ErrDeviceBusy)
	assert.Equal(t, 1, dev.count("INFO"))
}

func TestFramer_TrailingLimits(t *testing.T) {
	dev := newFakeDevice(t).on("CAPA", reply("CAPA", "", make([]byte, 100)))
	_, err := NewFramer(dev, 64).Execute(CmdCapa, nil, nil)
	assert.ErrorIs(t, err, ErrNoMemory)

	dev = newFakeDevice(t).on("IMG ", reply("IMG ", "", make([]byte, 100)))
	_, err = NewFramer(dev, 0).ExecuteImage(nil, 64)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFramer_ImageDataIsRaw(t *testing.T) {
	data := []byte("#notatoken#---")
	dev := newFakeDevice(t).on("IMG ", reply("IMG ", "#typIMGB", data))
	f := NewFramer(dev, 0)

	var ev ImageEvents
	rep, err := f.ExecuteImage(ev.Visitor(), 0)
	require.NoError(t, err)
	assert.Equal(t, data, rep.Data)
	assert.Equal(t, Back, ev.Side)
}

func TestFramer_TimeoutIsTransportError(t *testing.T) {
	dev := newFakeDevice(t)
	dev.recvErr = transport.ErrTimeout
	_, err := NewFramer(dev, 0).Execute(CmdStat, nil, nil)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, StatusIOError, StatusOf(err))
}
