package registry

import (
	"net"
	"testing"

	"github.com/google/gousb"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

func TestRegistry_AddLookupRemove(t *testing.T) {
	r := New()
	assert.True(t, r.Add(Entry{Name: "office", Kind: KindNet, Host: "10.0.0.5", Port: 1865}))
	assert.True(t, r.Add(Entry{Kind: KindUSB, Vendor: 0x04b8, Product: 0x0142}))
	assert.False(t, r.Add(Entry{Name: "office", Kind: KindNet, Host: "10.0.0.6", Port: 1865}), "same name replaces")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "office", list[0].Name)
	assert.Equal(t, "10.0.0.6", list[0].Host)
	assert.Equal(t, "usb:04b8:0142", list[1].Name, "unnamed entries are keyed by address")

	e, ok := r.Lookup("usb:04b8:0142")
	require.True(t, ok)
	assert.Equal(t, KindUSB, e.Kind)

	assert.True(t, r.Remove("office"))
	assert.False(t, r.Remove("office"))
	_, ok = r.Lookup("office")
	assert.False(t, ok)
	assert.Len(t, r.List(), 1)
}

func TestRegistry_ListIsACopy(t *testing.T) {
	r := New()
	r.Add(Entry{Name: "a"})
	list := r.List()
	list[0].Name = "changed"
	_, ok := r.Lookup("a")
	assert.True(t, ok)
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec string
		want Entry
	}{
		{"usb", Entry{Kind: KindUSB, Vendor: transport.EpsonVendorID}},
		{"usb:04b8", Entry{Kind: KindUSB, Vendor: 0x04b8}},
		{"usb:04b8:013a", Entry{Kind: KindUSB, Vendor: 0x04b8, Product: 0x013a}},
		{"net:192.168.1.20", Entry{Kind: KindNet, Host: "192.168.1.20", Port: transport.DefaultNetPort}},
		{"net:scanner.local:2000", Entry{Kind: KindNet, Host: "scanner.local", Port: 2000}},
		{"net:[fe80::1]:1865", Entry{Kind: KindNet, Host: "fe80::1", Port: 1865}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseSpec(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpec_Invalid(t *testing.T) {
	for _, spec := range []string{"", "scsi:0", "usb:zz", "usb:04b8:xyz", "net:", "net:host:0", "net:host:http"} {
		_, err := ParseSpec(spec)
		assert.Error(t, err, spec)
	}
}

func TestEntry_AddressRoundTrip(t *testing.T) {
	for _, e := range []Entry{
		{Kind: KindUSB, Vendor: 0x04b8, Product: 0x0142},
		{Kind: KindUSB, Vendor: 0x04b8},
		{Kind: KindNet, Host: "10.1.2.3", Port: transport.DefaultNetPort},
		{Kind: KindNet, Host: "10.1.2.3", Port: 9000},
	} {
		got, err := ParseSpec(e.Address())
		require.NoError(t, err, e.Address())
		assert.Equal(t, e, got)
	}
}

func TestEntryFromService(t *testing.T) {
	se := zeroconf.NewServiceEntry("EPSON DS-C490", NetService, "local.")
	se.HostName = "epson1234.local."
	se.AddrIPv4 = []net.IP{net.ParseIP("192.168.0.40")}
	se.Text = []string{"txtvers=1", "ty=EPSON DS-C490"}

	e, ok := entryFromService(se)
	require.True(t, ok)
	assert.Equal(t, Entry{Name: "EPSON DS-C490", Kind: KindNet, Host: "192.168.0.40", Port: transport.DefaultNetPort, Model: "EPSON DS-C490"}, e)

	se.AddrIPv4 = nil
	se.Port = 1866
	e, ok = entryFromService(se)
	require.True(t, ok)
	assert.Equal(t, "epson1234.local", e.Host)
	assert.Equal(t, 1866, e.Port)

	se.HostName = ""
	_, ok = entryFromService(se)
	assert.False(t, ok)
	_, ok = entryFromService(nil)
	assert.False(t, ok)
}

func TestEntryFromUSB(t *testing.T) {
	e := entryFromUSB(gousb.DeviceDesc{Bus: 1, Address: 7, Vendor: 0x04b8, Product: 0x0142})
	assert.Equal(t, Entry{Name: "usb-001-007", Kind: KindUSB, Vendor: 0x04b8, Product: 0x0142}, e)
}
