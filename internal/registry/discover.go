package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

// NetService is the mDNS service type network ESC/I-2 scanners announce.
const NetService = "_scanner._tcp"

// DiscoverUSB adds every attached Epson USB device and returns how many
// were found. Devices are enumerated from their descriptors only.
func (r *Registry) DiscoverUSB() (int, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var descs []gousb.DeviceDesc
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == transport.EpsonVendorID {
			descs = append(descs, *desc)
		}
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil && len(descs) == 0 {
		return 0, fmt.Errorf("usb enumerate: %w", err)
	}

	for _, desc := range descs {
		e := entryFromUSB(desc)
		r.Add(e)
		slog.Info("found usb scanner", "name", e.Name, "vendor", desc.Vendor, "product", desc.Product)
	}
	return len(descs), nil
}

func entryFromUSB(desc gousb.DeviceDesc) Entry {
	return Entry{
		Name:    fmt.Sprintf("usb-%03d-%03d", desc.Bus, desc.Address),
		Kind:    KindUSB,
		Vendor:  desc.Vendor,
		Product: desc.Product,
	}
}

// DiscoverNet browses mDNS for network scanners until timeout and returns how
// many new entries were added.
func (r *Registry) DiscoverNet(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return 0, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, NetService, "local.", entries); err != nil {
		return 0, fmt.Errorf("mdns browse: %w", err)
	}
	slog.Debug("browsing for network scanners", "service", NetService, "timeout", timeout)

	added := 0
	for {
		select {
		case <-ctx.Done():
			return added, nil
		case se, ok := <-entries:
			if !ok {
				return added, nil
			}
			e, ok := entryFromService(se)
			if !ok {
				continue
			}
			if r.Add(e) {
				added++
				slog.Info("found network scanner", "name", e.Name, "host", e.Host, "port", e.Port, "model", e.Model)
			}
		}
	}
}

// entryFromService turns an mDNS answer into an entry. Answers without a
// usable address are skipped.
func entryFromService(se *zeroconf.ServiceEntry) (Entry, bool) {
	if se == nil {
		return Entry{}, false
	}
	host := ""
	switch {
	case len(se.AddrIPv4) > 0:
		host = se.AddrIPv4[0].String()
	case len(se.AddrIPv6) > 0:
		host = se.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(se.HostName, ".")
	}
	if host == "" {
		return Entry{}, false
	}
	port := se.Port
	if port == 0 {
		port = transport.DefaultNetPort
	}
	e := Entry{Name: se.Instance, Kind: KindNet, Host: host, Port: port}
	for _, kv := range se.Text {
		k, v, _ := strings.Cut(kv, "=")
		switch strings.ToLower(k) {
		case "ty", "mdl":
			if e.Model == "" {
				e.Model = v
			}
		}
	}
	return e, true
}

// LocalIP returns the local address the OS would use to reach target, or the
// default LAN address when target is empty.
func LocalIP(target string) string {
	if target == "" {
		target = "224.0.0.1"
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(target, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
