// Package registry keeps the scanners known to the bridge and opens
// transports to them. The caller owns the Registry; nothing here is global.
package registry

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/mzyy94/esci2bridge/internal/transport"
)

// Kind is the link a device is reached over.
type Kind int

const (
	KindUSB Kind = iota
	KindNet
)

func (k Kind) String() string {
	if k == KindNet {
		return "net"
	}
	return "usb"
}

// Entry is one known device.
type Entry struct {
	Name  string
	Kind  Kind
	Model string

	// USB
	Vendor, Product gousb.ID

	// Net
	Host string
	Port int
}

// Address renders the entry in the form ParseSpec accepts.
func (e Entry) Address() string {
	if e.Kind == KindNet {
		if e.Port == 0 || e.Port == transport.DefaultNetPort {
			return "net:" + e.Host
		}
		return "net:" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	}
	if e.Product == 0 {
		return fmt.Sprintf("usb:%s", e.Vendor)
	}
	return fmt.Sprintf("usb:%s:%s", e.Vendor, e.Product)
}

// Registry is a set of entries keyed by name, kept in insertion order.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add inserts e, replacing an entry with the same name. It reports whether
// the name was new.
func (r *Registry) Add(e Entry) bool {
	if e.Name == "" {
		e.Name = e.Address()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(e.Name); i >= 0 {
		r.entries[i] = e
		return false
	}
	r.entries = append(r.entries, e)
	return true
}

// List returns a copy of all entries.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.entries)
}

// Lookup finds an entry by name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(name); i >= 0 {
		return r.entries[i], true
	}
	return Entry{}, false
}

// Remove drops the named entry and reports whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.index(name)
	if i < 0 {
		return false
	}
	r.entries = slices.Delete(r.entries, i, i+1)
	return true
}

func (r *Registry) index(name string) int {
	return slices.IndexFunc(r.entries, func(e Entry) bool { return e.Name == name })
}

// ParseSpec parses a device address: "usb", "usb:VID", "usb:VID:PID" (hex),
// "net:HOST" or "net:HOST:PORT".
func ParseSpec(spec string) (Entry, error) {
	kind, rest, _ := strings.Cut(spec, ":")
	switch kind {
	case "usb":
		e := Entry{Kind: KindUSB, Vendor: transport.EpsonVendorID}
		if rest == "" {
			return e, nil
		}
		vid, pid, hasPID := strings.Cut(rest, ":")
		v, err := strconv.ParseUint(vid, 16, 16)
		if err != nil {
			return Entry{}, fmt.Errorf("usb vendor %q: %w", vid, err)
		}
		e.Vendor = gousb.ID(v)
		if hasPID {
			p, err := strconv.ParseUint(pid, 16, 16)
			if err != nil {
				return Entry{}, fmt.Errorf("usb product %q: %w", pid, err)
			}
			e.Product = gousb.ID(p)
		}
		return e, nil
	case "net":
		if rest == "" {
			return Entry{}, fmt.Errorf("net address missing in %q", spec)
		}
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			// no port given
			return Entry{Kind: KindNet, Host: strings.Trim(rest, "[]"), Port: transport.DefaultNetPort}, nil
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Entry{}, fmt.Errorf("net port %q invalid", port)
		}
		return Entry{Kind: KindNet, Host: host, Port: p}, nil
	}
	return Entry{}, fmt.Errorf("unknown device address %q", spec)
}

// Open connects to e.
func Open(e Entry, timeout time.Duration) (transport.Transport, error) {
	switch e.Kind {
	case KindUSB:
		t, err := transport.OpenUSB(e.Vendor, e.Product, timeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	case KindNet:
		t, err := transport.DialNet(e.Host, e.Port, timeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown device kind %d", int(e.Kind))
}
