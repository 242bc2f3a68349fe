// Package netdev keeps the set of network interfaces published by modem
// sessions, one per established link.
package netdev

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrExists is returned when publishing a name that is already published.
	ErrExists = errors.New("netdev: interface already published")
	// ErrInvalidRecord is returned for records without a name or an IPv4 address.
	ErrInvalidRecord = errors.New("netdev: invalid record")
)

const (
	DefaultMTU = 1500
	// MaxDNS is the number of DNS servers a record keeps.
	MaxDNS = 2
)

// Record is what a session publishes for an established link.
type Record struct {
	Name    string
	Flags   net.Flags
	MTU     int
	Addr    net.IP
	Gateway net.IP
	Netmask net.IPMask
	DNS     []net.IP
	// Default marks the interface as the default route.
	Default bool
}

func (r Record) normalize() (Record, error) {
	if r.Name == "" {
		return r, fmt.Errorf("%w: empty name", ErrInvalidRecord)
	}
	if r.Addr.To4() == nil {
		return r, fmt.Errorf("%w: %s: no IPv4 address", ErrInvalidRecord, r.Name)
	}
	if r.MTU <= 0 {
		r.MTU = DefaultMTU
	}
	if r.Flags == 0 {
		r.Flags = net.FlagUp | net.FlagPointToPoint
	}
	if r.Netmask == nil {
		r.Netmask = net.CIDRMask(32, 32)
	}
	if len(r.DNS) > MaxDNS {
		r.DNS = r.DNS[:MaxDNS]
	}
	r.DNS = append([]net.IP(nil), r.DNS...)

	return r, nil
}

// ChangeKind tells what happened to an interface.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
)

// String returns a string representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "Added"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Change is delivered to listeners after every publish and unpublish.
type Change struct {
	Kind   ChangeKind
	Record Record
}

// Interface is a published link.
type Interface struct {
	rec         Record
	publishedAt time.Time
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.rec.Name }

// Record returns a copy of the published record.
func (i *Interface) Record() Record {
	r := i.rec
	r.DNS = append([]net.IP(nil), i.rec.DNS...)
	return r
}

// PublishedAt returns when the interface was published.
func (i *Interface) PublishedAt() time.Time { return i.publishedAt }

// Registry is the bridge between sessions and the host's view of interfaces.
// It is safe for concurrent use.
type Registry struct {
	ifaces *xsync.MapOf[string, *Interface]

	mu        sync.Mutex
	def       string
	listeners []func(Change)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ifaces: xsync.NewMapOf[string, *Interface]()}
}

// Publish adds rec. A record marked Default becomes the default interface.
func (r *Registry) Publish(rec Record) (*Interface, error) {
	rec, err := rec.normalize()
	if err != nil {
		return nil, err
	}

	iface := &Interface{rec: rec, publishedAt: time.Now()}
	if _, loaded := r.ifaces.LoadOrStore(rec.Name, iface); loaded {
		return nil, fmt.Errorf("%w: %s", ErrExists, rec.Name)
	}

	r.mu.Lock()
	if rec.Default {
		r.def = rec.Name
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	notify(listeners, Change{Kind: Added, Record: iface.Record()})

	return iface, nil
}

// Unpublish removes iface. Only the exact handle returned by Publish
// removes it; a stale handle for a name that was published again is a no-op.
// It reports whether something was removed.
func (r *Registry) Unpublish(iface *Interface) bool {
	if iface == nil {
		return false
	}

	removed := false
	r.ifaces.Compute(iface.Name(), func(cur *Interface, loaded bool) (*Interface, bool) {
		removed = loaded && cur == iface
		return cur, removed || !loaded
	})
	if !removed {
		return false
	}

	r.mu.Lock()
	if r.def == iface.Name() {
		r.def = ""
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	notify(listeners, Change{Kind: Removed, Record: iface.Record()})

	return true
}

// Lookup returns the named interface.
func (r *Registry) Lookup(name string) (*Interface, bool) {
	return r.ifaces.Load(name)
}

// List returns every published interface sorted by name.
func (r *Registry) List() []*Interface {
	list := make([]*Interface, 0, r.ifaces.Size())
	r.ifaces.Range(func(_ string, iface *Interface) bool {
		list = append(list, iface)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })

	return list
}

// Default returns the default interface, if one is published.
func (r *Registry) Default() (*Interface, bool) {
	r.mu.Lock()
	name := r.def
	r.mu.Unlock()

	if name == "" {
		return nil, false
	}
	return r.ifaces.Load(name)
}

// OnChange registers fn to be called after every change. fn runs on the
// goroutine that made the change.
func (r *Registry) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func notify(listeners []func(Change), c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}
