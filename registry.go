package pppmodem

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks sessions by id. It is safe for concurrent use.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMapOf[string, *Session]()}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the registry Attach uses when none is configured.
func DefaultRegistry() *Registry { return defaultRegistry }

// Sessions returns every session of the default registry.
func Sessions() []*Session { return defaultRegistry.List() }

// Lookup finds a session of the default registry by id.
func Lookup(id string) (*Session, bool) { return defaultRegistry.Lookup(id) }

// Add registers s. It returns false if the id is already taken.
func (r *Registry) Add(s *Session) bool {
	_, loaded := r.sessions.LoadOrStore(s.ID(), s)
	return !loaded
}

// Remove unregisters the session with the given id.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

// Lookup finds a session by id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

// List returns every session sorted by id.
func (r *Registry) List() []*Session {
	list := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		list = append(list, s)
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })

	return list
}
