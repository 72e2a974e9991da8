package server

import (
	"errors"
	"sync"

	"github.com/matst80/doorway/internal/mux"
)

var (
	// ErrBadName rejects names that are empty, longer than 63 bytes, or
	// contain anything but ASCII letters and digits.
	ErrBadName = errors.New("bad subdomain name")

	// ErrTaken rejects a claim for a name another live connection holds.
	ErrTaken = errors.New("name already claimed")
)

// client is one tunnel client's control connection. Its claimed name is
// guarded by the registry mutex; a connection claims at most one name in
// its lifetime and only disconnect releases it.
type client struct {
	sess       *mux.Session
	remoteAddr string
	name       string
}

// normalizeName produces the canonical form names are keyed by.
func normalizeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func validName(s string) bool {
	if len(s) < 1 || len(s) > 63 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// registry maps claimed names to live control connections. All mutation and
// lookup is serialized on one mutex; lookup is the hot path, one per public
// request.
type registry struct {
	mu      sync.Mutex
	clients map[string]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*client)}
}

// claim attempts to claim the requested name for c. It returns the
// normalized name, whether c already held a claim (in which case nothing
// changes), and ErrBadName or ErrTaken on rejection. Concurrent claims for
// one name serialize: exactly one wins.
func (r *registry) claim(c *client, requested string) (name string, already bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.name != "" {
		return c.name, true, nil
	}
	name = normalizeName(requested)
	if !validName(name) {
		return name, false, ErrBadName
	}
	if _, exists := r.clients[name]; exists {
		return name, false, ErrTaken
	}
	r.clients[name] = c
	c.name = name
	return name, false, nil
}

// lookup returns the connection holding name, or nil.
func (r *registry) lookup(name string) *client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[name]
}

// release drops c's claim if it holds one. Idempotent.
func (r *registry) release(c *client) (name string, held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.name == "" {
		return "", false
	}
	name = c.name
	if r.clients[name] == c {
		delete(r.clients, name)
		held = true
	}
	c.name = ""
	return name, held
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// names returns the currently claimed names, for presence heartbeats and
// the stats endpoint.
func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	return out
}
