// Package pool holds the live, ordered set of backends the balancer selects
// from.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tcplb/internal/strategy"
)

var (
	// ErrDuplicateBackend is returned when a backend with the same host and
	// port is already in the pool.
	ErrDuplicateBackend = errors.New("pool: backend already exists")
	// ErrBackendNotFound is returned when no backend matches the given address.
	ErrBackendNotFound = errors.New("pool: backend not found")
)

// Pool is a copy-on-write list of backends. Readers (the accept loop and the
// strategies) load the current slice without locking and always see a
// consistent, possibly slightly outdated view. Writers serialize on mu and
// publish a fresh slice; a published slice is never modified again.
//
// Removing a backend does not affect connections already forwarding to it:
// forwarders hold the *Backend and their own sockets, not pool membership.
type Pool struct {
	mu       sync.Mutex
	backends atomic.Pointer[[]*strategy.Backend]
}

// New creates a Pool seeded with backends in the given order. It fails if
// two of them share the same host and port.
func New(backends ...*strategy.Backend) (*Pool, error) {
	p := &Pool{}
	seed := make([]*strategy.Backend, 0, len(backends))
	for _, b := range backends {
		if indexOf(seed, b.Key()) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Address())
		}
		seed = append(seed, b)
	}
	p.backends.Store(&seed)
	return p, nil
}

// View returns the current published slice. Callers must treat it as
// read-only; use Snapshot when the result leaves the process' control.
func (p *Pool) View() []*strategy.Backend {
	if v := p.backends.Load(); v != nil {
		return *v
	}
	return nil
}

// Snapshot returns a point-in-time copy of the pool.
func (p *Pool) Snapshot() []*strategy.Backend {
	v := p.View()
	cp := make([]*strategy.Backend, len(v))
	copy(cp, v)
	return cp
}

// Len returns the number of backends currently in the pool.
func (p *Pool) Len() int { return len(p.View()) }

// Find returns the backend whose address equals addr, or nil.
func (p *Pool) Find(addr string) *strategy.Backend {
	v := p.View()
	if i := indexOf(v, addr); i >= 0 {
		return v[i]
	}
	return nil
}

// Add appends b to the end of the pool.
func (p *Pool) Add(b *strategy.Backend) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.View()
	if indexOf(cur, b.Key()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Address())
	}
	next := make([]*strategy.Backend, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, b)
	p.backends.Store(&next)
	return nil
}

// Remove deletes the backend with address addr and returns it.
func (p *Pool) Remove(addr string) (*strategy.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.View()
	idx := indexOf(cur, addr)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, addr)
	}
	next := make([]*strategy.Backend, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	p.backends.Store(&next)
	return cur[idx], nil
}

// Replace reconciles the pool with want, in want's order. Backends already in
// the pool keep their *Backend (and therefore their health flag and
// connection counters); new ones are added and missing ones dropped. It
// reports how many backends were added and removed.
func (p *Pool) Replace(want []*strategy.Backend) (added, removed int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.View()
	next := make([]*strategy.Backend, 0, len(want))
	for _, b := range want {
		if indexOf(next, b.Key()) >= 0 {
			return 0, 0, fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Address())
		}
		if i := indexOf(cur, b.Key()); i >= 0 {
			next = append(next, cur[i])
			continue
		}
		next = append(next, b)
		added++
	}
	removed = len(cur) - (len(next) - added)
	p.backends.Store(&next)
	return added, removed, nil
}

// indexOf returns the position of the backend with the given key, or -1.
func indexOf(backends []*strategy.Backend, key string) int {
	for i, b := range backends {
		if b.Key() == key {
			return i
		}
	}
	return -1
}
