package strategy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
)

// ErrInvalidBackend is returned when a backend's host or port is unusable.
var ErrInvalidBackend = errors.New("strategy: invalid backend")

// Backend is the runtime representation of one upstream TCP endpoint.
// Host, Port and Weight are fixed at construction; health and connection
// counters are mutated concurrently by every forwarder using the backend and
// use atomics so unrelated connections never serialize on a lock.
type Backend struct {
	Host   string
	Port   int
	Weight int

	healthy          atomic.Bool
	activeConns      atomic.Int64
	totalConnections atomic.Int64
	totalFailures    atomic.Int64
}

// NewBackend validates host and port and returns a healthy Backend with no
// active connections. A non-positive weight is treated as 1.
func NewBackend(host string, port, weight int) (*Backend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidBackend)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidBackend, port)
	}
	if weight <= 0 {
		weight = 1
	}
	b := &Backend{Host: host, Port: port, Weight: weight}
	b.healthy.Store(true) // backends are assumed healthy until a dial fails
	return b, nil
}

// ParseBackend builds a Backend from a "host:port" address.
func ParseBackend(addr string, weight int) (*Backend, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidBackend, addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: port is not a number", ErrInvalidBackend, addr)
	}
	return NewBackend(host, port, weight)
}

// Address returns the dialable host:port form of the backend.
func (b *Backend) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Key identifies the backend inside a pool. Two backends with the same key
// are the same endpoint.
func (b *Backend) Key() string { return b.Address() }

// Equal reports whether b and o point at the same host and port.
func (b *Backend) Equal(o *Backend) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Host == o.Host && b.Port == o.Port
}

func (b *Backend) String() string {
	return fmt.Sprintf("%s(active=%d, healthy=%t)", b.Address(), b.ActiveConnections(), b.IsHealthy())
}

func (b *Backend) IsHealthy() bool { return b.healthy.Load() }
func (b *Backend) MarkHealthy()    { b.healthy.Store(true) }

// MarkUnhealthy flags the backend after a failed connect. Nothing inside the
// balancer clears the flag again; only MarkHealthy does.
func (b *Backend) MarkUnhealthy() {
	b.healthy.Store(false)
	b.totalFailures.Add(1)
}

func (b *Backend) ActiveConnections() int64 { return b.activeConns.Load() }

// IncrementActive records one more established connection to the backend.
func (b *Backend) IncrementActive() int64 {
	b.totalConnections.Add(1)
	return b.activeConns.Add(1)
}

// DecrementActive releases one connection. The counter never drops below
// zero: decrementing an idle backend is a no-op.
func (b *Backend) DecrementActive() int64 {
	for {
		cur := b.activeConns.Load()
		if cur <= 0 {
			return 0
		}
		if b.activeConns.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (b *Backend) TotalConnections() int64 { return b.totalConnections.Load() }
func (b *Backend) TotalFailures() int64    { return b.totalFailures.Load() }
