// Package proxy is the connection-proxy engine of tcplb.
//
// Dispatcher owns the listening socket and the backend pool. For every
// accepted connection it asks the current strategy.Strategy for a backend and
// hands the pair to a Forwarder on a new goroutine, then immediately returns
// to Accept. It adds:
//   - Atomic strategy swap, effective on the next accepted connection.
//   - Runtime pool mutation (add/remove/re-enable) safe against the accept loop.
//   - Passive failure detection: a backend is marked unhealthy when a connect
//     to it fails. Nothing clears the flag except SetHealthy.
//
// Stop only stops accepting. In-flight connections run until their peers
// close them.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tcplb/internal/metrics"
	"tcplb/internal/pool"
	"tcplb/internal/strategy"
)

// State is the lifecycle state of a Dispatcher.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the Dispatcher's listen address and forwarding parameters.
type Config struct {
	ListenAddr string
	Forward    ForwarderConfig
}

// Dispatcher is the accept loop. It is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	pool    *pool.Pool
	fwd     *Forwarder
	metrics *metrics.Metrics

	mu       sync.RWMutex
	strategy strategy.Strategy

	listen    func(network, address string) (net.Listener, error)
	lifecycle sync.Mutex
	state     atomic.Int32
	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a stopped Dispatcher. A nil s means round-robin; m may be nil.
func New(cfg Config, backends *pool.Pool, s strategy.Strategy, m *metrics.Metrics) *Dispatcher {
	if s == nil {
		s = strategy.NewRoundRobin()
	}
	return &Dispatcher{
		cfg:      cfg,
		pool:     backends,
		fwd:      NewForwarder(cfg.Forward, m),
		metrics:  m,
		strategy: s,
		listen:   net.Listen,
		ready:    make(chan struct{}),
	}
}

// Start binds the listening socket and runs the accept loop until Stop is
// called. A bind failure is returned. Other accept errors are logged and the
// loop retries with a backoff of 5ms doubling up to 1s. The one exception is
// the listener reporting net.ErrClosed while the Dispatcher is still running
// and nothing called Stop: the socket is gone, so Start returns that error
// instead of spinning. Otherwise Start returns nil after Stop. Calling Start
// on a running Dispatcher is a no-op.
func (d *Dispatcher) Start() error {
	d.lifecycle.Lock()
	if d.State() == StateRunning {
		d.lifecycle.Unlock()
		return nil
	}
	ln, err := d.listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		d.lifecycle.Unlock()
		return fmt.Errorf("proxy: listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.ln = ln
	d.state.Store(int32(StateRunning))
	d.lifecycle.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })

	slog.Info("dispatcher listening",
		"addr", ln.Addr().String(),
		"strategy", d.Strategy().Name(),
		"backends", d.pool.Len(),
	)
	return d.serve(ln)
}

// Stop closes the listening socket, which ends the pending Accept in Start.
// It does not wait for or interrupt in-flight connections. Stopping a
// Dispatcher that is not running is a no-op.
func (d *Dispatcher) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.State() != StateRunning {
		return
	}
	d.state.Store(int32(StateStopped))
	if err := d.ln.Close(); err != nil {
		slog.Warn("error closing listener", "error", err)
	}
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Ready is closed the first time the listening socket is bound.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Addr returns the bound listen address, or nil before the first Start.
func (d *Dispatcher) Addr() net.Addr {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// SetStrategy atomically swaps the selection strategy. Connections already
// dispatched are unaffected; the next accepted connection uses s.
func (d *Dispatcher) SetStrategy(s strategy.Strategy) {
	if s == nil {
		return
	}
	d.mu.Lock()
	d.strategy = s
	d.mu.Unlock()
	slog.Info("strategy changed", "strategy", s.Name())
}

func (d *Dispatcher) Strategy() strategy.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.strategy
}

// Backends returns a point-in-time copy of the pool.
func (d *Dispatcher) Backends() []*strategy.Backend { return d.pool.Snapshot() }

// AddBackend appends b to the pool. It fails with pool.ErrDuplicateBackend
// if the host and port are already present.
func (d *Dispatcher) AddBackend(b *strategy.Backend) error {
	if err := d.pool.Add(b); err != nil {
		return err
	}
	slog.Info("backend added", "backend", b.Address())
	return nil
}

// RemoveBackend drops the backend with address addr from the pool.
// Connections already forwarding to it are left alone.
func (d *Dispatcher) RemoveBackend(addr string) error {
	b, err := d.pool.Remove(addr)
	if err != nil {
		return err
	}
	slog.Info("backend removed", "backend", addr, "active_conns", b.ActiveConnections())
	return nil
}

// ReplaceBackends reconciles the pool with backends, keeping the existing
// *Backend (counters and health flag) for addresses already present.
func (d *Dispatcher) ReplaceBackends(backends []*strategy.Backend) (added, removed int, err error) {
	return d.pool.Replace(backends)
}

// SetHealthy sets the health flag of the backend at addr. This is the only
// way to clear the flag set by a failed connect.
func (d *Dispatcher) SetHealthy(addr string, healthy bool) error {
	b := d.pool.Find(addr)
	if b == nil {
		return fmt.Errorf("%w: %s", pool.ErrBackendNotFound, addr)
	}
	if healthy {
		b.MarkHealthy()
	} else {
		b.MarkUnhealthy()
	}
	slog.Info("backend health set", "backend", addr, "healthy", healthy)
	return nil
}

func (d *Dispatcher) serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if d.State() != StateRunning || d.listener() != ln {
				return nil // closed by Stop
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("proxy: listener closed unexpectedly: %w", err)
			}
			d.metrics.AcceptError()
			backoff = nextBackoff(backoff)
			slog.Warn("accept error", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		d.dispatch(conn)
	}
}

func (d *Dispatcher) dispatch(conn net.Conn) {
	b := d.Strategy().Select(d.pool.View())
	if b == nil {
		slog.Debug("no backend available, closing client", "remote_addr", conn.RemoteAddr().String())
		d.metrics.Rejected()
		closeQuietly(conn)
		return
	}
	go d.fwd.Forward(context.Background(), conn, b)
}

func (d *Dispatcher) listener() net.Listener {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.ln
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return minAcceptBackoff
	}
	return min(cur*2, maxAcceptBackoff)
}
