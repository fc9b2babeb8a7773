package proxy_test

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcplb/internal/pool"
	"tcplb/internal/proxy"
	"tcplb/internal/strategy"
)

// ── backends ─────────────────────────────────────────────────────────────────

// testServer is an in-process TCP backend that runs handle for every
// accepted connection and counts how many it served.
type testServer struct {
	ln     net.Listener
	served atomic.Int64
}

func startServer(t *testing.T, handle func(net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.served.Add(1)
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

// startEchoServer returns a backend that writes back everything it reads
// and closes once the peer half-closes.
func startEchoServer(t *testing.T) *testServer {
	t.Helper()
	return startServer(t, func(c net.Conn) {
		// Hide ReaderFrom/WriterTo so the copy never tries to splice a socket
		// onto itself.
		_, _ = io.Copy(struct{ io.Writer }{c}, struct{ io.Reader }{c})
	})
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) backend(t *testing.T) *strategy.Backend {
	t.Helper()
	b, err := strategy.ParseBackend(s.addr(), 1)
	require.NoError(t, err)
	return b
}

// closedAddr returns a loopback address nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// ── dispatcher ───────────────────────────────────────────────────────────────

func newPool(t *testing.T, backends ...*strategy.Backend) *pool.Pool {
	t.Helper()
	p, err := pool.New(backends...)
	require.NoError(t, err)
	return p
}

func testConfig() proxy.Config {
	return proxy.Config{
		ListenAddr: "127.0.0.1:0",
		Forward:    proxy.ForwarderConfig{JoinTimeout: 200 * time.Millisecond},
	}
}

// runDispatcher starts d on a goroutine, waits until it is bound and stops it
// when the test ends, checking that Start returned cleanly.
func runDispatcher(t *testing.T, d *proxy.Dispatcher) string {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start() }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("dispatcher failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not become ready")
	}

	t.Cleanup(func() {
		d.Stop()
		select {
		case err := <-errCh:
			assert.NoError(t, err, "Start must return nil after Stop")
		case <-time.After(2 * time.Second):
			t.Error("Start did not return after Stop")
		}
	})
	return d.Addr().String()
}

func startDispatcher(t *testing.T, p *pool.Pool, s strategy.Strategy) (*proxy.Dispatcher, string) {
	t.Helper()
	d := proxy.New(testConfig(), p, s, nil)
	return d, runDispatcher(t, d)
}

// ── clients ──────────────────────────────────────────────────────────────────

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = c.Close() })
	return c.(*net.TCPConn)
}

// roundTrip sends payload, half-closes the write side and returns everything
// read until end-of-stream.
func roundTrip(t *testing.T, addr, payload string) string {
	t.Helper()
	c := dial(t, addr)
	_, err := c.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, c.CloseWrite())

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(got)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// firstOnly is a strategy that always returns the first backend.
type firstOnly struct{}

func (firstOnly) Name() string { return "first_only" }

func (firstOnly) Select(pool []*strategy.Backend) *strategy.Backend {
	if len(pool) == 0 {
		return nil
	}
	return pool[0]
}
