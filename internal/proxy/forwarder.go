package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"tcplb/internal/metrics"
	"tcplb/internal/strategy"
)

const (
	DefaultBufferSize  = 8192
	DefaultDialTimeout = 5 * time.Second
	DefaultJoinTimeout = 500 * time.Millisecond
)

// ForwarderConfig tunes the per-connection relay. Zero values fall back to
// the Default* constants.
type ForwarderConfig struct {
	BufferSize  int           // bytes read per direction per iteration
	DialTimeout time.Duration // backend connect timeout
	JoinTimeout time.Duration // how long cleanup waits for the second direction
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	return c
}

// Forwarder relays bytes between one accepted client connection and the
// backend chosen for it. A single Forwarder is shared by all connections of
// a Dispatcher; Forward keeps its state on the stack.
type Forwarder struct {
	cfg     ForwarderConfig
	dialer  net.Dialer
	bufs    sync.Pool
	metrics *metrics.Metrics
}

// NewForwarder returns a Forwarder using cfg. m may be nil.
func NewForwarder(cfg ForwarderConfig, m *metrics.Metrics) *Forwarder {
	cfg = cfg.withDefaults()
	f := &Forwarder{
		cfg:     cfg,
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
		metrics: m,
	}
	f.bufs.New = func() any {
		buf := make([]byte, cfg.BufferSize)
		return &buf
	}
	return f
}

// Forward connects to b and copies bytes in both directions until the
// backend-to-client direction ends, then waits at most JoinTimeout for the
// client-to-backend direction before closing both sockets. It always closes
// client.
//
// A failed connect marks b unhealthy; there is no retry against another
// backend. Errors after the connect only end the affected direction and are
// logged; they never leave this call. ctx only bounds the dial.
func (f *Forwarder) Forward(ctx context.Context, client net.Conn, b *strategy.Backend) {
	addr := b.Address()
	log := slog.With("backend", addr, "remote_addr", client.RemoteAddr().String())

	backendConn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		b.MarkUnhealthy()
		f.metrics.DialFailed(addr)
		log.Error("backend connect failed, marked unhealthy", "error", err)
		closeQuietly(client)
		return
	}

	b.IncrementActive()
	f.metrics.ConnectionOpened(addr)
	start := time.Now()
	log.Debug("forwarding connection")

	defer func() {
		closeQuietly(client)
		closeQuietly(backendConn)
		b.DecrementActive()
		f.metrics.ConnectionClosed(addr, time.Since(start))
		log.Debug("connection closed", "duration_ms", time.Since(start).Milliseconds())
	}()

	// client -> backend runs on its own goroutine and is the only direction
	// that half-closes its destination, so the backend sees EOF while its
	// reply can still flow back.
	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		n, err := f.pipe(backendConn, client)
		f.metrics.Forwarded(addr, metrics.ClientToBackend, n)
		if err != nil {
			log.Debug("client to backend copy failed", "bytes", n, "error", err)
			return
		}
		halfClose(backendConn)
	}()

	n, err := f.pipe(client, backendConn)
	f.metrics.Forwarded(addr, metrics.BackendToClient, n)
	if err != nil {
		log.Debug("backend to client copy failed", "bytes", n, "error", err)
	}

	join := time.NewTimer(f.cfg.JoinTimeout)
	defer join.Stop()
	select {
	case <-upstreamDone:
	case <-join.C:
		log.Debug("client to backend still open after grace period, closing")
	}
}

// pipe copies src to dst through a pooled fixed-size buffer, writing every
// chunk as soon as it is read. A clean EOF on src returns a nil error.
func (f *Forwarder) pipe(dst, src net.Conn) (int64, error) {
	bufp := f.bufs.Get().(*[]byte)
	defer f.bufs.Put(bufp)
	buf := *bufp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
}

type closeWriter interface {
	CloseWrite() error
}

// halfClose shuts down the write side of c when the transport supports it.
func halfClose(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
