// Package admin serves the management HTTP API of tcplb: pool inspection and
// mutation, strategy swap, liveness and Prometheus metrics. It is optional and
// listens on its own address, separate from the balanced TCP port.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tcplb/internal/config"
	"tcplb/internal/pool"
	"tcplb/internal/strategy"
)

// Balancer is the runtime surface the admin API drives. *proxy.Dispatcher
// implements it.
type Balancer interface {
	Backends() []*strategy.Backend
	AddBackend(b *strategy.Backend) error
	RemoveBackend(addr string) error
	SetHealthy(addr string, healthy bool) error
	Strategy() strategy.Strategy
	SetStrategy(s strategy.Strategy)
}

// Server is the management HTTP server.
type Server struct {
	lb        Balancer
	gatherer  prometheus.Gatherer
	startTime time.Time
	version   string

	mux     *http.ServeMux
	handler atomic.Pointer[http.Handler]
	srv     *http.Server
}

// New creates the admin Server. gatherer may be nil, in which case /metrics
// is not served. Call Start to begin listening.
func New(lb Balancer, cfg config.AdminCfg, gatherer prometheus.Gatherer, startTime time.Time, version string) *Server {
	s := &Server{
		lb:        lb,
		gatherer:  gatherer,
		startTime: startTime,
		version:   version,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/backends", s.handleListBackends)
	s.mux.HandleFunc("POST /api/backends", s.handleAddBackend)
	s.mux.HandleFunc("DELETE /api/backends", s.handleRemoveBackend)
	s.mux.HandleFunc("POST /api/backends/healthy", s.handleSetHealth(true))
	s.mux.HandleFunc("POST /api/backends/unhealthy", s.handleSetHealth(false))
	s.mux.HandleFunc("GET /api/strategy", s.handleGetStrategy)
	s.mux.HandleFunc("PUT /api/strategy", s.handleSetStrategy)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.Reconfigure(cfg)

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      http.HandlerFunc(s.serveHTTP),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Reconfigure rebuilds the middleware chain from cfg's auth and rate-limit
// sections. Requests already in flight finish on the old chain. The listen
// address is fixed at New.
func (s *Server) Reconfigure(cfg config.AdminCfg) {
	var h http.Handler = s.mux
	if cfg.Auth.Enabled {
		h = JWTAuth(cfg.Auth.Secret, cfg.Auth.Exclude)(h)
	}
	if cfg.RateLimit.Enabled {
		h = RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)(h)
	}
	h = Logger(h)
	s.handler.Store(&h)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return http.HandlerFunc(s.serveHTTP) }

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.handler.Load()).ServeHTTP(w, r)
}

// Start begins listening in a background goroutine. It returns an error only
// if the address cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	slog.Info("admin API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ── Handlers ────────────────────────────────────────────────────────────────

// BackendInfo is the JSON view of one backend.
type BackendInfo struct {
	Address           string `json:"address"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Weight            int    `json:"weight"`
	Healthy           bool   `json:"healthy"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
	TotalFailures     int64  `json:"total_failures"`
}

func newBackendInfo(b *strategy.Backend) BackendInfo {
	return BackendInfo{
		Address:           b.Address(),
		Host:              b.Host,
		Port:              b.Port,
		Weight:            b.Weight,
		Healthy:           b.IsHealthy(),
		ActiveConnections: b.ActiveConnections(),
		TotalConnections:  b.TotalConnections(),
		TotalFailures:     b.TotalFailures(),
	}
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Uptime            string `json:"uptime"`
	Version           string `json:"version"`
	Strategy          string `json:"strategy"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
	TotalFailures     int64  `json:"total_failures"`
	BackendsTotal     int    `json:"backends_total"`
	BackendsHealthy   int    `json:"backends_healthy"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	backends := s.lb.Backends()
	st := Stats{
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Version:       s.version,
		Strategy:      s.lb.Strategy().Name(),
		BackendsTotal: len(backends),
	}
	for _, b := range backends {
		st.ActiveConnections += b.ActiveConnections()
		st.TotalConnections += b.TotalConnections()
		st.TotalFailures += b.TotalFailures()
		if b.IsHealthy() {
			st.BackendsHealthy++
		}
	}
	jsonOK(w, st)
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := s.lb.Backends()
	out := make([]BackendInfo, 0, len(backends))
	for _, b := range backends {
		out = append(out, newBackendInfo(b))
	}
	jsonOK(w, out)
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var body config.BackendCfg
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	b, err := strategy.NewBackend(body.Host, body.Port, body.Weight)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.lb.AddBackend(b); err != nil {
		if errors.Is(err, pool.ErrDuplicateBackend) {
			jsonErr(w, err.Error(), http.StatusConflict)
			return
		}
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(newBackendInfo(b)) //nolint:errcheck
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	addr, ok := requireAddr(w, r)
	if !ok {
		return
	}
	if err := s.lb.RemoveBackend(addr); err != nil {
		writePoolErr(w, err)
		return
	}
	jsonOK(w, map[string]string{"status": "removed", "address": addr})
}

func (s *Server) handleSetHealth(healthy bool) http.HandlerFunc {
	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		addr, ok := requireAddr(w, r)
		if !ok {
			return
		}
		if err := s.lb.SetHealthy(addr, healthy); err != nil {
			writePoolErr(w, err)
			return
		}
		jsonOK(w, map[string]string{"status": status, "address": addr})
	}
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]string{"name": s.lb.Strategy().Name()})
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	st, err := strategy.New(body.Name)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.lb.SetStrategy(st)
	slog.Info("admin: strategy changed", "strategy", st.Name())
	jsonOK(w, map[string]string{"name": st.Name()})
}

// ── helpers ─────────────────────────────────────────────────────────────────

func requireAddr(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := r.URL.Query().Get("addr")
	if addr == "" {
		jsonErr(w, "addr query parameter is required", http.StatusBadRequest)
		return "", false
	}
	return addr, true
}

func writePoolErr(w http.ResponseWriter, err error) {
	if errors.Is(err, pool.ErrBackendNotFound) {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonErr(w, err.Error(), http.StatusInternalServerError)
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
