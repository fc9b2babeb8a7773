package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcplb/internal/admin"
	"tcplb/internal/config"
	"tcplb/internal/metrics"
	"tcplb/internal/pool"
	"tcplb/internal/proxy"
	"tcplb/internal/strategy"
)

// newTestServer wires an admin Server to an unstarted Dispatcher holding the
// given backends.
func newTestServer(t *testing.T, cfg config.AdminCfg, backends ...*strategy.Backend) (*admin.Server, *proxy.Dispatcher) {
	t.Helper()
	p, err := pool.New(backends...)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	metrics.RegisterPool(reg, p.View)

	d := proxy.New(proxy.Config{ListenAddr: "127.0.0.1:0"}, p, strategy.NewRoundRobin(), m)
	return admin.New(d, cfg, reg, time.Now(), "test"), d
}

func mustBackend(t *testing.T, host string, port int) *strategy.Backend {
	t.Helper()
	b, err := strategy.NewBackend(host, port, 1)
	require.NoError(t, err)
	return b
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// ── read endpoints ───────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{})

	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestListBackends(t *testing.T) {
	b1 := mustBackend(t, "10.0.0.1", 80)
	b2 := mustBackend(t, "10.0.0.2", 81)
	b2.MarkUnhealthy()
	b1.IncrementActive()
	s, _ := newTestServer(t, config.AdminCfg{}, b1, b2)

	rec := do(t, s.Handler(), http.MethodGet, "/api/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]admin.BackendInfo](t, rec)

	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.1:80", got[0].Address)
	assert.Equal(t, int64(1), got[0].ActiveConnections)
	assert.True(t, got[0].Healthy)
	assert.False(t, got[1].Healthy)
	assert.Equal(t, int64(1), got[1].TotalFailures)
}

func TestListBackends_EmptyPoolIsEmptyArray(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/backends", "")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestStats(t *testing.T) {
	b1 := mustBackend(t, "10.0.0.1", 80)
	b2 := mustBackend(t, "10.0.0.2", 80)
	b1.IncrementActive()
	b1.IncrementActive()
	b2.MarkUnhealthy()
	s, _ := newTestServer(t, config.AdminCfg{}, b1, b2)

	rec := do(t, s.Handler(), http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[admin.Stats](t, rec)

	assert.Equal(t, "round_robin", st.Strategy)
	assert.Equal(t, 2, st.BackendsTotal)
	assert.Equal(t, 1, st.BackendsHealthy)
	assert.Equal(t, int64(2), st.ActiveConnections)
	assert.Equal(t, int64(2), st.TotalConnections)
	assert.Equal(t, int64(1), st.TotalFailures)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{}, mustBackend(t, "10.0.0.1", 80))

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tcplb_backends{state="healthy"} 1`)
}

// ── pool mutation ────────────────────────────────────────────────────────────

func TestAddBackend(t *testing.T) {
	s, d := newTestServer(t, config.AdminCfg{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/backends", `{"host":"10.0.0.9","port":9000,"weight":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[admin.BackendInfo](t, rec)
	assert.Equal(t, "10.0.0.9:9000", info.Address)
	assert.Equal(t, 3, info.Weight)

	require.Len(t, d.Backends(), 1)
	assert.Equal(t, "10.0.0.9:9000", d.Backends()[0].Address())
}

func TestAddBackend_Duplicate_Returns409(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{}, mustBackend(t, "10.0.0.1", 80))

	rec := do(t, s.Handler(), http.MethodPost, "/api/backends", `{"host":"10.0.0.1","port":80}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAddBackend_BadInput_Returns400(t *testing.T) {
	s, d := newTestServer(t, config.AdminCfg{})

	for _, body := range []string{`not json`, `{"host":"","port":80}`, `{"host":"h","port":0}`} {
		rec := do(t, s.Handler(), http.MethodPost, "/api/backends", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
	assert.Empty(t, d.Backends())
}

func TestRemoveBackend(t *testing.T) {
	s, d := newTestServer(t, config.AdminCfg{}, mustBackend(t, "10.0.0.1", 80))

	rec := do(t, s.Handler(), http.MethodDelete, "/api/backends?addr=10.0.0.1:80", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, d.Backends())

	rec = do(t, s.Handler(), http.MethodDelete, "/api/backends?addr=10.0.0.1:80", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s.Handler(), http.MethodDelete, "/api/backends", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetHealth(t *testing.T) {
	b := mustBackend(t, "10.0.0.1", 80)
	s, _ := newTestServer(t, config.AdminCfg{}, b)

	rec := do(t, s.Handler(), http.MethodPost, "/api/backends/unhealthy?addr=10.0.0.1:80", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, b.IsHealthy())

	rec = do(t, s.Handler(), http.MethodPost, "/api/backends/healthy?addr=10.0.0.1:80", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, b.IsHealthy())

	rec = do(t, s.Handler(), http.MethodPost, "/api/backends/healthy?addr=10.9.9.9:1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ── strategy ─────────────────────────────────────────────────────────────────

func TestSetStrategy(t *testing.T) {
	s, d := newTestServer(t, config.AdminCfg{})

	rec := do(t, s.Handler(), http.MethodPut, "/api/strategy", `{"name":"leastconn"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strategy.NameLeastConnections, d.Strategy().Name())

	rec = do(t, s.Handler(), http.MethodGet, "/api/strategy", "")
	assert.JSONEq(t, `{"name":"least_connections"}`, rec.Body.String())

	rec = do(t, s.Handler(), http.MethodPut, "/api/strategy", `{"name":"magic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, strategy.NameLeastConnections, d.Strategy().Name(), "unknown names leave the strategy unchanged")
}

func TestWrongMethod_Returns405(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/stats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ── middleware wiring ────────────────────────────────────────────────────────

func TestAuthEnabled_ProtectsAPIButNotHealthz(t *testing.T) {
	cfg := config.AdminCfg{Auth: config.AuthCfg{Enabled: true, Secret: testSecret, Exclude: []string{"/healthz"}}}
	s, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/stats", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReconfigure_SwapsMiddlewareChain(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{})
	require.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/stats", "").Code)

	s.Reconfigure(config.AdminCfg{Auth: config.AuthCfg{Enabled: true, Secret: testSecret}})
	assert.Equal(t, http.StatusUnauthorized, do(t, s.Handler(), http.MethodGet, "/api/stats", "").Code)

	s.Reconfigure(config.AdminCfg{})
	assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/api/stats", "").Code)
}

func TestRateLimitEnabled(t *testing.T) {
	s, _ := newTestServer(t, config.AdminCfg{RateLimit: config.RateLimitCfg{Enabled: true, RPS: 0.001, Burst: 2}})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, s.Handler(), http.MethodGet, "/healthz", "").Code)
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestStartAndStop(t *testing.T) {
	p, err := pool.New()
	require.NoError(t, err)
	d := proxy.New(proxy.Config{ListenAddr: "127.0.0.1:0"}, p, nil, nil)

	// Grab a free port for the admin listener.
	spare := httptest.NewServer(http.NotFoundHandler())
	addr := spare.Listener.Addr().String()
	spare.Close()

	s := admin.New(d, config.AdminCfg{ListenAddr: addr}, nil, time.Now(), "test")
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode, "no gatherer means no /metrics")
}
