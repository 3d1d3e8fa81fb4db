package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/captain/internal/adapter/agentclient"
	"github.com/xiaot623/captain/internal/dispatch"
	"github.com/xiaot623/captain/internal/liveness"
	"github.com/xiaot623/captain/internal/metrics"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/internal/service"
	"github.com/xiaot623/captain/internal/transport/ws"
)

func newTestService(t *testing.T, m *metrics.Metrics) (*service.Service, *liveness.Tracker) {
	t.Helper()
	reg, err := registry.New(registry.Options{})
	require.NoError(t, err)
	client := agentclient.NewClient()
	tracker := liveness.NewTracker(client, liveness.Options{})
	opts := dispatch.Options{}
	if m != nil {
		opts.Observer = m
	}
	d := dispatch.New(reg, tracker, client, opts)
	return service.New(reg, tracker, d, service.Options{Metrics: m}), tracker
}

func do(e http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServerRoutes(t *testing.T) {
	m := metrics.New()
	svc, tracker := newTestService(t, m)

	hub := ws.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	e := NewServer(svc, Options{
		Metrics: m.Handler(),
		Stream:  ws.NewServer(hub, tracker, ws.Options{}),
	})

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(e, http.MethodGet, "/ready", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/v1/capabilities", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/v1/request_types", "").Code)

	rec := do(e, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "captain_registry_agents")

	// Not a websocket handshake.
	assert.NotEqual(t, http.StatusNotFound, do(e, http.MethodGet, "/v1/liveness/stream", "").Code)
}

func TestServerRateLimitsRequests(t *testing.T) {
	svc, _ := newTestService(t, nil)
	e := NewServer(svc, Options{RateLimit: 1})

	first := do(e, http.MethodPost, "/v1/requests", `{}`)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := do(e, http.MethodPost, "/v1/requests", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Other routes are not limited.
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/health", "").Code)
}
