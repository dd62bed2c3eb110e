package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okdaichi/quictransport/internal/config"
)

func newTestAdmin(t *testing.T) *admin {
	t.Helper()

	cfg := config.Default()
	a, err := newAdmin(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdmin_Live(t *testing.T) {
	a := newTestAdmin(t)

	rec := get(t, a.handler(), "/live")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_NotReadyWithoutListener(t *testing.T) {
	a := newTestAdmin(t)

	rec := get(t, a.handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_MetricsCountTracerEvents(t *testing.T) {
	a := newTestAdmin(t)

	a.tracer.NewConnection(1)
	a.tracer.NewStream(1, 0)
	a.tracer.NewStream(1, 4)

	rec := get(t, a.handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "quicecho_quic_connections_total 1")
	assert.Contains(t, body, "quicecho_quic_streams_total 2")
	assert.Contains(t, body, "go_goroutines")
}

func TestAdmin_MetricsIncludeHealthStatus(t *testing.T) {
	a := newTestAdmin(t)

	rec := get(t, a.handler(), "/metrics")
	assert.Contains(t, rec.Body.String(), `quicecho_healthcheck_status{check="listener"} 1`)
}
