package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okdaichi/quictransport/internal/config"
	"github.com/okdaichi/quictransport/quic"
	"github.com/okdaichi/quictransport/quic/quictrace"
)

const maxGoroutines = 10000

var errNotListening = errors.New("listener is not accepting")

// admin serves metrics and health checks for a running server.
type admin struct {
	registry *prometheus.Registry
	metrics  *quictrace.Metrics
	tracer   *quictrace.Tracer
	health   healthcheck.Handler

	listener atomic.Pointer[quic.Listener]
}

func newAdmin(cfg *config.Config, logger *slog.Logger) (*admin, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promTracer, metrics, err := quictrace.NewPrometheusTracer(reg, cfg.Admin.Namespace)
	if err != nil {
		return nil, err
	}

	a := &admin{
		registry: reg,
		metrics:  metrics,
		tracer:   quictrace.Join(quictrace.NewSlogTracer(logger), promTracer),
		health:   healthcheck.NewMetricsHandler(reg, cfg.Admin.Namespace),
	}
	a.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	a.health.AddReadinessCheck("listener", a.listenerReady)

	return a, nil
}

func (a *admin) setListener(l *quic.Listener) {
	a.listener.Store(l)
}

func (a *admin) listenerReady() error {
	l := a.listener.Load()
	if l == nil {
		return errNotListening
	}
	if _, err := l.Addr(); err != nil {
		return err
	}
	return nil
}

func (a *admin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", a.health.LiveEndpoint)
	mux.HandleFunc("/ready", a.health.ReadyEndpoint)
	return mux
}

// serve runs the admin HTTP server until ctx is done.
func (a *admin) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
