// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/absmach/uotunnel"
	"github.com/absmach/uotunnel/pkg/health"
	"github.com/absmach/uotunnel/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

func newChecker(d director, cfg uotunnel.Config) *health.Checker {
	checker := health.NewChecker(time.Second)
	checker.RegisterCritical("director", health.ReadyCheck(d.Ready))
	checker.Register("sessions", health.SessionCheck(d.Count, cfg.MaxSessions))
	checker.Register("goroutines", health.GoroutineCheck(cfg.MaxGoroutines))
	return checker
}

// serveMetrics serves the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	logger.Info("Starting metrics server", slog.String("address", addr))
	return serve(ctx, addr, mux, logger)
}

// serveHealth serves the health, readiness and liveness probes until ctx is
// done.
func serveHealth(ctx context.Context, addr string, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	logger.Info("Starting health server", slog.String("address", addr))
	return serve(ctx, addr, mux, logger)
}

func serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error",
				slog.String("address", addr),
				slog.String("error", err.Error()))
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// sampleResources refreshes the goroutine and memory gauges every interval.
func sampleResources(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
