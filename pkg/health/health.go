// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints for the
// tunnel process.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrNotReady is returned by readiness checks before the director is bound.
var ErrNotReady = errors.New("not ready")

// Check represents the result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Critical    bool          `json:"critical"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker manages health checks. A failing critical check makes the
// process unhealthy; any other failure only degrades it.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registered
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = time.Second
	}
	return &Checker{
		checks: make(map[string]registered),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a non-critical health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure marks the process unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: check, critical: critical}
	delete(c.cache, name)
}

// Health returns the overall health status and each check result, sorted
// by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	checks := make([]Check, 0, len(c.checks))
	overall := StatusHealthy

	for name, reg := range c.checks {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			start := time.Now()
			err := reg.fn(ctx)

			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				Critical:    reg.critical,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		if check.Status != StatusHealthy {
			switch {
			case check.Critical:
				overall = StatusUnhealthy
			case overall == StatusHealthy:
				overall = StatusDegraded
			}
		}
		checks = append(checks, *check)
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return overall, checks
}

// HTTPHandler reports health. Degraded still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s == StatusUnhealthy })
}

// ReadinessHandler reports readiness. Anything but healthy answers 503.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return c.handler(func(s Status) bool { return s != StatusHealthy })
}

func (c *Checker) handler(unavailable func(Status) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		w.Header().Set("Content-Type", "application/json")
		if unavailable(status) {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadyCheck fails until ready reports true.
func ReadyCheck(ready func() bool) CheckFunc {
	return func(context.Context) error {
		if !ready() {
			return ErrNotReady
		}
		return nil
	}
}

// SessionCheck fails when count exceeds limit. A non-positive limit
// disables the check.
func SessionCheck(count func() int, limit int) CheckFunc {
	return func(context.Context) error {
		if n := count(); limit > 0 && n >= limit {
			return fmt.Errorf("%d sessions open, limit %d", n, limit)
		}
		return nil
	}
}

// GoroutineCheck fails when the goroutine count exceeds max.
func GoroutineCheck(max int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); max > 0 && n > max {
			return fmt.Errorf("%d goroutines running, max %d", n, max)
		}
		return nil
	}
}

// MemoryCheck fails when the heap exceeds max bytes.
func MemoryCheck(max uint64) CheckFunc {
	return func(context.Context) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if max > 0 && ms.HeapAlloc > max {
			return fmt.Errorf("heap %d bytes, max %d", ms.HeapAlloc, max)
		}
		return nil
	}
}
