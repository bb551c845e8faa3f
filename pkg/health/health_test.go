// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChecker_Statuses(t *testing.T) {
	cases := []struct {
		name     string
		critical error
		optional error
		want     Status
	}{
		{"all healthy", nil, nil, StatusHealthy},
		{"optional failing", nil, errors.New("busy"), StatusDegraded},
		{"critical failing", errors.New("down"), nil, StatusUnhealthy},
		{"both failing", errors.New("down"), errors.New("busy"), StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(-1)
			c.RegisterCritical("director", func(context.Context) error { return tc.critical })
			c.Register("sessions", func(context.Context) error { return tc.optional })

			status, checks := c.Health(context.Background())
			if status != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, status)
			}
			if len(checks) != 2 || checks[0].Name != "director" || checks[1].Name != "sessions" {
				t.Errorf("Expected sorted checks, got %+v", checks)
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	c := NewChecker(0)

	var calls atomic.Int32
	c.Register("counted", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls.Load() != 1 {
		t.Errorf("Expected cached result, check ran %d times", calls.Load())
	}
}

func TestReadinessHandler(t *testing.T) {
	var ready atomic.Bool
	c := NewChecker(-1)
	c.RegisterCritical("director", ReadyCheck(ready.Load))

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", rec.Code)
	}

	ready.Store(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", rec.Code)
	}

	var body struct {
		Status Status  `json:"status"`
		Checks []Check `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Status != StatusHealthy || len(body.Checks) != 1 {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestHTTPHandler_DegradedIsOK(t *testing.T) {
	c := NewChecker(-1)
	c.Register("sessions", SessionCheck(func() int { return 10 }, 10))

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for degraded, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestResourceChecks(t *testing.T) {
	if err := GoroutineCheck(1)(context.Background()); err == nil {
		t.Error("Expected goroutine check to fail with max 1")
	}
	if err := GoroutineCheck(0)(context.Background()); err != nil {
		t.Errorf("Expected disabled goroutine check to pass, got %v", err)
	}
	if err := MemoryCheck(1)(context.Background()); err == nil {
		t.Error("Expected memory check to fail with max 1 byte")
	}
}
