// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultTTL   = 10 * time.Second
	checkTimeout = 5 * time.Second
)

// Check represents the last result of a single health check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMs  float64   `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registration struct {
	check    CheckFunc
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registration
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. Results are cached for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = defaultTTL
	}
	return &Checker{
		checks: make(map[string]registration),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a check whose failure degrades the service.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure makes the service unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registration{check: check, critical: critical}
	delete(c.cache, name)
}

// Health runs the registered checks, or returns cached results younger
// than the TTL, and returns the overall status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := StatusHealthy
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		reg := c.checks[name]
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			check = run(ctx, name, reg.check)
			c.cache[name] = check
		}
		checks = append(checks, *check)

		if check.Status == StatusHealthy {
			continue
		}
		switch {
		case reg.critical:
			overall = StatusUnhealthy
		case overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func run(ctx context.Context, name string, f CheckFunc) *Check {
	start := time.Now()
	err := f(ctx)
	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		DurationMs:  float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Handler returns a router serving /health, /ready and /live.
func (c *Checker) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", c.HTTPHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", c.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", LivenessHandler()).Methods(http.MethodGet)
	return r
}

// HTTPHandler reports every check. Only an unhealthy service answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		write(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// ReadinessHandler answers 503 unless every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		write(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler reports that the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

func (c *Checker) health(r *http.Request) (Status, []Check) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	return c.Health(ctx)
}

func write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
