package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type namedCheck struct {
	name    string
	checker HealthChecker
}

type HealthHandler struct {
	checks []namedCheck
	ready  atomic.Bool
}

// NewHealthHandler creates a handler whose readiness includes db under the
// "database" check. db may be nil.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	h := &HealthHandler{}
	if db != nil {
		h.AddCheck("database", db)
	}
	h.ready.Store(false)
	return h
}

// AddCheck registers an additional dependency probed by Ready.
// It must be called before the handler starts serving.
func (h *HealthHandler) AddCheck(name string, checker HealthChecker) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, checker: checker})
	return h
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string)
	allHealthy := true

	if !h.ready.Load() {
		checks["app"] = "not ready"
		allHealthy = false
	} else {
		checks["app"] = "ok"
	}

	for _, c := range h.checks {
		if err := c.checker.Ping(r.Context()); err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}
