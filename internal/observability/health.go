package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for /healthz and
// /readyz.
type HealthChecker struct {
	ready     atomic.Bool
	lastCycle atomic.Int64 // unix nanos of the last completed cycle
	maxAge    time.Duration
	startTime time.Time
}

// NewHealthChecker creates a health checker. A positive maxCycleAge makes
// readiness fail when no cycle has completed within that window.
func NewHealthChecker(maxCycleAge time.Duration) *HealthChecker {
	return &HealthChecker{
		maxAge:    maxCycleAge,
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RecordCycle notes a completed cycle.
func (h *HealthChecker) RecordCycle(at time.Time) {
	h.lastCycle.Store(at.UnixNano())
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	if h.maxAge <= 0 {
		return true
	}
	last := h.lastCycle.Load()
	return last != 0 && time.Since(time.Unix(0, last)) <= h.maxAge
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once startup finished and cycles are
// completing, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"status": "ready"}
	if last := h.lastCycle.Load(); last != 0 {
		body["last_cycle"] = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
	} else {
		body["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
