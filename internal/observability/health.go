package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state, plus per-component
// status reported by the background pollers (oracle ingest, settlement
// scanner, redemption queue).
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time

	mu         sync.RWMutex
	components map[string]componentStatus
}

type componentStatus struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime:  time.Now(),
		components: make(map[string]componentStatus),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetComponent records a poller's health. Pollers call this on every tick;
// a component that stops reporting shows a stale updated_at.
func (h *HealthChecker) SetComponent(name string, healthy bool, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = componentStatus{
		Healthy:   healthy,
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 if the service is ready, 503 otherwise.
// Includes per-component status for diagnostics.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	components := make(map[string]componentStatus, len(h.components))
	for name, st := range h.components {
		components[name] = st
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ready",
			"components": components,
		})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "not_ready",
			"components": components,
		})
	}
}
