package monitor

import (
	"sync"
	"time"

	"github.com/comfy-relay/backend/internal/ws"
)

// backendHealth tracks consecutive probe failures of the generation backend.
// The probe loop writes it while HTTP handlers read it, so fields are
// protected by mu.
type backendHealth struct {
	mu                sync.Mutex
	failures          int
	lastErr           string
	lastChecked       time.Time
	lastEmittedStatus ws.HealthStatus
}

func newBackendHealth() *backendHealth {
	return &backendHealth{lastEmittedStatus: ws.StatusHealthy}
}

func (h *backendHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastChecked = time.Now()
}

func (h *backendHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastChecked = time.Now()
}

// Health is a point-in-time view of the backend's liveness.
type Health struct {
	Status              ws.HealthStatus `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastError           string          `json:"last_error,omitempty"`
	CheckedAt           time.Time       `json:"checked_at"`
}

func (h *backendHealth) snapshot(threshold int) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthLocked(threshold)
}

// snapshotAndEmit returns the current health and whether the status changed
// since the last emission, updating lastEmittedStatus in the same critical
// section.
func (h *backendHealth) snapshotAndEmit(threshold int) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.healthLocked(threshold)
	changed := cur.Status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = cur.Status
	}
	return cur, changed
}

// healthLocked builds a snapshot. Caller must hold h.mu.
func (h *backendHealth) healthLocked(threshold int) Health {
	return Health{
		Status:              h.statusLocked(threshold),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		CheckedAt:           h.lastChecked,
	}
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *backendHealth) statusLocked(threshold int) ws.HealthStatus {
	switch {
	case h.failures >= threshold:
		return ws.StatusFailed
	case h.failures > 0:
		return ws.StatusDegraded
	}
	return ws.StatusHealthy
}

func (h *backendHealth) status(threshold int) ws.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}
