// Package monitor probes the generation backend in the background and
// reports its liveness to subscribers and the status endpoint.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/config"
	"github.com/comfy-relay/backend/internal/logging"
	"github.com/comfy-relay/backend/internal/ws"
)

// Prober is the backend call used as a liveness check.
type Prober interface {
	SystemStats(ctx context.Context) error
}

// Broadcaster receives backend_health messages on status transitions.
type Broadcaster interface {
	BroadcastJSON(v any) int
}

type Monitor struct {
	prober      Prober
	broadcaster Broadcaster
	cfg         config.MonitorConfig
	health      *backendHealth
}

func NewMonitor(prober Prober, broadcaster Broadcaster, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		prober:      prober,
		broadcaster: broadcaster,
		cfg:         cfg,
		health:      newBackendHealth(),
	}
}

// Start probes until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := logging.Component("monitor")
	logger.Info().Dur("interval", interval).Msg("Backend monitor started")

	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Backend monitor stopped")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout())
	err := m.prober.SystemStats(probeCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.health.recordFailure(err)
	} else {
		m.health.recordSuccess()
	}
	m.maybeEmitHealthEvent()
}

// probeTimeout keeps a probe from overlapping the next tick.
func (m *Monitor) probeTimeout() time.Duration {
	if d := m.cfg.ProbeInterval; d > 0 && d < 10*time.Second {
		return d
	}
	return 10 * time.Second
}

// healthThreshold returns the configured failure threshold, falling back to
// 3 if unconfigured or zero.
func (m *Monitor) healthThreshold() int {
	if t := m.cfg.FailureThreshold; t > 0 {
		return t
	}
	return 3
}

// maybeEmitHealthEvent broadcasts a backend_health message when the status
// transitions (e.g. healthy -> degraded).
func (m *Monitor) maybeEmitHealthEvent() {
	h, changed := m.health.snapshotAndEmit(m.healthThreshold())
	if !changed {
		return
	}
	m.broadcaster.BroadcastJSON(ws.BackendHealthMessage{
		Type:                ws.MsgBackendHealth,
		Status:              h.Status,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		CheckedAt:           h.CheckedAt,
	})

	ev := log.Info()
	if h.Status != ws.StatusHealthy {
		ev = log.Warn()
	}
	ev.Str("component", "monitor").
		Str("status", string(h.Status)).
		Int("failures", h.ConsecutiveFailures).
		Str("last_error", h.LastError).
		Msg("Backend health changed")
}

// Health returns the latest probe result.
func (m *Monitor) Health() Health {
	return m.health.snapshot(m.healthThreshold())
}
