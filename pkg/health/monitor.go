// Package health periodically probes the tunnel while a session is
// connected and raises a callback after too many consecutive failures.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtomr3/nordmac/pkg/session"
)

// Stater exposes the current session phase.
type Stater interface {
	State() session.State
}

// Prober checks tunnel connectivity.
type Prober interface {
	Verify(ctx context.Context) error
}

// Callback is invoked when the tunnel is declared unhealthy.
type Callback func(ctx context.Context, reason error)

// Status is a snapshot of recent checks for the status API.
type Status struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor runs the periodic check loop.
type Monitor struct {
	stater    Stater
	prober    Prober
	interval  time.Duration
	threshold int
	logger    *slog.Logger

	mutex     sync.Mutex
	callbacks []Callback
	status    Status
}

// New creates a monitor. threshold is the number of consecutive probe
// failures before callbacks fire.
func New(stater Stater, prober Prober, interval time.Duration, threshold int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold < 1 {
		threshold = 3
	}
	return &Monitor{
		stater:    stater,
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		status:    Status{Healthy: true},
	}
}

// OnUnhealthy registers a callback fired when the failure threshold is
// reached.
func (m *Monitor) OnUnhealthy(fn Callback) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Run checks the tunnel on every tick until ctx is cancelled. Checks only
// count while the session is connected; any other phase resets the
// failure streak.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	if m.stater.State() != session.StateConnected {
		m.mutex.Lock()
		m.status = Status{Healthy: true, LastCheck: time.Now()}
		m.mutex.Unlock()
		return
	}

	err := m.prober.Verify(ctx)

	m.mutex.Lock()
	m.status.LastCheck = time.Now()
	if err == nil {
		m.status.Healthy = true
		m.status.ConsecutiveFailures = 0
		m.status.LastError = ""
		m.mutex.Unlock()
		return
	}

	m.status.ConsecutiveFailures++
	m.status.LastError = err.Error()
	failures := m.status.ConsecutiveFailures
	fire := failures >= m.threshold
	if fire {
		m.status.Healthy = false
		m.status.ConsecutiveFailures = 0
	}
	callbacks := m.callbacks
	m.mutex.Unlock()

	m.logger.Warn("Tunnel health check failed",
		"consecutive_failures", failures,
		"threshold", m.threshold,
		"error", err)

	if fire {
		m.logger.Error("Tunnel declared unhealthy", "error", err)
		for _, fn := range callbacks {
			fn(ctx, err)
		}
	}
}

// Snapshot returns the current health status.
func (m *Monitor) Snapshot() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.status
}
