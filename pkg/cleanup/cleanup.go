// Package cleanup restores host network state after a VPN session: split
// routes, DNS cache, resolver and lingering client processes. Every step is
// best-effort and every outcome is recorded; a pass never fails as a whole.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mtomr3/nordmac/pkg/privexec"
)

// Gateway is the subset of privileged operations cleanup needs.
type Gateway interface {
	DeleteRoute(ctx context.Context, cidr string) error
	FlushDNSCache(ctx context.Context) error
	RestartResolver(ctx context.Context) error
	TerminateClient(ctx context.Context, sig privexec.Signal) error
}

// StepResult is the outcome of one cleanup step.
type StepResult struct {
	Name     string        `json:"name"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Record describes one full cleanup pass.
type Record struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Steps     []StepResult  `json:"steps"`
}

// Failures returns the steps that reported an error.
func (r Record) Failures() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Options selects which steps a pass performs.
type Options struct {
	Routes          []string
	FlushDNS        bool
	RestartResolver bool
	KillGrace       time.Duration
}

// Manager runs cleanup passes.
type Manager struct {
	gateway Gateway
	opts    Options
	logger  *slog.Logger
}

// New creates a cleanup manager.
func New(gateway Gateway, opts Options, logger *slog.Logger) *Manager {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	return &Manager{gateway: gateway, opts: opts, logger: logger}
}

// Run executes one cleanup pass: delete routes, flush DNS, restart the
// resolver, then terminate lingering client processes. Steps run in that
// order; a failed step never blocks the ones after it. Each step runs at
// most once within the pass. Running against an already clean host is a
// no-op pass where every step succeeds.
func (m *Manager) Run(ctx context.Context) Record {
	record := Record{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
	m.logger.Info("Network cleanup started", "cleanup_id", record.ID)

	seen := make(map[string]bool)
	step := func(name string, fn func(context.Context) error) {
		if seen[name] {
			return
		}
		seen[name] = true

		start := time.Now()
		err := fn(ctx)
		result := StepResult{Name: name, Err: err, Duration: time.Since(start)}
		if err != nil {
			result.Error = err.Error()
			m.logger.Warn("Cleanup step failed", "cleanup_id", record.ID, "step", name, "error", err)
		} else {
			m.logger.Debug("Cleanup step done", "cleanup_id", record.ID, "step", name)
		}
		record.Steps = append(record.Steps, result)
	}

	for _, route := range m.opts.Routes {
		route := route
		step("delete-route "+route, func(ctx context.Context) error {
			return m.gateway.DeleteRoute(ctx, route)
		})
	}

	if m.opts.FlushDNS {
		step("flush-dns", m.gateway.FlushDNSCache)
	}
	if m.opts.RestartResolver {
		step("restart-resolver", m.gateway.RestartResolver)
	}

	step("terminate-client", func(ctx context.Context) error {
		if err := m.gateway.TerminateClient(ctx, privexec.SigTerm); err != nil {
			return err
		}
		select {
		case <-time.After(m.opts.KillGrace):
		case <-ctx.Done():
		}
		return m.gateway.TerminateClient(ctx, privexec.SigKill)
	})

	record.Duration = time.Since(record.StartedAt)
	m.logger.Info("Network cleanup finished",
		"cleanup_id", record.ID,
		"steps", len(record.Steps),
		"failures", len(record.Failures()),
		"duration", record.Duration)
	return record
}
