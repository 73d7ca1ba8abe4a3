// Package probe verifies basic connectivity through the tunnel by opening
// TCP connections to a set of well-known hosts.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Prober dials each configured host:port and requires all of them to
// answer within the timeout.
type Prober struct {
	hosts   []string
	timeout time.Duration
	dialer  *net.Dialer
	logger  *slog.Logger
}

// New creates a prober for the given host:port targets.
func New(hosts []string, timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Prober{
		hosts:   hosts,
		timeout: timeout,
		dialer:  &net.Dialer{},
		logger:  logger,
	}
}

// Verify dials every target concurrently. The first failure cancels the
// rest and is returned. No targets configured means nothing to verify.
func (p *Prober) Verify(ctx context.Context) error {
	if len(p.hosts) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, host := range p.hosts {
		host := host
		g.Go(func() error {
			start := time.Now()
			conn, err := p.dialer.DialContext(ctx, "tcp", host)
			if err != nil {
				return fmt.Errorf("connectivity probe to %s failed: %w", host, err)
			}
			_ = conn.Close()
			p.logger.Debug("Connectivity probe succeeded", "target", host, "latency", time.Since(start))
			return nil
		})
	}
	return g.Wait()
}
