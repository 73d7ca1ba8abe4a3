package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mtomr3/nordmac/pkg/catalog"
	"github.com/mtomr3/nordmac/pkg/health"
	"github.com/mtomr3/nordmac/pkg/web"
)

func newConnectCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		protocol         string
		countries        []string
		excludeCountries []string
		avoid            []string
	)

	cmd := &cobra.Command{
		Use:   "connect [server-id]",
		Short: "Establish a VPN tunnel and hold it until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			if protocol != "" {
				a.cfg.VPN.Protocol = protocol
			}

			filter := catalog.FilterOptions{
				Countries:        countries,
				ExcludeCountries: excludeCountries,
				AvoidHosts:       avoid,
			}
			if len(args) == 1 {
				filter.Hosts = []string{args[0]}
			}

			comp, err := a.buildComponents(filter)
			if err != nil {
				return err
			}
			return runConnect(cmd.Context(), a, comp)
		},
	}

	cmd.Flags().StringVarP(&protocol, "protocol", "p", "", "restrict to tcp or udp configs")
	cmd.Flags().StringSliceVar(&countries, "country", nil, "only use servers in these countries")
	cmd.Flags().StringSliceVar(&excludeCountries, "exclude-country", nil, "never use servers in these countries")
	cmd.Flags().StringSliceVar(&avoid, "avoid", nil, "server ids or hosts to skip")
	return cmd
}

// runConnect connects, then holds the session with the health monitor and
// optional status API until a signal or an unrecoverable failure.
func runConnect(ctx context.Context, a *app, comp *components) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := comp.manager.Connect(ctx); err != nil {
		return err
	}

	status := comp.manager.Status()
	fmt.Printf("Connected to %s", status.Endpoint)
	if status.ExitIP != "" {
		fmt.Printf(" (exit IP %s)", status.ExitIP)
	}
	fmt.Println()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)

	if a.cfg.Health.Enabled && comp.prober != nil {
		monitor := health.New(comp.manager, comp.prober,
			a.cfg.Health.CheckInterval, a.cfg.Health.FailureThreshold, a.logger)
		monitor.OnUnhealthy(func(cbCtx context.Context, reason error) {
			a.logger.Error("Disconnecting unhealthy tunnel", "reason", reason)
			cancel()
		})
		g.Go(func() error { return monitor.Run(runCtx) })
	}

	if a.cfg.API.Enabled {
		server := web.New(a.cfg.API.Listen, comp.manager, nil, a.logger)
		g.Go(func() error { return server.Run(runCtx) })
	}

	// Hold until signal, health disconnect, or unexpected client exit.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				if !comp.manager.State().Active() {
					cancel()
					return nil
				}
			}
		}
	})

	err := g.Wait()

	if disconnectErr := comp.manager.Disconnect(context.Background()); disconnectErr != nil {
		a.logger.Debug("No session to disconnect", "error", disconnectErr)
	}

	if last := comp.manager.Status().LastError; last != "" {
		return fmt.Errorf("session ended: %s", last)
	}
	fmt.Println("Disconnected")
	return err
}

func newDisconnectCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Run a standalone cleanup pass for drifted host state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}

			gw := a.gateway()
			record := a.cleaner(gw).Run(cmd.Context())

			for _, step := range record.Steps {
				outcome := "ok"
				if step.Err != nil {
					outcome = step.Error
				}
				fmt.Printf("%-40s %s\n", step.Name, outcome)
			}
			if failures := record.Failures(); len(failures) > 0 {
				fmt.Printf("cleanup finished with %d failed steps\n", len(failures))
			} else {
				fmt.Println("cleanup finished")
			}
			return nil
		},
	}
}
