// Package cli wires configuration, logging and the session components into
// the nordmac command tree.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtomr3/nordmac/pkg/catalog"
	"github.com/mtomr3/nordmac/pkg/cleanup"
	"github.com/mtomr3/nordmac/pkg/config"
	"github.com/mtomr3/nordmac/pkg/credentials"
	"github.com/mtomr3/nordmac/pkg/ipdetect"
	"github.com/mtomr3/nordmac/pkg/logging"
	"github.com/mtomr3/nordmac/pkg/metrics"
	"github.com/mtomr3/nordmac/pkg/privexec"
	"github.com/mtomr3/nordmac/pkg/probe"
	"github.com/mtomr3/nordmac/pkg/session"
	"github.com/mtomr3/nordmac/pkg/supervisor"
)

// app carries everything a command needs once the config is loaded.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	redactor *logging.RedactorHandler
}

// New builds the root command.
func New() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "nordmac",
		Short:         "VPN connection orchestrator",
		Long:          "nordmac drives the OpenVPN client against NordVPN endpoints,\nretries failed servers and restores host network state on exit.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newConnectCmd(&configPath, &verbose),
		newDisconnectCmd(&configPath, &verbose),
		newServersCmd(&configPath, &verbose),
		newIPCmd(&configPath, &verbose),
		newFetchConfigsCmd(&configPath, &verbose),
		newLoginCmd(&configPath, &verbose),
		newLogoutCmd(&configPath, &verbose),
	)
	return root
}

// Execute runs the CLI.
func Execute() error {
	return New().Execute()
}

// setup loads the config and builds the redacting logger.
func setup(configPath string, verbose bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	redactor := logging.NewRedactorHandlerWithStrings(base, []string{cfg.VPN.Username, cfg.VPN.Password})
	logger := slog.New(redactor)

	return &app{cfg: cfg, logger: logger, redactor: redactor}, nil
}

// credentialProvider picks the configured credential backend.
func (a *app) credentialProvider() credentials.Provider {
	if a.cfg.VPN.UseKeyring {
		return credentials.NewKeyringProvider(a.cfg.VPN.Username)
	}
	return credentials.NewStaticProvider(a.cfg.VPN.Username, a.cfg.VPN.Password)
}

// gateway builds the privileged command gateway from the config.
func (a *app) gateway() *privexec.Gateway {
	return privexec.New(privexec.Options{
		Executable:  a.cfg.VPN.Executable,
		ExtraArgs:   a.cfg.VPN.ExtraArgs,
		ProcessName: a.cfg.Cleanup.ClientProcessName,
		StepTimeout: a.cfg.Cleanup.StepTimeout,
	}, a.logger)
}

// cleaner builds the cleanup manager from the config.
func (a *app) cleaner(gw *privexec.Gateway) *cleanup.Manager {
	return cleanup.New(gw, cleanup.Options{
		Routes:          a.cfg.Cleanup.Routes,
		FlushDNS:        a.cfg.Cleanup.FlushDNS,
		RestartResolver: a.cfg.Cleanup.RestartResolver,
	}, a.logger)
}

// components bundles the session manager with its collaborators.
type components struct {
	catalog  *catalog.Catalog
	detector *ipdetect.Detector
	prober   *probe.Prober
	counters *metrics.Collector
	manager  *session.Manager
}

// buildComponents assembles the full session stack. filter narrows the
// endpoint set before the first selection.
func (a *app) buildComponents(filter catalog.FilterOptions) (*components, error) {
	cat := catalog.New(a.cfg.VPN.ConfigDir, a.cfg.VPN.Protocol)
	if err := cat.Load(); err != nil {
		return nil, err
	}
	cat.SetFilter(filter)

	gw := a.gateway()
	sup := supervisor.New(gw.ClientCommand, supervisor.Options{
		SuccessMarker:  a.cfg.VPN.SuccessMarker,
		ConnectTimeout: a.cfg.VPN.ConnectTimeout,
	}, a.logger)

	detector := ipdetect.New(a.logger)

	var prober *probe.Prober
	if a.cfg.Probe.Enabled {
		prober = probe.New(a.cfg.Probe.Hosts, a.cfg.Probe.Timeout, a.logger)
	}

	counters := metrics.New()

	deps := session.Deps{
		Credentials: a.credentialProvider(),
		Catalog:     cat,
		Launcher: session.LauncherFunc(func(ctx context.Context, endpoint catalog.Endpoint, authPath string) (session.ClientHandle, error) {
			return sup.Launch(ctx, endpoint, authPath)
		}),
		Cleaner: a.cleaner(gw),
		Lock:    session.NewHostLock(a.cfg.Lock.Path),
		Policy: session.RetryPolicy{
			MaxAttempts: a.cfg.Retry.MaxAttempts,
			Backoff:     a.cfg.Retry.Backoff,
			BackoffMax:  a.cfg.Retry.BackoffMax,
		},
		Detector: detector,
		Counters: counters,
		Logger:   a.logger,
	}
	if prober != nil {
		deps.Prober = prober
	}

	return &components{
		catalog:  cat,
		detector: detector,
		prober:   prober,
		counters: counters,
		manager:  session.New(deps),
	}, nil
}
