// Package privexec is the single place in the program that issues
// privileged commands. It exposes a closed set of operations, validates
// every argument before invocation, and always builds argv arrays, never
// shell text. Elevation uses non-interactive sudo; a sudo password prompt
// in the output maps to ErrPrivilegeDenied.
package privexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrPrivilegeDenied indicates sudo needed a password it cannot be
	// given. Not recoverable by retrying with another endpoint.
	ErrPrivilegeDenied = errors.New("privilege elevation denied: passwordless sudo is not configured")

	// ErrInvalidArgument indicates an operation argument failed validation
	// before any command was issued.
	ErrInvalidArgument = errors.New("invalid privileged command argument")
)

// sudoPromptMarkers are the diagnostics sudo emits when it wants a
// password but has no terminal to ask on.
var sudoPromptMarkers = []string{
	"a terminal is required to read the password",
	"a password is required",
}

var processNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// cancelWaitDelay bounds how long a context-cancelled client may keep
// running after the interrupt before Wait force-kills it.
const cancelWaitDelay = 10 * time.Second

// Signal selects how TerminateClient asks lingering processes to go away.
type Signal string

const (
	SigTerm Signal = "TERM"
	SigKill Signal = "KILL"
)

// Runner executes a one-shot command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options configures the gateway. Zero values fall back to the platform
// defaults below.
type Options struct {
	Executable  string
	ExtraArgs   []string
	ProcessName string
	StepTimeout time.Duration

	SudoPath    string
	RoutePath   string
	DSCachePath string
	KillallPath string
	PkillPath   string
}

// Gateway issues the privileged operations the orchestrator needs.
type Gateway struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// New creates a gateway that runs commands on the host.
func New(opts Options, logger *slog.Logger) *Gateway {
	return NewWithRunner(opts, logger, execRunner{})
}

// NewWithRunner creates a gateway with a custom command runner.
func NewWithRunner(opts Options, logger *slog.Logger, runner Runner) *Gateway {
	if opts.Executable == "" {
		opts.Executable = "openvpn"
	}
	if opts.ProcessName == "" {
		opts.ProcessName = "openvpn"
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Second
	}
	if opts.SudoPath == "" {
		opts.SudoPath = "sudo"
	}
	if opts.RoutePath == "" {
		opts.RoutePath = "route"
	}
	if opts.DSCachePath == "" {
		opts.DSCachePath = "dscacheutil"
	}
	if opts.KillallPath == "" {
		opts.KillallPath = "killall"
	}
	if opts.PkillPath == "" {
		opts.PkillPath = "pkill"
	}
	return &Gateway{runner: runner, opts: opts, logger: logger}
}

// ClientCommand builds the elevated VPN client invocation. The command is
// not started; the caller owns its lifecycle. The returned process is
// placed in its own group so the whole tree can be signalled at once.
func (g *Gateway) ClientCommand(ctx context.Context, configPath, authPath string) (*exec.Cmd, error) {
	if err := validateFile(configPath, ".ovpn"); err != nil {
		return nil, err
	}
	if err := validateFile(authPath, ""); err != nil {
		return nil, err
	}

	args := []string{
		"-n", g.opts.Executable,
		"--config", configPath,
		"--auth-user-pass", authPath,
		"--auth-nocache",
		"--verb", "3",
		"--ping", "10",
		"--ping-restart", "30",
	}
	args = append(args, g.opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, g.opts.SudoPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Context cancellation interrupts the whole group. The exec default
	// SIGKILLs sudo alone, which the elevated client never sees.
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGINT); err != nil {
			return cmd.Process.Signal(os.Interrupt)
		}
		return nil
	}
	cmd.WaitDelay = cancelWaitDelay
	return cmd, nil
}

// DeleteRoute removes a route added by the VPN client. The spec must be an
// IP-CIDR literal. A route that is already gone counts as success.
func (g *Gateway) DeleteRoute(ctx context.Context, cidr string) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("%w: route spec %q: %v", ErrInvalidArgument, cidr, err)
	}

	family := "-inet"
	if prefix.Addr().Is6() {
		family = "-inet6"
	}

	output, err := g.run(ctx, g.opts.SudoPath, "-n", g.opts.RoutePath, "-n", "delete", family, prefix.String())
	if err != nil && strings.Contains(strings.ToLower(string(output)), "not in table") {
		g.logger.Debug("Route already absent", "route", prefix.String())
		return nil
	}
	return g.classify("delete route "+prefix.String(), output, err)
}

// FlushDNSCache drops the system DNS cache.
func (g *Gateway) FlushDNSCache(ctx context.Context) error {
	output, err := g.run(ctx, g.opts.SudoPath, "-n", g.opts.DSCachePath, "-flushcache")
	return g.classify("flush DNS cache", output, err)
}

// RestartResolver signals the resolver daemon to reload. A resolver that
// is not running counts as success.
func (g *Gateway) RestartResolver(ctx context.Context) error {
	output, err := g.run(ctx, g.opts.SudoPath, "-n", g.opts.KillallPath, "-HUP", "mDNSResponder")
	if err != nil && strings.Contains(string(output), "No matching processes") {
		return nil
	}
	return g.classify("restart resolver", output, err)
}

// TerminateClient signals every process whose name exactly matches the
// configured client process name. No surviving process counts as success.
func (g *Gateway) TerminateClient(ctx context.Context, sig Signal) error {
	if sig != SigTerm && sig != SigKill {
		return fmt.Errorf("%w: signal %q", ErrInvalidArgument, sig)
	}
	if !processNamePattern.MatchString(g.opts.ProcessName) {
		return fmt.Errorf("%w: process name %q", ErrInvalidArgument, g.opts.ProcessName)
	}

	output, err := g.run(ctx, g.opts.SudoPath, "-n", g.opts.PkillPath, "-"+string(sig), "-x", g.opts.ProcessName)
	if err != nil {
		// pkill exits 1 when nothing matched.
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) && coder.ExitCode() == 1 && !containsPromptMarker(output) {
			return nil
		}
	}
	return g.classify("terminate client", output, err)
}

func (g *Gateway) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.StepTimeout)
	defer cancel()
	return g.runner.Run(ctx, name, args...)
}

// classify maps a command outcome to the gateway error taxonomy.
func (g *Gateway) classify(op string, output []byte, err error) error {
	if err == nil {
		return nil
	}
	if containsPromptMarker(output) {
		g.logger.Error("Privileged command needs an interactive password", "op", op)
		return fmt.Errorf("%s: %w", op, ErrPrivilegeDenied)
	}
	trimmed := strings.TrimSpace(string(output))
	if trimmed != "" {
		return fmt.Errorf("%s failed: %w: %s", op, err, trimmed)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func containsPromptMarker(output []byte) bool {
	text := string(output)
	for _, marker := range sudoPromptMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func validateFile(path, wantExt string) error {
	if path == "" {
		return fmt.Errorf("%w: empty file path", ErrInvalidArgument)
	}
	if wantExt != "" && !strings.HasSuffix(path, wantExt) {
		return fmt.Errorf("%w: %s is not a %s file", ErrInvalidArgument, path, wantExt)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, path)
	}
	return nil
}
