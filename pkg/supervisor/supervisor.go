// Package supervisor launches the external VPN client and watches its
// output for the line that marks a completed tunnel. Each launch yields a
// Handle that streams typed events in emission order and can stop the
// process with escalating signals.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mtomr3/nordmac/pkg/catalog"
)

// ErrConnectTimeout indicates the success marker never appeared within the
// connect timeout.
var ErrConnectTimeout = errors.New("timed out waiting for VPN initialization")

// EventKind discriminates handle events.
type EventKind int

const (
	// EventConnected fires on the first output line containing the
	// success marker.
	EventConnected EventKind = iota
	// EventExited fires when the client process exits, before or after
	// the marker.
	EventExited
	// EventConnectTimeout fires when the marker is still absent after
	// the connect timeout. The process keeps running; the caller decides
	// whether to stop it.
	EventConnectTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventExited:
		return "exited"
	case EventConnectTimeout:
		return "connect-timeout"
	default:
		return "unknown"
	}
}

// Event is one observation about the supervised process.
type Event struct {
	Kind     EventKind
	Code     int
	LastLine string
}

// CommandFactory builds the client invocation for one endpoint attempt.
type CommandFactory func(ctx context.Context, configPath, authPath string) (*exec.Cmd, error)

// Options tunes supervision behavior.
type Options struct {
	SuccessMarker  string
	ConnectTimeout time.Duration
	IntGrace       time.Duration
	TermGrace      time.Duration
	TailLines      int
}

// Supervisor launches and watches client processes.
type Supervisor struct {
	factory CommandFactory
	opts    Options
	logger  *slog.Logger
}

// New creates a supervisor. factory is typically the privileged gateway's
// ClientCommand.
func New(factory CommandFactory, opts Options, logger *slog.Logger) *Supervisor {
	if opts.SuccessMarker == "" {
		opts.SuccessMarker = "Initialization Sequence Completed"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 25 * time.Second
	}
	if opts.IntGrace <= 0 {
		opts.IntGrace = 5 * time.Second
	}
	if opts.TermGrace <= 0 {
		opts.TermGrace = 3 * time.Second
	}
	if opts.TailLines <= 0 {
		opts.TailLines = 300
	}
	return &Supervisor{factory: factory, opts: opts, logger: logger}
}

// Handle is one supervised client process.
type Handle struct {
	endpoint catalog.Endpoint
	cmd      *exec.Cmd
	opts     Options
	logger   *slog.Logger

	events chan Event
	done   chan struct{}

	mutex    sync.Mutex
	tail     []string
	exitCode int
	stopped  bool
}

// Launch starts the client for the given endpoint and begins watching its
// output. The returned handle owns the process until Stop or exit.
func (s *Supervisor) Launch(ctx context.Context, endpoint catalog.Endpoint, authPath string) (*Handle, error) {
	cmd, err := s.factory(ctx, endpoint.ConfigPath, authPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build client command for %s: %w", endpoint.Host, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to launch VPN client for %s: %w", endpoint.Host, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	s.logger.Info("VPN client launched", "endpoint", endpoint.Host, "pid", cmd.Process.Pid)

	h := &Handle{
		endpoint: endpoint,
		cmd:      cmd,
		opts:     s.opts,
		logger:   s.logger,
		events:   make(chan Event, 4),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go h.watch(pr)
	return h, nil
}

// Events returns the ordered event stream. The channel closes after the
// final Exited event.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed when the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Endpoint returns the endpoint this handle was launched for.
func (h *Handle) Endpoint() catalog.Endpoint {
	return h.endpoint
}

// Pid returns the client process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// ExitCode returns the process exit code, or -1 while running or when the
// process was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitCode
}

// Tail returns a copy of the retained output lines.
func (h *Handle) Tail() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

// LastLine returns the most recent output line, or empty.
func (h *Handle) LastLine() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if len(h.tail) == 0 {
		return ""
	}
	return h.tail[len(h.tail)-1]
}

func (h *Handle) addLine(line string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.tail = append(h.tail, line)
	if len(h.tail) > h.opts.TailLines {
		h.tail = h.tail[len(h.tail)-h.opts.TailLines:]
	}
}

// watch is the single event emitter: line handling, the connect timeout
// and the exit all funnel through one goroutine so event order is stable.
func (h *Handle) watch(output *os.File) {
	defer close(h.done)
	defer close(h.events)
	defer output.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(output)
		scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	timer := time.NewTimer(h.opts.ConnectTimeout)
	defer timer.Stop()

	connected := false
	timedOut := false
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				h.finish(connected)
				return
			}
			h.addLine(line)
			h.logger.Debug("VPN client output", "line", line)
			if !connected && strings.Contains(line, h.opts.SuccessMarker) {
				connected = true
				timer.Stop()
				h.logger.Info("VPN tunnel established", "endpoint", h.endpoint.Host)
				h.events <- Event{Kind: EventConnected}
			}
		case <-timer.C:
			if !connected && !timedOut {
				timedOut = true
				h.logger.Warn("VPN connect timed out",
					"endpoint", h.endpoint.Host,
					"timeout", h.opts.ConnectTimeout)
				h.events <- Event{Kind: EventConnectTimeout}
			}
		}
	}
}

func (h *Handle) finish(connected bool) {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mutex.Lock()
	h.exitCode = code
	h.mutex.Unlock()

	h.logger.Info("VPN client exited",
		"endpoint", h.endpoint.Host,
		"code", code,
		"was_connected", connected)
	h.events <- Event{Kind: EventExited, Code: code, LastLine: h.LastLine()}
}

// Stop terminates the process with escalating signals: SIGINT, then after
// a grace period SIGTERM, then SIGKILL. Signals target the process group.
// Stop always returns once the process is gone or ctx expires.
func (h *Handle) Stop(ctx context.Context) error {
	h.mutex.Lock()
	if h.stopped {
		h.mutex.Unlock()
		return h.waitDone(ctx)
	}
	h.stopped = true
	h.mutex.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	ladder := []struct {
		sig   unix.Signal
		grace time.Duration
	}{
		{unix.SIGINT, h.opts.IntGrace},
		{unix.SIGTERM, h.opts.TermGrace},
		{unix.SIGKILL, 0},
	}

	for _, step := range ladder {
		h.signalGroup(step.sig)
		if step.grace <= 0 {
			break
		}
		select {
		case <-h.done:
			return nil
		case <-time.After(step.grace):
		case <-ctx.Done():
			// One last hard kill before giving up the wait.
			h.signalGroup(unix.SIGKILL)
			return ctx.Err()
		}
	}

	return h.waitDone(ctx)
}

func (h *Handle) waitDone(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalGroup delivers sig to the client's process group, falling back to
// the process itself when the group is not addressable.
func (h *Handle) signalGroup(sig unix.Signal) {
	pid := h.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		h.logger.Debug("Process group signal failed, signalling process",
			"pid", pid, "signal", sig.String(), "error", err)
		if err := h.cmd.Process.Signal(sig); err != nil {
			h.logger.Debug("Process signal failed", "pid", pid, "error", err)
		}
	}
}
