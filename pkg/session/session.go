// Package session drives the VPN connection lifecycle: endpoint selection,
// client launch, retries with exclusion, and the single cleanup pass that
// restores host state when a session ends on any path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtomr3/nordmac/pkg/catalog"
	"github.com/mtomr3/nordmac/pkg/cleanup"
	"github.com/mtomr3/nordmac/pkg/credentials"
	"github.com/mtomr3/nordmac/pkg/ipdetect"
	"github.com/mtomr3/nordmac/pkg/metrics"
	"github.com/mtomr3/nordmac/pkg/privexec"
	"github.com/mtomr3/nordmac/pkg/supervisor"
)

const stopTimeout = 15 * time.Second

// Catalog is the endpoint source the manager selects from.
type Catalog interface {
	Reset()
	SelectNext() (catalog.Endpoint, error)
	Exclude(id string)
}

// ClientHandle is one launched client process.
type ClientHandle interface {
	Events() <-chan supervisor.Event
	Stop(ctx context.Context) error
	Endpoint() catalog.Endpoint
	LastLine() string
	Tail() []string
}

// Launcher starts the client for one endpoint attempt.
type Launcher interface {
	Launch(ctx context.Context, endpoint catalog.Endpoint, authPath string) (ClientHandle, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, endpoint catalog.Endpoint, authPath string) (ClientHandle, error)

func (f LauncherFunc) Launch(ctx context.Context, endpoint catalog.Endpoint, authPath string) (ClientHandle, error) {
	return f(ctx, endpoint, authPath)
}

// Cleaner runs one host cleanup pass.
type Cleaner interface {
	Run(ctx context.Context) cleanup.Record
}

// Detector looks up the current public IP. Optional.
type Detector interface {
	Current(ctx context.Context) (ipdetect.Info, error)
	ClearCache()
}

// Prober verifies connectivity after connecting. Optional.
type Prober interface {
	Verify(ctx context.Context) error
}

// Deps wires the manager's collaborators.
type Deps struct {
	Credentials credentials.Provider
	Catalog     Catalog
	Launcher    Launcher
	Cleaner     Cleaner
	Lock        Locker
	Policy      RetryPolicy
	Detector    Detector
	Prober      Prober
	Counters    *metrics.Collector
	Logger      *slog.Logger
}

// Status is a point-in-time session snapshot.
type Status struct {
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Attempts    int       `json:"attempts"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	ExitIP      string    `json:"exit_ip,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager is the connection state machine. One instance drives at most one
// session at a time; the host lock extends that guarantee across processes.
type Manager struct {
	creds    credentials.Provider
	catalog  Catalog
	launcher Launcher
	cleaner  Cleaner
	lock     Locker
	policy   RetryPolicy
	detector Detector
	prober   Prober
	counters *metrics.Collector
	logger   *slog.Logger

	mutex        sync.Mutex
	state        State
	sessionID    string
	endpoint     catalog.Endpoint
	attempts     int
	startedAt    time.Time
	connectedAt  time.Time
	exitIP       string
	lastErr      error
	lastCleanup  *cleanup.Record
	handle       ClientHandle
	authPath     string
	closing      bool
	cancel       context.CancelFunc
	teardownOnce *sync.Once
	ended        chan struct{}
}

// New creates a session manager.
func New(deps Deps) *Manager {
	counters := deps.Counters
	if counters == nil {
		counters = metrics.New()
	}
	if deps.Policy.MaxAttempts < 1 {
		deps.Policy = DefaultRetryPolicy()
	}
	return &Manager{
		creds:    deps.Credentials,
		catalog:  deps.Catalog,
		launcher: deps.Launcher,
		cleaner:  deps.Cleaner,
		lock:     deps.Lock,
		policy:   deps.Policy,
		detector: deps.Detector,
		prober:   deps.Prober,
		counters: counters,
		logger:   deps.Logger,
		state:    StateIdle,
	}
}

// Connect establishes a tunnel, trying endpoints until one succeeds or the
// retry budget is spent. It blocks until the session is Connected or has
// failed terminally. Fails fast with ErrAlreadyActive when a session is in
// flight or its teardown has not finished, and with ErrHostLocked when
// another process holds the host lock.
func (m *Manager) Connect(ctx context.Context) error {
	m.mutex.Lock()
	if m.state.Active() || m.teardownPending() {
		m.mutex.Unlock()
		return ErrAlreadyActive
	}

	if err := m.lock.Acquire(); err != nil {
		m.mutex.Unlock()
		return err
	}

	cred, err := m.creds.Get()
	if err != nil {
		_ = m.lock.Release()
		m.mutex.Unlock()
		return err
	}

	authPath, err := credentials.WriteAuthFile(cred)
	if err != nil {
		_ = m.lock.Release()
		m.mutex.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.state = StateConnecting
	m.sessionID = uuid.NewString()
	m.endpoint = catalog.Endpoint{}
	m.attempts = 0
	m.startedAt = time.Now()
	m.connectedAt = time.Time{}
	m.exitIP = ""
	m.lastErr = nil
	m.handle = nil
	m.authPath = authPath
	m.closing = false
	m.cancel = cancel
	m.teardownOnce = &sync.Once{}
	m.ended = make(chan struct{})
	m.mutex.Unlock()

	m.catalog.Reset()
	m.logger.Info("VPN session starting", "session_id", m.sessionID)

	if err := m.attemptLoop(ctx); err != nil {
		m.failSession(err)
		return err
	}
	return nil
}

// teardownPending reports whether a previous session is still winding
// down. The watchdog tears down asynchronously after an unexpected exit,
// and a new session must not start until that pass has landed in Idle.
// The caller holds m.mutex.
func (m *Manager) teardownPending() bool {
	if m.ended == nil {
		return false
	}
	select {
	case <-m.ended:
		return false
	default:
		return true
	}
}

// attemptLoop tries endpoints until one connects. Every failed endpoint is
// excluded for the rest of the session.
func (m *Manager) attemptLoop(ctx context.Context) error {
	var lastEndpoint, lastOutput string

	for attempt := 1; ; attempt++ {
		endpoint, err := m.catalog.SelectNext()
		if err != nil {
			if errors.Is(err, catalog.ErrExhausted) {
				return &ExhaustedError{Attempts: attempt - 1, LastEndpoint: lastEndpoint, LastOutput: lastOutput}
			}
			return err
		}

		m.mutex.Lock()
		m.attempts = attempt
		m.endpoint = endpoint
		m.mutex.Unlock()
		m.counters.ConnectAttempt()
		m.logger.Info("Trying VPN endpoint",
			"endpoint", endpoint.Host,
			"protocol", endpoint.Protocol,
			"attempt", attempt,
			"max_attempts", m.policy.MaxAttempts)

		handle, err := m.launcher.Launch(ctx, endpoint, m.currentAuthPath())
		if err != nil {
			if errors.Is(err, privexec.ErrPrivilegeDenied) {
				return err
			}
			lastEndpoint, lastOutput = endpoint.Host, err.Error()
			m.catalog.Exclude(endpoint.ID)
			m.logger.Warn("Failed to launch VPN client", "endpoint", endpoint.Host, "error", err)
		} else {
			m.mutex.Lock()
			m.handle = handle
			m.mutex.Unlock()

			waitErr := m.awaitConnect(ctx, handle)
			if waitErr == nil {
				m.onConnected(ctx, handle)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastEndpoint, lastOutput = endpoint.Host, handle.LastLine()
			m.catalog.Exclude(endpoint.ID)
			m.logger.Warn("VPN endpoint attempt failed", "endpoint", endpoint.Host, "error", waitErr)
		}

		if !m.policy.ShouldRetry(attempt) {
			return &ExhaustedError{Attempts: attempt, LastEndpoint: lastEndpoint, LastOutput: lastOutput}
		}
		if err := m.sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
}

func (m *Manager) currentAuthPath() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.authPath
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	delay := m.policy.BackoffFor(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	m.logger.Debug("Backing off before next attempt", "delay", delay)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitConnect waits for the first decisive event on a freshly launched
// client: connected, exited, or timed out.
func (m *Manager) awaitConnect(ctx context.Context, handle ClientHandle) error {
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return fmt.Errorf("client event stream closed unexpectedly")
			}
			switch ev.Kind {
			case supervisor.EventConnected:
				return nil
			case supervisor.EventExited:
				return fmt.Errorf("client exited with code %d before completing initialization", ev.Code)
			case supervisor.EventConnectTimeout:
				m.stopHandle(handle)
				return supervisor.ErrConnectTimeout
			}
		case <-ctx.Done():
			m.stopHandle(handle)
			return ctx.Err()
		}
	}
}

// onConnected finalizes a successful attempt: state transition, watchdog,
// exit IP lookup and the optional connectivity probe.
func (m *Manager) onConnected(ctx context.Context, handle ClientHandle) {
	m.mutex.Lock()
	m.state = StateConnected
	m.connectedAt = time.Now()
	sessionID := m.sessionID
	endpoint := m.endpoint
	m.mutex.Unlock()

	m.counters.Connected()
	m.logger.Info("VPN session connected",
		"session_id", sessionID,
		"endpoint", endpoint.Host,
		"attempts", m.Status().Attempts)

	go m.watchdog(handle, sessionID)

	if m.detector != nil {
		m.detector.ClearCache()
		lookupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if info, err := m.detector.Current(lookupCtx); err == nil {
			m.mutex.Lock()
			m.exitIP = info.IP
			m.mutex.Unlock()
			m.logger.Info("VPN exit IP", "ip", info.IP, "country", info.Country, "org", info.Org)
		} else {
			m.logger.Warn("Exit IP lookup failed", "error", err)
		}
		cancel()
	}

	if m.prober != nil {
		if err := m.prober.Verify(ctx); err != nil {
			m.counters.ProbeFailure()
			m.logger.Warn("Post-connect probe failed, tunnel may be degraded", "error", err)
		}
	}
}

// watchdog turns an unexpected client exit into Failed plus the session's
// cleanup pass. An exit caused by Disconnect or teardown is not a failure.
func (m *Manager) watchdog(handle ClientHandle, sessionID string) {
	for ev := range handle.Events() {
		if ev.Kind != supervisor.EventExited {
			continue
		}

		m.mutex.Lock()
		unexpected := m.state == StateConnected && !m.closing && m.sessionID == sessionID
		if unexpected {
			m.state = StateFailed
			m.lastErr = fmt.Errorf("VPN client exited unexpectedly with code %d: %s", ev.Code, ev.LastLine)
		}
		m.mutex.Unlock()

		if unexpected {
			m.counters.Failure()
			m.logger.Error("VPN client exited unexpectedly",
				"session_id", sessionID,
				"code", ev.Code,
				"last_line", ev.LastLine)
			m.teardown(context.Background())
		}
		return
	}
}

// Disconnect tears the active session down. From Idle it fails with
// ErrNotConnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mutex.Lock()
	state := m.state
	ended := m.ended
	cancel := m.cancel

	switch state {
	case StateConnected:
		m.state = StateDisconnecting
		m.closing = true
		sessionID := m.sessionID
		m.mutex.Unlock()

		m.logger.Info("VPN session disconnecting", "session_id", sessionID)
		m.teardown(ctx)
		m.counters.Disconnected()
		return nil

	case StateConnecting:
		m.closing = true
		m.mutex.Unlock()

		if cancel != nil {
			cancel()
		}
		select {
		case <-ended:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.counters.Disconnected()
		return nil

	default:
		m.mutex.Unlock()
		return ErrNotConnected
	}
}

// failSession handles a terminal connect failure: Failed, cleanup, Idle.
func (m *Manager) failSession(err error) {
	m.mutex.Lock()
	m.state = StateFailed
	m.lastErr = err
	m.closing = true
	m.mutex.Unlock()

	m.counters.Failure()
	m.logger.Error("VPN session failed", "error", err)
	m.teardown(context.Background())
}

// teardown runs the end-of-session sequence exactly once per session:
// stop the client, one cleanup pass, drop the auth file and the host lock,
// land in Idle.
func (m *Manager) teardown(ctx context.Context) {
	m.mutex.Lock()
	once := m.teardownOnce
	handle := m.handle
	authPath := m.authPath
	ended := m.ended
	cancel := m.cancel
	m.closing = true
	m.mutex.Unlock()

	if once == nil {
		return
	}
	once.Do(func() {
		if handle != nil {
			m.stopHandle(handle)
		}

		record := m.cleaner.Run(ctx)
		m.counters.CleanupPass()

		credentials.RemoveAuthFile(authPath)
		if cancel != nil {
			cancel()
		}
		if err := m.lock.Release(); err != nil {
			m.logger.Warn("Failed to release host lock", "error", err)
		}

		m.mutex.Lock()
		m.lastCleanup = &record
		m.state = StateIdle
		m.handle = nil
		m.authPath = ""
		m.mutex.Unlock()

		m.logger.Info("VPN session ended", "cleanup_id", record.ID)
		if ended != nil {
			close(ended)
		}
	})
}

func (m *Manager) stopHandle(handle ClientHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		m.logger.Warn("Failed to stop VPN client cleanly", "error", err)
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	status := Status{
		State:       m.state.String(),
		SessionID:   m.sessionID,
		Endpoint:    m.endpoint.Host,
		Attempts:    m.attempts,
		StartedAt:   m.startedAt,
		ConnectedAt: m.connectedAt,
		ExitIP:      m.exitIP,
	}
	if m.lastErr != nil {
		status.LastError = m.lastErr.Error()
	}
	return status
}

// LastCleanup returns the most recent cleanup record, or nil before the
// first pass.
func (m *Manager) LastCleanup() *cleanup.Record {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.lastCleanup == nil {
		return nil
	}
	record := *m.lastCleanup
	return &record
}

// Metrics exposes the session counters.
func (m *Manager) Metrics() metrics.Snapshot {
	return m.counters.Snapshot()
}
