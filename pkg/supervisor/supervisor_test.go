package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtomr3/nordmac/pkg/catalog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shellFactory launches the given shell script instead of the real client.
func shellFactory(script string) CommandFactory {
	return func(ctx context.Context, configPath, authPath string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd, nil
	}
}

func testEndpoint() catalog.Endpoint {
	return catalog.Endpoint{ID: "us1", Host: "us1.nordvpn.com", Protocol: "tcp", Country: "us"}
}

func waitEvent(t *testing.T, h *Handle, want EventKind) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event channel closed while waiting for %s", want)
		require.Equal(t, want, ev.Kind)
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

func TestLaunchConnected(t *testing.T) {
	s := New(shellFactory(`echo "some noise"; echo "Initialization Sequence Completed"; sleep 30`),
		Options{ConnectTimeout: 8 * time.Second, IntGrace: 100 * time.Millisecond, TermGrace: 100 * time.Millisecond},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	waitEvent(t, h, EventConnected)

	require.NoError(t, h.Stop(context.Background()))
	waitEvent(t, h, EventExited)
	<-h.Done()
}

func TestLaunchImmediateExit(t *testing.T) {
	s := New(shellFactory(`echo "AUTH_FAILED"; exit 1`),
		Options{ConnectTimeout: 8 * time.Second},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	ev := waitEvent(t, h, EventExited)
	assert.Equal(t, 1, ev.Code)
	assert.Equal(t, "AUTH_FAILED", ev.LastLine)
	assert.Equal(t, 1, h.ExitCode())

	// Channel closes after the final event.
	_, ok := <-h.Events()
	assert.False(t, ok)
}

func TestConnectTimeout(t *testing.T) {
	s := New(shellFactory(`echo "still trying"; sleep 30`),
		Options{ConnectTimeout: 150 * time.Millisecond, IntGrace: 100 * time.Millisecond, TermGrace: 100 * time.Millisecond},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	waitEvent(t, h, EventConnectTimeout)

	require.NoError(t, h.Stop(context.Background()))
	waitEvent(t, h, EventExited)
}

func TestStopEscalatesToKill(t *testing.T) {
	// The script ignores INT and TERM so only SIGKILL can take it down.
	s := New(shellFactory(`trap "" INT TERM; echo up; while true; do sleep 1; done`),
		Options{ConnectTimeout: 8 * time.Second, IntGrace: 100 * time.Millisecond, TermGrace: 100 * time.Millisecond},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	ev := waitEvent(t, h, EventExited)
	assert.Equal(t, -1, ev.Code)
}

func TestStopIdempotent(t *testing.T) {
	s := New(shellFactory(`sleep 60`),
		Options{ConnectTimeout: 8 * time.Second, IntGrace: 50 * time.Millisecond, TermGrace: 50 * time.Millisecond},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
}

func TestTailBounded(t *testing.T) {
	script := `i=0; while [ $i -lt 50 ]; do echo "line $i"; i=$((i+1)); done`
	s := New(shellFactory(script),
		Options{ConnectTimeout: 8 * time.Second, TailLines: 10},
		testLogger())

	h, err := s.Launch(context.Background(), testEndpoint(), "auth")
	require.NoError(t, err)

	waitEvent(t, h, EventExited)

	tail := h.Tail()
	require.Len(t, tail, 10)
	assert.Equal(t, "line 40", tail[0])
	assert.Equal(t, "line 49", tail[9])
	assert.Equal(t, "line 49", h.LastLine())
}

func TestLaunchFactoryError(t *testing.T) {
	factory := func(ctx context.Context, configPath, authPath string) (*exec.Cmd, error) {
		return nil, fmt.Errorf("no such config")
	}
	s := New(factory, Options{}, testLogger())

	_, err := s.Launch(context.Background(), testEndpoint(), "auth")
	assert.ErrorContains(t, err, "no such config")
}

func TestLaunchStartError(t *testing.T) {
	s := New(func(ctx context.Context, configPath, authPath string) (*exec.Cmd, error) {
		return exec.Command("/nonexistent/binary"), nil
	}, Options{}, testLogger())

	_, err := s.Launch(context.Background(), testEndpoint(), "auth")
	assert.ErrorContains(t, err, "failed to launch VPN client")
}
