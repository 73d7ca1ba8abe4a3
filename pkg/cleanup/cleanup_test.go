package cleanup_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtomr3/nordmac/internal/testutils"
	"github.com/mtomr3/nordmac/pkg/cleanup"
	"github.com/mtomr3/nordmac/pkg/privexec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultOptions() cleanup.Options {
	return cleanup.Options{
		Routes:          []string{"0.0.0.0/1", "128.0.0.0/1"},
		FlushDNS:        true,
		RestartResolver: true,
		KillGrace:       time.Millisecond,
	}
}

func TestRunStepOrder(t *testing.T) {
	gw := testutils.NewMockGateway()
	m := cleanup.New(gw, defaultOptions(), testLogger())

	record := m.Run(context.Background())

	assert.Equal(t, []string{
		"delete-route 0.0.0.0/1",
		"delete-route 128.0.0.0/1",
		"flush-dns",
		"restart-resolver",
		"terminate-client TERM",
		"terminate-client KILL",
	}, gw.Ops())

	require.Len(t, record.Steps, 5)
	assert.Empty(t, record.Failures())
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.StartedAt.IsZero())
}

func TestRunContinuesPastFailures(t *testing.T) {
	gw := testutils.NewMockGateway().
		WithRouteError("0.0.0.0/1", errors.New("routing socket error")).
		WithFlushError(errors.New("dscacheutil missing"))
	m := cleanup.New(gw, defaultOptions(), testLogger())

	record := m.Run(context.Background())

	// Every step still ran.
	assert.Len(t, gw.Ops(), 6)

	failures := record.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "delete-route 0.0.0.0/1", failures[0].Name)
	assert.Equal(t, "flush-dns", failures[1].Name)
	assert.Contains(t, failures[1].Error, "dscacheutil missing")
}

func TestRunNeverReturnsError(t *testing.T) {
	gw := testutils.NewMockGateway().
		WithRouteError("0.0.0.0/1", errors.New("boom")).
		WithRouteError("128.0.0.0/1", errors.New("boom")).
		WithFlushError(errors.New("boom")).
		WithResolverError(errors.New("boom")).
		WithTerminateError(privexec.SigTerm, errors.New("boom"))
	m := cleanup.New(gw, defaultOptions(), testLogger())

	record := m.Run(context.Background())
	assert.Len(t, record.Steps, 5)
	assert.Len(t, record.Failures(), 5)
}

func TestRunDeduplicatesWithinPass(t *testing.T) {
	opts := defaultOptions()
	opts.Routes = []string{"0.0.0.0/1", "0.0.0.0/1", "128.0.0.0/1"}

	gw := testutils.NewMockGateway()
	m := cleanup.New(gw, opts, testLogger())

	record := m.Run(context.Background())

	routeOps := 0
	for _, op := range gw.Ops() {
		if op == "delete-route 0.0.0.0/1" {
			routeOps++
		}
	}
	assert.Equal(t, 1, routeOps)
	assert.Len(t, record.Steps, 5)
}

func TestBackToBackPassesIdenticalOutcomes(t *testing.T) {
	gw := testutils.NewMockGateway().
		WithResolverError(errors.New("resolver not running"))
	m := cleanup.New(gw, defaultOptions(), testLogger())

	first := m.Run(context.Background())
	gw.Reset()
	second := m.Run(context.Background())

	require.Equal(t, len(first.Steps), len(second.Steps))
	for i := range first.Steps {
		assert.Equal(t, first.Steps[i].Name, second.Steps[i].Name)
		assert.Equal(t, first.Steps[i].Error, second.Steps[i].Error)
	}
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunDisabledSteps(t *testing.T) {
	gw := testutils.NewMockGateway()
	m := cleanup.New(gw, cleanup.Options{KillGrace: time.Millisecond}, testLogger())

	record := m.Run(context.Background())

	assert.Equal(t, []string{
		"terminate-client TERM",
		"terminate-client KILL",
	}, gw.Ops())
	assert.Len(t, record.Steps, 1)
}

func TestTerminateStepStopsAfterTermFailure(t *testing.T) {
	gw := testutils.NewMockGateway().
		WithTerminateError(privexec.SigTerm, errors.New("pkill unavailable"))
	m := cleanup.New(gw, defaultOptions(), testLogger())

	record := m.Run(context.Background())

	require.Len(t, record.Failures(), 1)
	assert.Equal(t, "terminate-client", record.Failures()[0].Name)
	// No KILL once TERM already failed.
	assert.NotContains(t, gw.Ops(), "terminate-client KILL")
}
