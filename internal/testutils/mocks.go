// Package testutils provides shared mocks for package tests.
package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// RunCall records one command issued through a MockRunner.
type RunCall struct {
	Name string
	Args []string
}

// String renders the call the way it would appear on a command line.
func (c RunCall) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// MockRunner implements the privexec Runner interface with scripted
// responses. Responses are matched by substring against the rendered
// command line; the first match wins.
type MockRunner struct {
	mutex     sync.Mutex
	calls     []RunCall
	responses []scriptedResponse
}

type scriptedResponse struct {
	match  string
	output []byte
	err    error
}

// NewMockRunner creates a runner where every command succeeds with empty
// output unless a response is scripted.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// WithResponse scripts the output and error for commands whose rendered
// command line contains match.
func (m *MockRunner) WithResponse(match string, output []byte, err error) *MockRunner {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.responses = append(m.responses, scriptedResponse{match: match, output: output, err: err})
	return m
}

// WithFailure scripts a plain failure for matching commands.
func (m *MockRunner) WithFailure(match string, err error) *MockRunner {
	return m.WithResponse(match, nil, err)
}

// Run implements the runner contract.
func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := RunCall{Name: name, Args: args}
	m.mutex.Lock()
	m.calls = append(m.calls, call)
	responses := m.responses
	m.mutex.Unlock()

	line := call.String()
	for _, resp := range responses {
		if strings.Contains(line, resp.match) {
			return resp.output, resp.err
		}
	}
	return nil, nil
}

// Calls returns a copy of every recorded call.
func (m *MockRunner) Calls() []RunCall {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]RunCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallLines returns the recorded calls rendered as command lines.
func (m *MockRunner) CallLines() []string {
	calls := m.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// Reset discards recorded calls but keeps scripted responses.
func (m *MockRunner) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls = nil
}

// ExitError mimics a non-zero process exit for scripting failures without
// spawning real commands.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the scripted exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}
