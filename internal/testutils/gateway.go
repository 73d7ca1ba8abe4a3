package testutils

import (
	"context"
	"sync"

	"github.com/mtomr3/nordmac/pkg/privexec"
)

// MockGateway records privileged operations and returns scripted errors.
// The zero value succeeds on everything.
type MockGateway struct {
	mutex sync.Mutex
	ops   []string

	routeErr    map[string]error
	flushErr    error
	resolverErr error
	termErr     map[privexec.Signal]error
}

// NewMockGateway creates a gateway mock where every operation succeeds.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		routeErr: make(map[string]error),
		termErr:  make(map[privexec.Signal]error),
	}
}

// WithRouteError scripts the error returned when deleting cidr.
func (g *MockGateway) WithRouteError(cidr string, err error) *MockGateway {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.routeErr[cidr] = err
	return g
}

// WithFlushError scripts the DNS flush error.
func (g *MockGateway) WithFlushError(err error) *MockGateway {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.flushErr = err
	return g
}

// WithResolverError scripts the resolver restart error.
func (g *MockGateway) WithResolverError(err error) *MockGateway {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.resolverErr = err
	return g
}

// WithTerminateError scripts the error for one terminate signal.
func (g *MockGateway) WithTerminateError(sig privexec.Signal, err error) *MockGateway {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.termErr[sig] = err
	return g
}

func (g *MockGateway) record(op string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.ops = append(g.ops, op)
}

// DeleteRoute implements the gateway contract.
func (g *MockGateway) DeleteRoute(ctx context.Context, cidr string) error {
	g.record("delete-route " + cidr)
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.routeErr[cidr]
}

// FlushDNSCache implements the gateway contract.
func (g *MockGateway) FlushDNSCache(ctx context.Context) error {
	g.record("flush-dns")
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.flushErr
}

// RestartResolver implements the gateway contract.
func (g *MockGateway) RestartResolver(ctx context.Context) error {
	g.record("restart-resolver")
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.resolverErr
}

// TerminateClient implements the gateway contract.
func (g *MockGateway) TerminateClient(ctx context.Context, sig privexec.Signal) error {
	g.record("terminate-client " + string(sig))
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.termErr[sig]
}

// Ops returns every recorded operation in order.
func (g *MockGateway) Ops() []string {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	out := make([]string, len(g.ops))
	copy(out, g.ops)
	return out
}

// Reset discards recorded operations.
func (g *MockGateway) Reset() {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.ops = nil
}
