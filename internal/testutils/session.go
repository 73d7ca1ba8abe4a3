package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/mtomr3/nordmac/pkg/catalog"
	"github.com/mtomr3/nordmac/pkg/ipdetect"
	"github.com/mtomr3/nordmac/pkg/session"
	"github.com/mtomr3/nordmac/pkg/supervisor"
)

// MockHandle is a scripted stand-in for a launched client process.
type MockHandle struct {
	endpoint catalog.Endpoint

	mutex     sync.Mutex
	events    chan supervisor.Event
	exited    bool
	lastLine  string
	stopCalls int
	onStop    func(h *MockHandle)
}

var _ session.ClientHandle = (*MockHandle)(nil)

// NewMockHandle creates a handle for the given endpoint. Nothing is
// emitted until one of the Emit helpers is called.
func NewMockHandle(endpoint catalog.Endpoint) *MockHandle {
	h := &MockHandle{
		endpoint: endpoint,
		events:   make(chan supervisor.Event, 8),
	}
	h.onStop = func(h *MockHandle) { h.EmitExit(-1, "") }
	return h
}

// WithOnStop overrides what happens when Stop is called. The default
// emits a killed exit.
func (h *MockHandle) WithOnStop(fn func(h *MockHandle)) *MockHandle {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onStop = fn
	return h
}

// EmitConnected scripts a successful initialization.
func (h *MockHandle) EmitConnected() *MockHandle {
	h.events <- supervisor.Event{Kind: supervisor.EventConnected}
	return h
}

// EmitTimeout scripts an absent success marker.
func (h *MockHandle) EmitTimeout() *MockHandle {
	h.events <- supervisor.Event{Kind: supervisor.EventConnectTimeout}
	return h
}

// EmitExit scripts the final process exit and closes the event stream.
func (h *MockHandle) EmitExit(code int, lastLine string) *MockHandle {
	h.mutex.Lock()
	if h.exited {
		h.mutex.Unlock()
		return h
	}
	h.exited = true
	h.lastLine = lastLine
	h.mutex.Unlock()

	h.events <- supervisor.Event{Kind: supervisor.EventExited, Code: code, LastLine: lastLine}
	close(h.events)
	return h
}

// Events implements session.ClientHandle.
func (h *MockHandle) Events() <-chan supervisor.Event {
	return h.events
}

// Stop implements session.ClientHandle.
func (h *MockHandle) Stop(ctx context.Context) error {
	h.mutex.Lock()
	h.stopCalls++
	exited := h.exited
	fn := h.onStop
	h.mutex.Unlock()

	if !exited && fn != nil {
		fn(h)
	}
	return nil
}

// Endpoint implements session.ClientHandle.
func (h *MockHandle) Endpoint() catalog.Endpoint {
	return h.endpoint
}

// LastLine implements session.ClientHandle.
func (h *MockHandle) LastLine() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.lastLine
}

// Tail implements session.ClientHandle.
func (h *MockHandle) Tail() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.lastLine == "" {
		return nil
	}
	return []string{h.lastLine}
}

// StopCalls returns how many times Stop was invoked.
func (h *MockHandle) StopCalls() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.stopCalls
}

// MockLauncher hands out scripted handles per endpoint id and records the
// launch order.
type MockLauncher struct {
	mutex     sync.Mutex
	handles   map[string]*MockHandle
	builder   func(endpoint catalog.Endpoint) *MockHandle
	launchErr map[string]error
	launched  []string
}

var _ session.Launcher = (*MockLauncher)(nil)

// NewMockLauncher creates a launcher with no scripted behavior. Without a
// script, launching fails.
func NewMockLauncher() *MockLauncher {
	return &MockLauncher{
		handles:   make(map[string]*MockHandle),
		launchErr: make(map[string]error),
	}
}

// WithHandle scripts the handle returned for one endpoint id.
func (l *MockLauncher) WithHandle(id string, h *MockHandle) *MockLauncher {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.handles[id] = h
	return l
}

// WithBuilder scripts a fallback handle factory for unscripted endpoints.
func (l *MockLauncher) WithBuilder(fn func(endpoint catalog.Endpoint) *MockHandle) *MockLauncher {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.builder = fn
	return l
}

// WithLaunchError scripts a launch failure for one endpoint id.
func (l *MockLauncher) WithLaunchError(id string, err error) *MockLauncher {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.launchErr[id] = err
	return l
}

// Launch implements session.Launcher.
func (l *MockLauncher) Launch(ctx context.Context, endpoint catalog.Endpoint, authPath string) (session.ClientHandle, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.launched = append(l.launched, endpoint.ID)
	if err := l.launchErr[endpoint.ID]; err != nil {
		return nil, err
	}
	if h, ok := l.handles[endpoint.ID]; ok {
		return h, nil
	}
	if l.builder != nil {
		h := l.builder(endpoint)
		l.handles[endpoint.ID] = h
		return h, nil
	}
	return nil, errors.New("no scripted handle for " + endpoint.ID)
}

// Launched returns the endpoint ids in launch order.
func (l *MockLauncher) Launched() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]string, len(l.launched))
	copy(out, l.launched)
	return out
}

// Handle returns the scripted handle for an endpoint id.
func (l *MockLauncher) Handle(id string) *MockHandle {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.handles[id]
}

// MockDetector serves a fixed IP info response.
type MockDetector struct {
	mutex  sync.Mutex
	info   ipdetect.Info
	err    error
	clears int
}

var _ session.Detector = (*MockDetector)(nil)

// NewMockDetector creates a detector reporting the given IP.
func NewMockDetector(ip string) *MockDetector {
	return &MockDetector{info: ipdetect.Info{IP: ip, Country: "NO"}}
}

// WithError makes every lookup fail.
func (d *MockDetector) WithError(err error) *MockDetector {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.err = err
	return d
}

// Current implements session.Detector.
func (d *MockDetector) Current(ctx context.Context) (ipdetect.Info, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.err != nil {
		return ipdetect.Info{}, d.err
	}
	return d.info, nil
}

// ClearCache implements session.Detector.
func (d *MockDetector) ClearCache() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.clears++
}

// CacheClears returns how many times the cache was dropped.
func (d *MockDetector) CacheClears() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.clears
}
