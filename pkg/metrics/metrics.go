// Package metrics keeps simple process-local counters about session
// activity for the status API.
package metrics

import "sync"

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	ConnectAttempts uint64 `json:"connect_attempts"`
	Connects        uint64 `json:"connects"`
	Failures        uint64 `json:"failures"`
	Disconnects     uint64 `json:"disconnects"`
	CleanupPasses   uint64 `json:"cleanup_passes"`
	ProbeFailures   uint64 `json:"probe_failures"`
}

// Collector accumulates counters. The zero value is ready to use.
type Collector struct {
	mutex sync.Mutex
	snap  Snapshot
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) ConnectAttempt() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.ConnectAttempts++
}

func (c *Collector) Connected() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.Connects++
}

func (c *Collector) Failure() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.Failures++
}

func (c *Collector) Disconnected() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.Disconnects++
}

func (c *Collector) CleanupPass() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.CleanupPasses++
}

func (c *Collector) ProbeFailure() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snap.ProbeFailures++
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snap
}
