package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	c := New()
	c.ConnectAttempt()
	c.ConnectAttempt()
	c.Connected()
	c.Failure()
	c.Disconnected()
	c.CleanupPass()
	c.ProbeFailure()

	snap := c.Snapshot()
	assert.Equal(t, uint64(2), snap.ConnectAttempts)
	assert.Equal(t, uint64(1), snap.Connects)
	assert.Equal(t, uint64(1), snap.Failures)
	assert.Equal(t, uint64(1), snap.Disconnects)
	assert.Equal(t, uint64(1), snap.CleanupPasses)
	assert.Equal(t, uint64(1), snap.ProbeFailures)
}

func TestSnapshotIsCopy(t *testing.T) {
	c := New()
	c.Connected()
	snap := c.Snapshot()
	c.Connected()
	assert.Equal(t, uint64(1), snap.Connects)
	assert.Equal(t, uint64(2), c.Snapshot().Connects)
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ConnectAttempt()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(50), c.Snapshot().ConnectAttempts)
}
