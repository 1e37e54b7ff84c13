package main

import "sync"

// StateCache holds the last-known-good DeviceState.
//
// It is only written by the engine goroutine; any goroutine may read it. Reads
// always observe a complete snapshot because the whole record is swapped under
// the lock.
type StateCache struct {
	mu    sync.RWMutex
	state DeviceState
}

func NewStateCache(initial DeviceState) *StateCache {
	initial.Volume = clampVolume(initial.Volume)
	return &StateCache{state: initial}
}

// Read returns the current snapshot.
func (c *StateCache) Read() DeviceState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Write merges p into the cached state and returns the new snapshot and whether
// anything observable changed.
func (c *StateCache) Write(p StatePatch) (DeviceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := p.apply(c.state)
	changed := next != c.state
	c.state = next
	return next, changed
}
