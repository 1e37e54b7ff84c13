package main

import (
	"sync"
	"testing"
)

func TestStateCache_WriteReportsEffectiveChange(t *testing.T) {
	c := NewStateCache(DeviceState{Source: SourceWiFi, Volume: 30})

	v := 30
	if _, changed := c.Write(StatePatch{Volume: &v}); changed {
		t.Error("writing the same volume must not be an effective change")
	}

	v = 31
	snap, changed := c.Write(StatePatch{Volume: &v})
	if !changed {
		t.Error("expected an effective change")
	}
	if snap.Volume != 31 || snap.Source != SourceWiFi {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestStateCache_ClampsVolume(t *testing.T) {
	c := NewStateCache(DeviceState{Volume: 250})
	if got := c.Read().Volume; got != 100 {
		t.Errorf("initial volume not clamped: %d", got)
	}

	v := -3
	snap, _ := c.Write(StatePatch{Volume: &v})
	if snap.Volume != 0 {
		t.Errorf("expected 0, got %d", snap.Volume)
	}
}

// Concurrent readers never observe a half-applied patch: every write sets
// volume and mute together, so a reader must see them agree.
func TestStateCache_ReadsAreAtomic(t *testing.T) {
	c := NewStateCache(DeviceState{})

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := c.Read()
				if s.Muted != (s.Volume%2 == 1) {
					t.Errorf("torn read: %+v", s)
					return
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		v := i % 100
		m := v%2 == 1
		c.Write(StatePatch{Volume: &v, Muted: &m})
	}
	close(stop)
	wg.Wait()
}
