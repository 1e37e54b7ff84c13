package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Engine - reducer-driven sync loop for one speaker
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next SyncState + commands + patch.
//   - The engine loop is the only writer of SyncState and the StateCache.
//   - Device calls run as effects on their own goroutines; their outcomes come
//     back as Events through the same queue as user input.
//   - Snapshots are published to subscribers only after the cache write.
//
// ============================================================================

// EngineConfig controls the engine loop.
type EngineConfig struct {
	FlushInterval   time.Duration
	CallTimeout     time.Duration
	RefreshInterval time.Duration // 0 disables periodic refresh
	RefreshOnStart  bool
	VolumeStep      int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second / defaultFlushHz
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultTimeoutMS * time.Millisecond
	}
	if c.VolumeStep <= 0 {
		c.VolumeStep = defaultVolumeStep
	}
	return c
}

// Engine owns the device state for one speaker.
type Engine struct {
	client DeviceClient
	cfg    EngineConfig
	logger *slog.Logger

	cache  *StateCache
	feed   *Broadcaster
	events chan Event
	done   chan struct{}

	// tick replaces the flush ticker when set; tests drive it by hand.
	tick <-chan time.Time
}

func NewEngine(client DeviceClient, cfg EngineConfig, logger *slog.Logger) *Engine {
	initial := DeviceState{}
	return &Engine{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
		cache:  NewStateCache(initial),
		feed:   NewBroadcaster(initial),
		events: make(chan Event, engineEventQueueSize),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is canceled. It must be called once.
// In-flight device calls are canceled and awaited before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	effCtx, cancel := context.WithCancel(ctx)
	var effects sync.WaitGroup
	defer effects.Wait()
	defer close(e.done)
	defer cancel()

	tick := e.tick
	if tick == nil {
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	state := &SyncState{}
	rcfg := ReducerConfig{RefreshInterval: e.cfg.RefreshInterval, VolumeStep: e.cfg.VolumeStep}

	handle := func(ev Event) {
		rr := Reduce(state, e.cache.Read(), ev, rcfg)
		if rr.State != nil {
			state = rr.State
		}
		if rr.Patch != nil || rr.Resync {
			e.commit(rr)
		}
		for _, cmd := range rr.Commands {
			e.logger.Debug("dispatching command", "command", cmd.String())
			effects.Add(1)
			go func(cmd Command) {
				defer effects.Done()
				runEffect(effCtx, e.client, cmd, e.cfg.CallTimeout, e.logger, func(obs Event) {
					e.post(obs)
				})
			}(cmd)
		}
	}

	if e.cfg.RefreshOnStart {
		handle(TimedEvent{Event: RefreshRequested{}, At: time.Now()})
	} else {
		// Periodic refresh counts from start, not from the zero time.
		state.Refresh.LastAt = time.Now()
	}

	e.logger.Info("engine started",
		"flush_interval", e.cfg.FlushInterval,
		"call_timeout", e.cfg.CallTimeout,
		"refresh_interval", e.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping (context canceled)")
			return nil
		case ev := <-e.events:
			handle(ev)
		case now := <-tick:
			handle(Tick{Now: now})
		}
	}
}

// commit writes the reducer's patch into the cache and notifies subscribers
// when the snapshot changed (or a resync was requested).
func (e *Engine) commit(rr ReduceResult) {
	snap := e.cache.Read()
	changed := false
	if rr.Patch != nil {
		snap, changed = e.cache.Write(*rr.Patch)
	}
	if changed {
		e.logger.Debug("state changed",
			"source", snap.Source.String(),
			"volume", snap.Volume,
			"muted", snap.Muted,
			"connected", snap.Connected)
	}
	if changed || rr.Resync {
		e.feed.Publish(snap)
	}
}

// post hands an event to the loop. It returns false once the engine has stopped.
func (e *Engine) post(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Dispatch queues a user event (IntentSubmitted, VolumeStep, ToggleMute,
// RefreshRequested). It returns false once the engine has stopped.
func (e *Engine) Dispatch(ev Event) bool {
	return e.post(TimedEvent{Event: ev, At: time.Now()})
}

// Submit queues an intent. The newest intent per kind wins.
func (e *Engine) Submit(intent Intent) bool {
	return e.Dispatch(IntentSubmitted{Intent: intent})
}

// RequestRefresh asks for an immediate re-read of the speaker.
func (e *Engine) RequestRefresh() bool {
	return e.Dispatch(RefreshRequested{})
}

// CurrentSnapshot returns the latest cached state. It never blocks on the device.
func (e *Engine) CurrentSnapshot() DeviceState {
	return e.cache.Read()
}

// Subscribe returns a latest-wins stream of snapshots, starting with the current
// one. The channel is closed when ctx is done.
func (e *Engine) Subscribe(ctx context.Context) <-chan DeviceState {
	return e.feed.Subscribe(ctx)
}
