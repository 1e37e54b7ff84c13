package main

import (
	"fmt"
	"time"
)

// This file implements the reducer-style building blocks of the sync engine:
//
//   - Events: inputs to the reducer (intents, ticks, refresh requests, device call outcomes)
//   - Commands: device calls requested by the reducer
//   - Reduce(): computes next SyncState + commands + a StatePatch, without performing I/O
//
// The engine loop is the only caller. It applies the patch to the StateCache, runs the
// commands as effects, and feeds their outcomes back in as Events.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick is emitted by the engine loop at the flush cadence. Pending intents are
// turned into device calls on ticks, which is what coalesces bursts of submits.
type Tick struct {
	Now time.Time
}

func (Tick) eventMarker() {}

// TimedEvent wraps an event with the time the engine received it, so payload
// types stay clean and the reducer never reads the clock.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// IntentSubmitted carries a user Intent into the engine.
type IntentSubmitted struct {
	Intent Intent
}

func (IntentSubmitted) eventMarker() {}

// VolumeStep nudges the volume by Steps key steps relative to the newest known
// value (pending intent first, then cached state).
type VolumeStep struct {
	Steps int `json:"steps"`
}

func (VolumeStep) eventMarker() {}

// ToggleMute flips the newest known mute value.
type ToggleMute struct{}

func (ToggleMute) eventMarker() {}

// RefreshRequested asks for an immediate re-read of the speaker state.
type RefreshRequested struct{}

func (RefreshRequested) eventMarker() {}

// CommandCompleted is emitted by the effects layer when a CmdApplyIntent finishes.
// Err is nil on success.
type CommandCompleted struct {
	Intent Intent
	Seq    uint64
	Err    error
	At     time.Time
}

func (CommandCompleted) eventMarker() {}

// RefreshObserved is emitted when a CmdRefresh finishes. Each field carries its own
// error; Gens echoes the generations the command was issued with.
type RefreshObserved struct {
	Gens [numIntentKinds]uint64

	Source    Source
	SourceErr error
	Volume    int
	VolumeErr error
	Muted     bool
	MutedErr  error

	At time.Time
}

func (RefreshObserved) eventMarker() {}

// ==============================
// Commands (side effects)
// ==============================

// Command represents a device call to be executed by the effects layer.
type Command interface {
	commandMarker()
	String() string
}

// CmdApplyIntent sends one intent to the speaker. Seq identifies the pending
// operation it was issued for.
type CmdApplyIntent struct {
	Intent Intent
	Seq    uint64
}

func (CmdApplyIntent) commandMarker() {}
func (c CmdApplyIntent) String() string {
	return fmt.Sprintf("CmdApplyIntent(%s, seq=%d)", c.Intent, c.Seq)
}

// CmdRefresh re-reads source, volume and mute.
type CmdRefresh struct {
	Gens [numIntentKinds]uint64
}

func (CmdRefresh) commandMarker() {}
func (CmdRefresh) String() string { return "CmdRefresh()" }

// ==============================
// Reducer state
// ==============================

// SyncState is the engine-owned arbitration state. DeviceState itself lives in
// the StateCache; this holds everything needed to decide what may write to it.
type SyncState struct {
	Kinds   [numIntentKinds]KindState
	Refresh RefreshState

	nextSeq uint64
}

// KindState is the per-property state machine: Idle when Pending is nil,
// Pending(value) otherwise.
type KindState struct {
	Pending  *PendingOperation
	InFlight *InFlightCall

	// Gen advances on every submit and every command outcome for this kind. A
	// refresh read issued under an older Gen is stale for this kind.
	Gen uint64
}

// PendingOperation is the newest unresolved intent for a kind.
type PendingOperation struct {
	Intent    Intent
	Seq       uint64
	StartedAt time.Time

	// Sent is set once a device call carrying this Seq has been issued.
	Sent bool
}

// InFlightCall is the device call currently outstanding for a kind.
type InFlightCall struct {
	Seq       uint64
	StartedAt time.Time
}

type RefreshState struct {
	InFlight bool
	Queued   bool // another refresh was requested while one was in flight
	LastAt   time.Time
}

// Idle reports whether kind k has no pending operation.
func (s *SyncState) Idle(k IntentKind) bool {
	return s.Kinds[k].Pending == nil
}

// shadowed reports whether a refresh value for kind k read under gen must be dropped.
func (s *SyncState) shadowed(k IntentKind, gen uint64) bool {
	ks := &s.Kinds[k]
	return ks.Pending != nil || ks.InFlight != nil || ks.Gen != gen
}

func (s *SyncState) gens() [numIntentKinds]uint64 {
	var g [numIntentKinds]uint64
	for k := range s.Kinds {
		g[k] = s.Kinds[k].Gen
	}
	return g
}

// ==============================
// Reducer input/output
// ==============================

// ReducerConfig holds the policy knobs the reducer needs.
type ReducerConfig struct {
	// RefreshInterval is the periodic refresh cadence; 0 disables it.
	RefreshInterval time.Duration

	// VolumeStep is the volume change per VolumeStep step.
	VolumeStep int
}

// ReduceResult is the output of Reduce().
type ReduceResult struct {
	State    *SyncState
	Commands []Command

	// Patch, if non-nil, must be merged into the StateCache.
	Patch *StatePatch

	// Resync asks the engine to publish the current snapshot even if Patch
	// produced no effective change (a failed command must let optimistic UIs revert).
	Resync bool
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not read the clock; time comes from Tick, TimedEvent and observations
// - cur is the cached DeviceState before this event; it is read-only here
func Reduce(s *SyncState, cur DeviceState, e Event, cfg ReducerConfig) ReduceResult {
	if s == nil {
		s = &SyncState{}
	}

	rr := ReduceResult{State: s}

	var at time.Time
	if te, ok := e.(TimedEvent); ok {
		e, at = te.Event, te.At
	}

	switch ev := e.(type) {
	case Tick:
		// Flush pending intents into device calls (one in flight per kind).
		for k := range s.Kinds {
			ks := &s.Kinds[k]
			if ks.Pending == nil || ks.Pending.Sent || ks.InFlight != nil {
				continue
			}
			ks.Pending.Sent = true
			ks.InFlight = &InFlightCall{Seq: ks.Pending.Seq, StartedAt: ev.Now}
			rr.Commands = append(rr.Commands, CmdApplyIntent{Intent: ks.Pending.Intent, Seq: ks.Pending.Seq})
		}

		if cfg.RefreshInterval > 0 && !s.Refresh.InFlight && ev.Now.Sub(s.Refresh.LastAt) >= cfg.RefreshInterval {
			rr.Commands = append(rr.Commands, s.startRefresh(ev.Now)...)
		}

	case IntentSubmitted:
		s.submit(ev.Intent, at)

	case VolumeStep:
		if ev.Steps == 0 {
			break
		}
		step := cfg.VolumeStep
		if step <= 0 {
			step = defaultVolumeStep
		}
		base := cur.Volume
		if p := s.Kinds[KindVolume].Pending; p != nil {
			base = p.Intent.Volume
		}
		// More steps than the whole range only needs to reach the bound.
		steps := ev.Steps
		if limit := maxVolume/step + 1; steps > limit {
			steps = limit
		} else if steps < -limit {
			steps = -limit
		}
		s.submit(SetVolumeIntent(base+steps*step), at)

	case ToggleMute:
		base := cur.Muted
		if p := s.Kinds[KindMute].Pending; p != nil {
			base = p.Intent.Muted
		}
		s.submit(SetMuteIntent(!base), at)

	case RefreshRequested:
		rr.Commands = append(rr.Commands, s.startRefresh(at)...)

	case CommandCompleted:
		k := ev.Intent.Kind
		if k < 0 || k >= numIntentKinds {
			break
		}
		ks := &s.Kinds[k]
		if ks.InFlight != nil && ks.InFlight.Seq == ev.Seq {
			ks.InFlight = nil
		}
		ks.Gen++

		current := ks.Pending != nil && ks.Pending.Seq == ev.Seq
		if current {
			ks.Pending = nil
		}

		var patch StatePatch
		if ev.Err == nil {
			// A superseded result is dropped; the newer pending value goes out on the next tick.
			if current {
				patch = ev.Intent.normalized().confirmedPatch()
			}
			patch.setConnected(true, "")
		} else {
			patch.setConnected(false, ev.Err.Error())
			rr.Resync = true
		}
		rr.Patch = &patch

	case RefreshObserved:
		s.Refresh.InFlight = false

		var patch StatePatch
		ok := 0
		var firstErr error
		noteErr := func(err error) {
			if firstErr == nil {
				firstErr = err
			}
		}

		if ev.SourceErr == nil {
			ok++
			if !s.shadowed(KindSource, ev.Gens[KindSource]) {
				src := ev.Source
				patch.Source = &src
			}
		} else {
			noteErr(ev.SourceErr)
		}

		if ev.VolumeErr == nil {
			ok++
			if !s.shadowed(KindVolume, ev.Gens[KindVolume]) {
				v := clampVolume(ev.Volume)
				patch.Volume = &v
			}
		} else {
			noteErr(ev.VolumeErr)
		}

		if ev.MutedErr == nil {
			ok++
			if !s.shadowed(KindMute, ev.Gens[KindMute]) {
				m := ev.Muted
				patch.Muted = &m
			}
		} else {
			noteErr(ev.MutedErr)
		}

		if ok == 0 {
			// Unreachable: keep the stale fields, flip connectivity only.
			patch.setConnected(false, firstErr.Error())
		} else {
			patch.setConnected(true, "")
		}
		rr.Patch = &patch

		if s.Refresh.Queued {
			s.Refresh.Queued = false
			rr.Commands = append(rr.Commands, s.startRefresh(ev.At)...)
		}

	default:
		// Unknown event type: no-op.
	}

	return rr
}

// submit records intent as the pending operation for its kind, replacing any
// older one (most-recent-intent-wins).
func (s *SyncState) submit(intent Intent, at time.Time) {
	intent = intent.normalized()
	if intent.Kind < 0 || intent.Kind >= numIntentKinds {
		return
	}

	s.nextSeq++
	ks := &s.Kinds[intent.Kind]
	ks.Gen++
	ks.Pending = &PendingOperation{
		Intent:    intent,
		Seq:       s.nextSeq,
		StartedAt: at,
	}
}

// startRefresh issues a refresh, or queues exactly one follow-up if one is in flight.
func (s *SyncState) startRefresh(now time.Time) []Command {
	if s.Refresh.InFlight {
		s.Refresh.Queued = true
		return nil
	}
	s.Refresh.InFlight = true
	s.Refresh.LastAt = now
	return []Command{CmdRefresh{Gens: s.gens()}}
}
