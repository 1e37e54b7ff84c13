package main

import (
	"fmt"
	"strings"
)

// Source is the speaker's active physical input.
type Source string

const (
	SourceUnknown   Source = ""
	SourceWiFi      Source = "wifi"
	SourceBluetooth Source = "bluetooth"
	SourceTV        Source = "tv"
	SourceOptical   Source = "optical"
	SourceUSB       Source = "usb"
)

// Sources lists the selectable inputs in display order.
var Sources = []Source{SourceWiFi, SourceBluetooth, SourceTV, SourceOptical, SourceUSB}

// ParseSource converts a user or device supplied name into a Source.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "wi-fi":
		return SourceWiFi, nil
	case "bluetooth", "bt":
		return SourceBluetooth, nil
	case "tv":
		return SourceTV, nil
	case "optical":
		return SourceOptical, nil
	case "usb":
		return SourceUSB, nil
	default:
		return SourceUnknown, fmt.Errorf("unknown source %q (must be one of wifi, bluetooth, tv, optical, usb)", s)
	}
}

func (s Source) String() string {
	if s == SourceUnknown {
		return "unknown"
	}
	return string(s)
}

// Volume bounds accepted by the speaker.
const (
	minVolume = 0
	maxVolume = 100
)

func clampVolume(v int) int {
	if v < minVolume {
		return minVolume
	}
	if v > maxVolume {
		return maxVolume
	}
	return v
}

// DeviceState is the best-known view of the speaker plus the connection status.
//
// It is a value type; every snapshot handed out is a copy, so two snapshots can be
// compared with == to decide whether a transition was effective.
type DeviceState struct {
	Source Source `json:"source"`
	Volume int    `json:"volume"`
	Muted  bool   `json:"muted"`

	// ConnectionStatus
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

// StatePatch is a partial DeviceState. Nil fields are left untouched on merge.
type StatePatch struct {
	Source    *Source
	Volume    *int
	Muted     *bool
	Connected *bool
	LastError *string
}

func (p *StatePatch) empty() bool {
	return p == nil || (p.Source == nil && p.Volume == nil && p.Muted == nil && p.Connected == nil && p.LastError == nil)
}

func (p *StatePatch) setConnected(ok bool, lastErr string) {
	p.Connected = &ok
	p.LastError = &lastErr
}

// apply returns s with the patch merged in. Volume is clamped to [0,100].
func (p StatePatch) apply(s DeviceState) DeviceState {
	if p.Source != nil {
		s.Source = *p.Source
	}
	if p.Volume != nil {
		s.Volume = clampVolume(*p.Volume)
	}
	if p.Muted != nil {
		s.Muted = *p.Muted
	}
	if p.Connected != nil {
		s.Connected = *p.Connected
	}
	if p.LastError != nil {
		s.LastError = *p.LastError
	}
	return s
}

// ==============================
// Intents
// ==============================

// IntentKind identifies the property an Intent changes. Each kind has its own
// independent single-flight slot.
type IntentKind int

const (
	KindSource IntentKind = iota
	KindVolume
	KindMute

	numIntentKinds
)

func (k IntentKind) String() string {
	switch k {
	case KindSource:
		return "SET_SOURCE"
	case KindVolume:
		return "SET_VOLUME"
	case KindMute:
		return "SET_MUTE"
	default:
		return fmt.Sprintf("IntentKind(%d)", int(k))
	}
}

// Intent is a user request to change one property of the speaker.
// Only the field matching Kind is meaningful.
type Intent struct {
	Kind   IntentKind
	Source Source
	Volume int
	Muted  bool
}

func SetSourceIntent(s Source) Intent { return Intent{Kind: KindSource, Source: s} }
func SetVolumeIntent(v int) Intent    { return Intent{Kind: KindVolume, Volume: v} }
func SetMuteIntent(m bool) Intent     { return Intent{Kind: KindMute, Muted: m} }

func (i Intent) String() string {
	switch i.Kind {
	case KindSource:
		return fmt.Sprintf("%s(%s)", i.Kind, i.Source)
	case KindVolume:
		return fmt.Sprintf("%s(%d)", i.Kind, i.Volume)
	case KindMute:
		return fmt.Sprintf("%s(%v)", i.Kind, i.Muted)
	default:
		return i.Kind.String()
	}
}

// normalized clamps the volume. Everything else is trusted as already validated.
func (i Intent) normalized() Intent {
	if i.Kind == KindVolume {
		i.Volume = clampVolume(i.Volume)
	}
	return i
}

// confirmedPatch is the cache patch for a successfully applied intent.
func (i Intent) confirmedPatch() StatePatch {
	var p StatePatch
	switch i.Kind {
	case KindSource:
		src := i.Source
		p.Source = &src
	case KindVolume:
		v := i.Volume
		p.Volume = &v
	case KindMute:
		m := i.Muted
		p.Muted = &m
	}
	return p
}
