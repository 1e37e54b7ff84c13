package main

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Wire Envelopes
// ============================================================================
// External clients (IPC, state websocket) send events as a type-discriminated
// envelope: {"type": "set_volume", "data": {"volume": 40}}.
//
// Decoding validates user input. Anything that reaches the engine is a
// well-formed intent.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StateQuery asks for the current snapshot. It is answered by the transport and
// never reaches the reducer.
type StateQuery struct{}

func (StateQuery) eventMarker() {}

type setSourcePayload struct {
	Source string `json:"source"`
}

type setVolumePayload struct {
	Volume *int `json:"volume"`
}

type setMutePayload struct {
	Muted *bool `json:"muted"`
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_source":
		var p setSourcePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		src, err := ParseSource(p.Source)
		if err != nil {
			return nil, err
		}
		return IntentSubmitted{Intent: SetSourceIntent(src)}, nil

	case "set_volume":
		var p setVolumePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.Volume == nil {
			return nil, errors.New("set_volume: missing volume")
		}
		if *p.Volume < minVolume || *p.Volume > maxVolume {
			return nil, fmt.Errorf("set_volume: volume %d out of range [%d, %d]", *p.Volume, minVolume, maxVolume)
		}
		return IntentSubmitted{Intent: SetVolumeIntent(*p.Volume)}, nil

	case "set_mute":
		var p setMutePayload
		if err := unmarshalData(env, &p); err != nil {
			return nil, err
		}
		if p.Muted == nil {
			return nil, errors.New("set_mute: missing muted")
		}
		return IntentSubmitted{Intent: SetMuteIntent(*p.Muted)}, nil

	case "volume_step":
		var a VolumeStep
		if err := unmarshalData(env, &a); err != nil {
			return nil, err
		}
		if a.Steps < -maxVolume || a.Steps > maxVolume {
			return nil, fmt.Errorf("volume_step: steps %d out of range [%d, %d]", a.Steps, -maxVolume, maxVolume)
		}
		return a, nil

	case "toggle_mute":
		return ToggleMute{}, nil

	case "refresh":
		return RefreshRequested{}, nil

	case "get_state":
		return StateQuery{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

func unmarshalData(env EventEnvelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return nil
}
