package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// translateInputEvent maps a raw key or encoder event to an engine event.
// Releases and unrelated codes map to nil.
func translateInputEvent(ev inputEvent) Event {
	switch ev.Type {
	case EV_KEY:
		pressed := ev.Value == evValuePress || ev.Value == evValueRepeat
		switch ev.Code {
		case KEY_VOLUMEUP:
			if pressed {
				return VolumeStep{Steps: 1}
			}
		case KEY_VOLUMEDOWN:
			if pressed {
				return VolumeStep{Steps: -1}
			}
		case KEY_MUTE:
			// Repeat would toggle back and forth while held.
			if ev.Value == evValuePress {
				return ToggleMute{}
			}
		}

	case EV_REL:
		if ev.Code == REL_DIAL && ev.Value != 0 {
			return VolumeStep{Steps: int(ev.Value)}
		}
	}
	return nil
}

// runKeyReader reads media keys from the given input devices and dispatches the
// translated events until ctx is canceled or a device fails.
func runKeyReader(ctx context.Context, devices []string, ctl Controller, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(devices))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, path := range devices {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input device %s: %w (run as root or add user to the 'input' group)", path, err)
		}
		files = append(files, f)
	}

	events := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	readerExited := make(chan struct{})
	go func() {
		defer close(readerExited)
		readInputDevices(files, events, readErr, done)
	}()
	// Runs before the files are closed.
	defer func() {
		close(done)
		<-readerExited
	}()

	logger.Info("media keys enabled", "devices", devices)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("input reader stopped: %w", err)

		case ev := <-events:
			out := translateInputEvent(ev)
			if out == nil {
				continue
			}
			logger.Debug("media key", "type", ev.Type, "code", ev.Code, "value", ev.Value)
			ctl.Dispatch(out)
		}
	}
}
