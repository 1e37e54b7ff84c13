package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCallDevice_ReturnsAtDeadlineWhenClientIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := callDevice(context.Background(), 30*time.Millisecond, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("timeout must classify as unreachable too: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("callDevice blocked for %s", elapsed)
	}
}

func TestCallDevice_PassesResultThrough(t *testing.T) {
	v, err := callDevice(context.Background(), time.Second, func(context.Context) (Source, error) {
		return SourceTV, nil
	})
	if err != nil || v != SourceTV {
		t.Fatalf("got (%v, %v)", v, err)
	}

	want := fmt.Errorf("get volume: %w", ErrProtocol)
	_, err = callDevice(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, want
	})
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestErrorClass(t *testing.T) {
	cases := map[string]error{
		"":            nil,
		"timeout":     fmt.Errorf("set volume: %w", ErrTimeout),
		"unreachable": fmt.Errorf("get source: %w", ErrDeviceUnreachable),
		"protocol":    fmt.Errorf("get mute: %w", ErrProtocol),
		"unknown":     errors.New("boom"),
	}
	for want, err := range cases {
		if got := errorClass(err); got != want {
			t.Errorf("errorClass(%v) = %q, want %q", err, got, want)
		}
	}
}
