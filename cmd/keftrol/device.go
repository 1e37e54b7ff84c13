package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeviceClient performs the actual network calls against the speaker.
// Every method may be called concurrently with any other.
//
// This allows for faking the speaker in tests.
type DeviceClient interface {
	GetSource(ctx context.Context) (Source, error)
	SetSource(ctx context.Context, src Source) error

	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, volume int) error

	GetMuted(ctx context.Context) (bool, error)
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
}

// Device error taxonomy. Callers classify with errors.Is.
var (
	// ErrDeviceUnreachable covers connection refused, DNS failures and timeouts.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrTimeout is a call that did not complete within its deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrDeviceUnreachable)

	// ErrProtocol means the device answered with an unexpected or invalid payload.
	ErrProtocol = errors.New("device protocol error")
)

// errorClass returns a short label for logs.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDeviceUnreachable):
		return "unreachable"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "unknown"
	}
}

// callDevice runs fn with a deadline and returns once either fn returns or the
// deadline passes, whichever is first. A client that ignores ctx cannot hold the
// caller past the timeout; its late result is dropped.
//
// The engine treats a timed-out call as finished, so the next call of the same
// kind may start while fn is still running. With a client that ignores ctx, the
// abandoned write can reach the device after the newer one. KEFClient aborts
// its write request when ctx ends.
func callDevice[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, ErrDeviceUnreachable) {
			return r.v, fmt.Errorf("%w: %v", ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return zero, fmt.Errorf("%w: %v", ErrDeviceUnreachable, cctx.Err())
	}
}

// applyIntent issues the DeviceClient call matching the intent's kind.
func applyIntent(ctx context.Context, client DeviceClient, intent Intent) error {
	switch intent.Kind {
	case KindSource:
		return client.SetSource(ctx, intent.Source)
	case KindVolume:
		return client.SetVolume(ctx, intent.Volume)
	case KindMute:
		if intent.Muted {
			return client.Mute(ctx)
		}
		return client.Unmute(ctx)
	default:
		return fmt.Errorf("unsupported intent kind %s", intent.Kind)
	}
}
