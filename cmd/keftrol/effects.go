package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// runEffect executes a single reducer-emitted Command against the speaker and
// reports the outcome via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the engine loop.
// - Every device call is bounded by timeout, so each command always produces exactly one event.
func runEffect(
	ctx context.Context,
	client DeviceClient,
	cmd Command,
	timeout time.Duration,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		// No place to report observations/errors; nothing sensible to do.
		return
	}

	switch c := cmd.(type) {
	case CmdApplyIntent:
		var err error
		if client == nil {
			err = errNoClient{}
		} else {
			_, err = callDevice(ctx, timeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, applyIntent(ctx, client, c.Intent)
			})
		}
		if err != nil {
			logger.Error("device command failed", "intent", c.Intent.String(), "seq", c.Seq, "class", errorClass(err), "error", err)
		} else {
			logger.Debug("device command applied", "intent", c.Intent.String(), "seq", c.Seq)
		}
		onEvent(CommandCompleted{Intent: c.Intent, Seq: c.Seq, Err: err, At: time.Now()})

	case CmdRefresh:
		onEvent(runRefresh(ctx, client, c, timeout, logger))

	default:
		logger.Warn("unknown command type", "command", cmd.String())
	}
}

// runRefresh reads source, volume and mute concurrently. Each read fails independently.
func runRefresh(ctx context.Context, client DeviceClient, cmd CmdRefresh, timeout time.Duration, logger *slog.Logger) RefreshObserved {
	obs := RefreshObserved{Gens: cmd.Gens}
	if client == nil {
		obs.SourceErr, obs.VolumeErr, obs.MutedErr = errNoClient{}, errNoClient{}, errNoClient{}
		obs.At = time.Now()
		return obs
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		obs.Source, obs.SourceErr = callDevice(ctx, timeout, client.GetSource)
	}()
	go func() {
		defer wg.Done()
		obs.Volume, obs.VolumeErr = callDevice(ctx, timeout, client.GetVolume)
	}()
	go func() {
		defer wg.Done()
		obs.Muted, obs.MutedErr = callDevice(ctx, timeout, client.GetMuted)
	}()
	wg.Wait()
	obs.At = time.Now()

	failed := 0
	for _, err := range []error{obs.SourceErr, obs.VolumeErr, obs.MutedErr} {
		if err != nil {
			failed++
		}
	}
	switch {
	case failed == 3:
		logger.Warn("refresh failed; speaker unreachable", "class", errorClass(obs.VolumeErr), "error", obs.VolumeErr)
	case failed > 0:
		logger.Warn("refresh partially failed",
			"source_error", obs.SourceErr,
			"volume_error", obs.VolumeErr,
			"mute_error", obs.MutedErr)
	default:
		logger.Debug("refresh observed", "source", obs.Source, "volume", obs.Volume, "muted", obs.Muted)
	}
	return obs
}

// errNoClient indicates the engine was asked to execute a command without a DeviceClient.
type errNoClient struct{}

func (errNoClient) Error() string { return "no device client" }
