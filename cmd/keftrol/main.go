package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `keftrol v%s - state sync daemon for KEF wireless speakers

Keeps a cached view of the speaker's source, volume and mute, applies changes
requested over IPC, the state websocket and media keys, and pushes every state
change to websocket subscribers.

Usage:
  keftrol [flags]

Examples:
  # Run against a speaker with defaults
  keftrol --speaker 192.168.1.20

  # Run from a config file, overriding the log level
  keftrol --config /etc/keftrol.yaml --log-level debug

Flags:
`, version)
	flagSet.PrintDefaults()
}

// parseFlags builds the effective config: defaults, then the config file (if
// any), then flags the user explicitly set.
func parseFlags(args []string) (Config, bool, error) {
	var (
		configPath    string
		overrides     FlagOverrides
		showVersion   bool
		address       string
		timeoutMS     int
		flushHz       int
		refreshMS     int
		refreshStart  bool
		socketPath    string
		wsListen      string
		wsPath        string
		keyDevices    []string
		volumeStep    int
		logLevel      string
		defaultConfig = DefaultConfig()
	)

	flagSet := pflag.NewFlagSet("keftrol", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML or .toml config file")
	flagSet.StringVar(&address, "speaker", "", "speaker address (host, host:port or http:// URL)")
	flagSet.IntVar(&timeoutMS, "timeout-ms", defaultConfig.Speaker.TimeoutMS, "per device call timeout in ms")
	flagSet.IntVar(&flushHz, "flush-hz", defaultConfig.Dispatch.FlushHz, "pending intent flush frequency in Hz")
	flagSet.IntVar(&refreshMS, "refresh-interval-ms", defaultConfig.Refresh.IntervalMS, "periodic refresh interval in ms (0 disables)")
	flagSet.BoolVar(&refreshStart, "refresh-on-start", defaultConfig.Refresh.OnStart, "read the speaker state on startup")
	flagSet.StringVar(&socketPath, "ipc-socket", defaultConfig.IPC.SocketPath, "unix domain socket path for IPC")
	flagSet.StringVar(&wsListen, "state-ws-listen", defaultConfig.StateWS.Listen, "state websocket listen address (empty disables)")
	flagSet.StringVar(&wsPath, "state-ws-path", defaultConfig.StateWS.Path, "state websocket HTTP path")
	flagSet.StringSliceVar(&keyDevices, "key-device", nil, "Linux input device for media keys (repeatable)")
	flagSet.IntVar(&volumeStep, "volume-step", defaultConfig.Keys.VolumeStep, "volume change per key press or encoder detent")
	flagSet.StringVar(&logLevel, "log-level", defaultConfig.Logging.Level, "log level: error, warn, info, debug")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return Config{}, true, nil
		}
		return Config{}, false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return Config{}, true, nil
	}
	if showVersion {
		fmt.Printf("keftrol v%s\n", version)
		return Config{}, true, nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, false, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	changed := flagSet.Changed
	if changed("speaker") {
		overrides.SpeakerAddress = &address
	}
	if changed("timeout-ms") {
		overrides.SpeakerTimeoutMS = &timeoutMS
	}
	if changed("flush-hz") {
		overrides.FlushHz = &flushHz
	}
	if changed("refresh-interval-ms") {
		overrides.RefreshIntervalMS = &refreshMS
	}
	if changed("refresh-on-start") {
		overrides.RefreshOnStart = &refreshStart
	}
	if changed("ipc-socket") {
		overrides.IPCSocketPath = &socketPath
	}
	if changed("state-ws-listen") {
		overrides.StateWSListen = &wsListen
	}
	if changed("state-ws-path") {
		overrides.StateWSPath = &wsPath
	}
	if changed("key-device") {
		overrides.KeyDevices = &keyDevices
	}
	if changed("volume-step") {
		overrides.KeyVolumeStep = &volumeStep
	}
	if changed("log-level") {
		overrides.LogLevel = &logLevel
	}

	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfigFile(configPath)
		if err != nil {
			return Config{}, false, err
		}
		cfg = loaded
	}
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, false, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, false, nil
}

func run(args []string) error {
	cfg, exit, err := parseFlags(args)
	if err != nil || exit {
		return err
	}

	level, _ := parseLogLevel(cfg.Logging.Level) // validated
	logger := setupLogger(os.Stdout, level)

	client, err := NewKEFClient(cfg.Speaker.Address, cfg.EngineConfig().CallTimeout, logger.With("component", "kef"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := NewEngine(client, cfg.EngineConfig(), logger.With("component", "engine"))

	logger.Debug("configuration",
		"speaker", cfg.Speaker.Address,
		"timeout_ms", cfg.Speaker.TimeoutMS,
		"flush_hz", cfg.Dispatch.FlushHz,
		"refresh_interval_ms", cfg.Refresh.IntervalMS,
		"refresh_on_start", cfg.Refresh.OnStart,
		"ipc_socket", cfg.IPC.SocketPath,
		"state_ws_listen", cfg.StateWS.Listen,
		"key_devices", cfg.Keys.Devices,
		"volume_step", cfg.Keys.VolumeStep)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, engine, logger.With("component", "ipc"))
	})

	if cfg.StateWS.Listen != "" {
		wsLogger := logger.With("component", "state_ws")
		srv := NewServer(wsLogger, engine, ServerConfig{})
		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), engine.Subscribe(gctx), wsLogger)
			return nil
		})
		g.Go(func() error {
			return runStateWSServer(gctx, cfg.StateWS.Listen, cfg.StateWS.Path, srv, wsLogger)
		})
	}

	if len(cfg.Keys.Devices) > 0 {
		g.Go(func() error {
			return runKeyReader(gctx, cfg.Keys.Devices, engine, logger.With("component", "keys"))
		})
	}

	logger.Info("keftrol started", "version", version, "speaker", cfg.Speaker.Address)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("keftrol stopped", "error", err)
		return err
	}
	logger.Info("shutting down")
	return nil
}
