package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the keftrol daemon.
//
// The config file is the primary configuration surface; flags exist for small
// overrides. Defaults and validation live here so the rest of the code can
// assume a well-formed config.
type Config struct {
	Speaker  SpeakerConfig  `yaml:"speaker" toml:"speaker"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Refresh  RefreshConfig  `yaml:"refresh" toml:"refresh"`
	IPC      IPCConfig      `yaml:"ipc" toml:"ipc"`
	StateWS  StateWSConfig  `yaml:"state_ws" toml:"state_ws"`
	Keys     KeysConfig     `yaml:"keys" toml:"keys"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

type SpeakerConfig struct {
	Address   string `yaml:"address" toml:"address"`
	TimeoutMS int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type DispatchConfig struct {
	FlushHz int `yaml:"flush_hz" toml:"flush_hz"`
}

type RefreshConfig struct {
	IntervalMS int  `yaml:"interval_ms" toml:"interval_ms"` // 0 disables periodic refresh
	OnStart    bool `yaml:"on_start" toml:"on_start"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path" toml:"socket_path"`
}

type StateWSConfig struct {
	Listen string `yaml:"listen" toml:"listen"` // empty disables the server
	Path   string `yaml:"path" toml:"path"`
}

type KeysConfig struct {
	Devices    []string `yaml:"devices" toml:"devices"` // empty disables media keys
	VolumeStep int      `yaml:"volume_step" toml:"volume_step"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// DefaultConfig returns the built-in settings. Values come from constants.go.
func DefaultConfig() Config {
	return Config{
		Speaker: SpeakerConfig{
			TimeoutMS: defaultTimeoutMS,
		},
		Dispatch: DispatchConfig{
			FlushHz: defaultFlushHz,
		},
		Refresh: RefreshConfig{
			IntervalMS: defaultRefreshIntervalMS,
			OnStart:    true,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocketPath,
		},
		StateWS: StateWSConfig{
			Listen: defaultStateWSListen,
			Path:   defaultStateWSPath,
		},
		Keys: KeysConfig{
			VolumeStep: defaultVolumeStep,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a config file on top of DefaultConfig.
//
// Files ending in .toml are parsed as TOML; anything else as YAML. Unknown
// fields are rejected in both formats to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return decodeConfigTOML(b)
	}
	return decodeConfigYAML(b)
}

func decodeConfigYAML(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// A second document is a mistake (usually a stray "---"). Decode into a
	// Node so KnownFields cannot turn it into a field error.
	if err := dec.Decode(&yaml.Node{}); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

func decodeConfigTOML(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("decode config toml: %s", strict.String())
		}
		return Config{}, fmt.Errorf("decode config toml: %w", err)
	}
	return cfg, nil
}

// FlagOverrides carries values from flags the user explicitly set.
// A nil pointer means "not set"; a non-nil pointer is applied even if it holds
// a zero value.
type FlagOverrides struct {
	SpeakerAddress   *string
	SpeakerTimeoutMS *int

	FlushHz *int

	RefreshIntervalMS *int
	RefreshOnStart    *bool

	IPCSocketPath *string

	StateWSListen *string
	StateWSPath   *string

	KeyDevices    *[]string
	KeyVolumeStep *int

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.SpeakerAddress != nil {
		cfg.Speaker.Address = *o.SpeakerAddress
	}
	if o.SpeakerTimeoutMS != nil {
		cfg.Speaker.TimeoutMS = *o.SpeakerTimeoutMS
	}

	if o.FlushHz != nil {
		cfg.Dispatch.FlushHz = *o.FlushHz
	}

	if o.RefreshIntervalMS != nil {
		cfg.Refresh.IntervalMS = *o.RefreshIntervalMS
	}
	if o.RefreshOnStart != nil {
		cfg.Refresh.OnStart = *o.RefreshOnStart
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}

	if o.StateWSListen != nil {
		cfg.StateWS.Listen = *o.StateWSListen
	}
	if o.StateWSPath != nil {
		cfg.StateWS.Path = *o.StateWSPath
	}

	if o.KeyDevices != nil {
		cfg.Keys.Devices = append([]string(nil), (*o.KeyDevices)...)
	}
	if o.KeyVolumeStep != nil {
		cfg.Keys.VolumeStep = *o.KeyVolumeStep
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate reports the first setting that cannot run. Call it on the merged
// config (defaults, file, flags).
func (c *Config) Validate() error {
	// Speaker
	if strings.TrimSpace(c.Speaker.Address) == "" {
		return errors.New("speaker.address must not be empty")
	}
	if _, err := kefBaseURL(c.Speaker.Address); err != nil {
		return fmt.Errorf("speaker.address: %w", err)
	}
	if c.Speaker.TimeoutMS <= 0 {
		return errors.New("speaker.timeout_ms must be > 0")
	}

	// Dispatch
	if c.Dispatch.FlushHz <= 0 || c.Dispatch.FlushHz > 1000 {
		return errors.New("dispatch.flush_hz must be between 1 and 1000")
	}

	// Refresh
	if c.Refresh.IntervalMS < 0 {
		return errors.New("refresh.interval_ms must be >= 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// State websocket
	if c.StateWS.Listen != "" {
		if _, _, err := net.SplitHostPort(c.StateWS.Listen); err != nil {
			return fmt.Errorf("state_ws.listen: %w", err)
		}
		if !strings.HasPrefix(c.StateWS.Path, "/") {
			return errors.New("state_ws.path must start with '/'")
		}
	}

	// Keys
	for i, dev := range c.Keys.Devices {
		if dev == "" {
			return fmt.Errorf("keys.devices[%d] is empty", i)
		}
	}
	if c.Keys.VolumeStep <= 0 || c.Keys.VolumeStep > maxVolume {
		return fmt.Errorf("keys.volume_step must be between 1 and %d", maxVolume)
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// EngineConfig converts the file config into the engine's runtime config.
func (c *Config) EngineConfig() EngineConfig {
	return EngineConfig{
		FlushInterval:   time.Second / time.Duration(c.Dispatch.FlushHz),
		CallTimeout:     time.Duration(c.Speaker.TimeoutMS) * time.Millisecond,
		RefreshInterval: time.Duration(c.Refresh.IntervalMS) * time.Millisecond,
		RefreshOnStart:  c.Refresh.OnStart,
		VolumeStep:      c.Keys.VolumeStep,
	}
}

// ExpandPath resolves a leading "~" to the home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
