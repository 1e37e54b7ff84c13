package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile_YAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, "keftrol.yaml", `
speaker:
  address: 192.168.1.20
dispatch:
  flush_hz: 10
keys:
  devices: [/dev/input/event3]
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Speaker.Address != "192.168.1.20" || cfg.Dispatch.FlushHz != 10 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Speaker.TimeoutMS != defaultTimeoutMS || cfg.IPC.SocketPath != defaultIPCSocketPath {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigFile_TOML(t *testing.T) {
	path := writeConfig(t, "keftrol.toml", `
[speaker]
address = "speaker.lan"
timeout_ms = 1500

[state_ws]
listen = ""
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Speaker.Address != "speaker.lan" || cfg.Speaker.TimeoutMS != 1500 {
		t.Errorf("file values not applied: %+v", cfg.Speaker)
	}
	if cfg.StateWS.Listen != "" {
		t.Errorf("expected state websocket disabled, got %q", cfg.StateWS.Listen)
	}
	if cfg.StateWS.Path != defaultStateWSPath {
		t.Errorf("expected default path, got %q", cfg.StateWS.Path)
	}
}

func TestLoadConfigFile_RejectsUnknownFields(t *testing.T) {
	yamlPath := writeConfig(t, "bad.yaml", "speaker:\n  adress: 1.2.3.4\n")
	if _, err := LoadConfigFile(yamlPath); err == nil {
		t.Error("expected unknown yaml field to be rejected")
	}

	tomlPath := writeConfig(t, "bad.toml", "[speaker]\nadress = \"1.2.3.4\"\n")
	if _, err := LoadConfigFile(tomlPath); err == nil {
		t.Error("expected unknown toml field to be rejected")
	}
}

func TestLoadConfigFile_RejectsTrailingDocument(t *testing.T) {
	path := writeConfig(t, "two.yaml", "speaker:\n  address: a\n---\nspeaker:\n  address: b\n")
	if _, err := LoadConfigFile(path); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Errorf("expected trailing document error, got %v", err)
	}
}

func TestFlagOverridesApplyOnlySetValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Speaker.Address = "from-file"

	zero := 0
	level := "debug"
	FlagOverrides{RefreshIntervalMS: &zero, LogLevel: &level}.Apply(&cfg)

	if cfg.Speaker.Address != "from-file" {
		t.Errorf("unset override changed address: %q", cfg.Speaker.Address)
	}
	if cfg.Refresh.IntervalMS != 0 {
		t.Errorf("zero override not applied: %d", cfg.Refresh.IntervalMS)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := DefaultConfig()
		c.Speaker.Address = "192.168.1.20"
		return c
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing address", func(c *Config) { c.Speaker.Address = "" }, "speaker.address"},
		{"zero timeout", func(c *Config) { c.Speaker.TimeoutMS = 0 }, "speaker.timeout_ms"},
		{"flush hz", func(c *Config) { c.Dispatch.FlushHz = 0 }, "dispatch.flush_hz"},
		{"negative refresh", func(c *Config) { c.Refresh.IntervalMS = -1 }, "refresh.interval_ms"},
		{"bad listen", func(c *Config) { c.StateWS.Listen = "nope" }, "state_ws.listen"},
		{"bad path", func(c *Config) { c.StateWS.Path = "state" }, "state_ws.path"},
		{"empty device", func(c *Config) { c.Keys.Devices = []string{""} }, "keys.devices[0]"},
		{"volume step", func(c *Config) { c.Keys.VolumeStep = 0 }, "keys.volume_step"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfig_EngineConfig(t *testing.T) {
	c := DefaultConfig()
	ec := c.EngineConfig()
	if ec.FlushInterval != 50*time.Millisecond {
		t.Errorf("flush interval = %s", ec.FlushInterval)
	}
	if ec.CallTimeout != 2*time.Second || ec.RefreshInterval != 5*time.Second {
		t.Errorf("unexpected engine config %+v", ec)
	}
	if !ec.RefreshOnStart || ec.VolumeStep != defaultVolumeStep {
		t.Errorf("unexpected engine config %+v", ec)
	}
}

func TestParseFlags_FileThenFlags(t *testing.T) {
	path := writeConfig(t, "keftrol.yaml", "speaker:\n  address: 10.0.0.9\nlogging:\n  level: warn\n")

	cfg, exit, err := parseFlags([]string{"--config", path, "--log-level", "debug", "--key-device", "/dev/input/event1"})
	if err != nil || exit {
		t.Fatalf("parseFlags = (%v, %v)", exit, err)
	}
	if cfg.Speaker.Address != "10.0.0.9" {
		t.Errorf("file address lost: %q", cfg.Speaker.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("flag did not override file: %q", cfg.Logging.Level)
	}
	if len(cfg.Keys.Devices) != 1 || cfg.Keys.Devices[0] != "/dev/input/event1" {
		t.Errorf("key devices = %v", cfg.Keys.Devices)
	}

	if _, _, err := parseFlags(nil); err == nil {
		t.Error("expected missing speaker address to fail validation")
	}
}
