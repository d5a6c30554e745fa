// Package config loads the host's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/phoenix"
)

// Duration is a time.Duration written as a string ("16ms", "5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type HostConfig struct {
	// GameName is used when a launch request carries no GAME_NAME.
	GameName      string   `toml:"game_name"`
	Wasm          string   `toml:"wasm"`
	Args          []string `toml:"args"`
	FrameInterval Duration `toml:"frame_interval"`
	SlotID        string   `toml:"slot_id"`

	Relaunch RelaunchConfig `toml:"relaunch"`
	Control  ControlConfig  `toml:"control"`
	Journal  JournalConfig  `toml:"journal"`
	Log      LogConfig      `toml:"log"`
}

type RelaunchConfig struct {
	Mode        string   `toml:"mode"`
	ExitTimeout Duration `toml:"exit_timeout"`
}

type ControlConfig struct {
	Disabled  bool    `toml:"disabled"`
	Addr      string  `toml:"addr"`
	KeyPath   string  `toml:"key_path"`
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`
}

type JournalConfig struct {
	Disabled  bool     `toml:"disabled"`
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DataDir is where the key file and journal live unless configured.
func DataDir() string {
	return filepath.Join(os.TempDir(), "enginehost")
}

// Default returns the configuration used when no file is given.
func Default() HostConfig {
	var cfg HostConfig
	applyDefaults(&cfg)
	return cfg
}

// Load reads the file at path and fills in defaults. Callers apply flag
// overrides and then call Validate. An empty path returns the defaults.
func Load(path string) (HostConfig, error) {
	var cfg HostConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return HostConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return HostConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if cfg.Wasm != "" && !filepath.IsAbs(cfg.Wasm) {
			cfg.Wasm = filepath.Join(filepath.Dir(path), cfg.Wasm)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *HostConfig) {
	if cfg.FrameInterval.Duration == 0 {
		cfg.FrameInterval.Duration = 16 * time.Millisecond
	}
	if cfg.SlotID == "" {
		cfg.SlotID = engine.DefaultSlot
	}
	if cfg.Relaunch.Mode == "" {
		cfg.Relaunch.Mode = string(phoenix.ModeExec)
	}
	if cfg.Relaunch.ExitTimeout.Duration == 0 {
		cfg.Relaunch.ExitTimeout.Duration = 5 * time.Second
	}
	if cfg.Control.Addr == "" {
		cfg.Control.Addr = "127.0.0.1:7420"
	}
	if cfg.Control.KeyPath == "" {
		cfg.Control.KeyPath = filepath.Join(DataDir(), "control.key")
	}
	if cfg.Control.RateLimit == 0 {
		cfg.Control.RateLimit = 10
	}
	if cfg.Control.Burst == 0 {
		cfg.Control.Burst = 20
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(DataDir(), "journal.db")
	}
	if cfg.Journal.Retention.Duration == 0 {
		cfg.Journal.Retention.Duration = 7 * 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks a fully populated configuration.
func Validate(cfg HostConfig) error {
	if strings.TrimSpace(cfg.Wasm) == "" {
		return fmt.Errorf("host config missing wasm module path")
	}
	if cfg.FrameInterval.Duration < 0 {
		return fmt.Errorf("frame_interval must not be negative")
	}
	if _, err := phoenix.ParseMode(cfg.Relaunch.Mode); err != nil {
		return fmt.Errorf("relaunch invalid: %w", err)
	}
	if cfg.Relaunch.ExitTimeout.Duration < 0 {
		return fmt.Errorf("relaunch exit_timeout must not be negative")
	}
	if !cfg.Control.Disabled {
		if strings.TrimSpace(cfg.Control.Addr) == "" {
			return fmt.Errorf("control config missing addr")
		}
		if cfg.Control.RateLimit < 0 || cfg.Control.Burst < 0 {
			return fmt.Errorf("control rate limit must not be negative")
		}
	}
	switch cfg.Log.Format {
	case "json", "text", "tint":
	default:
		return fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	return nil
}
