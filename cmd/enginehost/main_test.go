package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/launch"
)

func TestParseFlagsExtras(t *testing.T) {
	opts, err := parseFlags([]string{"-wasm", "pong.wasm", "-extra", "level=3", "-extra", "mode=hard", "-new-launch"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.wasm != "pong.wasm" || !opts.newLaunch || opts.forceQuit {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.extras["level"] != "3" || opts.extras["mode"] != "hard" {
		t.Fatalf("unexpected extras %v", opts.extras)
	}

	if _, err := parseFlags([]string{"-extra", "novalue"}); err == nil {
		t.Fatal("expected error for malformed extra")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enginehost.toml")
	if err := os.WriteFile(path, []byte("wasm = \"a.wasm\"\ngame_name = \"Pong\"\n[log]\nlevel = \"warn\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{configPath: path, wasm: "/games/b.wasm", logLevel: "debug", noControl: true})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Wasm != "/games/b.wasm" {
		t.Errorf("wasm = %q", cfg.Wasm)
	}
	if cfg.GameName != "Pong" {
		t.Errorf("game = %q", cfg.GameName)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if !cfg.Control.Disabled {
		t.Error("control should be disabled")
	}

	if _, err := loadConfig(options{}); err == nil {
		t.Error("expected error without a wasm module")
	}
}

func TestInitialRequestFromFlags(t *testing.T) {
	os.Unsetenv(launch.EnvRequest)
	cfg := config.Default()
	cfg.GameName = "Pong"

	req, err := initialRequest(options{forceQuit: true, extras: extraFlags{"level": "3"}}, cfg, slog.Default())
	if err != nil {
		t.Fatalf("initialRequest: %v", err)
	}
	if !req.Bool(launch.ExtraForceQuit) || req.Bool(launch.ExtraNewLaunch) {
		t.Errorf("unexpected flags %v", req.Extras)
	}
	if req.String(launch.ExtraGameName) != "Pong" || req.String("level") != "3" {
		t.Errorf("unexpected extras %v", req.Extras)
	}
}

func TestInitialRequestPrefersCarried(t *testing.T) {
	carried := launch.NewRequest().SetString(launch.ExtraGameName, "Chess").SetBool(launch.ExtraNewLaunch, false)
	encoded, err := carried.Encode()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(launch.EnvRequest, encoded)

	cfg := config.Default()
	cfg.GameName = "Pong"
	req, err := initialRequest(options{forceQuit: true}, cfg, slog.Default())
	if err != nil {
		t.Fatalf("initialRequest: %v", err)
	}
	if req.String(launch.ExtraGameName) != "Chess" {
		t.Errorf("game = %q", req.String(launch.ExtraGameName))
	}
	if req.Bool(launch.ExtraForceQuit) {
		t.Error("command line flags must not apply to a carried request")
	}
	if _, ok := os.LookupEnv(launch.EnvRequest); ok {
		t.Error("carried request should be cleared from the environment")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	level := &slog.LevelVar{}
	level.Set(parseLevel("warn"))

	for _, format := range []string{"json", "text", "tint"} {
		var buf bytes.Buffer
		logger := newLogger(format, level, &buf)
		logger.Info("hidden")
		logger.Warn("shown", "format", format)
		out := buf.String()
		if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
			t.Errorf("%s: unexpected output %q", format, out)
		}
	}

	if parseLevel("nonsense") != slog.LevelInfo {
		t.Error("unknown level should fall back to info")
	}
}
