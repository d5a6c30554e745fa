package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/launch"
)

type extraFlags map[string]string

func (e extraFlags) String() string {
	parts := make([]string, 0, len(e))
	for k, v := range e {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (e extraFlags) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("extra must be key=value, got %q", value)
	}
	e[k] = v
	return nil
}

type options struct {
	configPath  string
	wasm        string
	game        string
	logFormat   string
	logLevel    string
	controlAddr string
	noControl   bool
	noJournal   bool
	watch       bool
	forceQuit   bool
	newLaunch   bool
	extras      extraFlags
}

func parseFlags(args []string) (options, error) {
	opts := options{extras: extraFlags{}}
	fs := flag.NewFlagSet("enginehost", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to the TOML config file")
	fs.StringVar(&opts.wasm, "wasm", "", "Path to the guest WebAssembly module (overrides config)")
	fs.StringVar(&opts.game, "game", "", "Display name of the game (GAME_NAME extra)")
	fs.StringVar(&opts.logFormat, "log-format", "", "Log format: json, text or tint")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&opts.controlAddr, "control-addr", "", "Listen address for the control API")
	fs.BoolVar(&opts.noControl, "no-control", false, "Disable the control API")
	fs.BoolVar(&opts.noJournal, "no-journal", false, "Disable the lifecycle journal")
	fs.BoolVar(&opts.watch, "watch", true, "Re-create the host when the config file changes")
	fs.BoolVar(&opts.forceQuit, "force-quit", false, "Set force_quit_requested on the initial request")
	fs.BoolVar(&opts.newLaunch, "new-launch", false, "Set new_launch_requested on the initial request")
	fs.Var(opts.extras, "extra", "Additional request extra as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides on top of it.
func loadConfig(opts options) (config.HostConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.HostConfig{}, err
	}
	if opts.wasm != "" {
		cfg.Wasm = opts.wasm
	}
	if opts.game != "" {
		cfg.GameName = opts.game
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.controlAddr != "" {
		cfg.Control.Addr = opts.controlAddr
	}
	if opts.noControl {
		cfg.Control.Disabled = true
	}
	if opts.noJournal {
		cfg.Journal.Disabled = true
	}
	if err := config.Validate(cfg); err != nil {
		return config.HostConfig{}, err
	}
	return cfg, nil
}

// initialRequest is the request carried in by a rebirth, or else one built
// from the command line.
func initialRequest(opts options, cfg config.HostConfig, logger *slog.Logger) (*launch.Request, error) {
	req, carried, err := launch.FromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to decode carried request: %w", err)
	}
	if carried {
		logger.Info("Starting with carried request", "extras", len(req.Extras))
	} else {
		req = launch.NewRequest()
		for k, v := range opts.extras {
			req.SetString(k, v)
		}
		if opts.forceQuit {
			req.SetBool(launch.ExtraForceQuit, true)
		}
		if opts.newLaunch {
			req.SetBool(launch.ExtraNewLaunch, true)
		}
	}
	if req.String(launch.ExtraGameName) == "" && cfg.GameName != "" {
		req.SetString(launch.ExtraGameName, cfg.GameName)
	}
	return req, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newLogger(format string, level *slog.LevelVar, output io.Writer) *slog.Logger {
	switch format {
	case "tint":
		return slog.New(tint.NewHandler(output, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05.000Z07:00",
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Value.Kind() == slog.KindAny {
					if _, ok := a.Value.Any().(error); ok {
						return tint.Attr(9, a)
					}
				}
				return a
			},
		}))
	case "text":
		return slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginehost: %v\n", err)
		os.Exit(1)
	}

	level := &slog.LevelVar{}
	level.Set(parseLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, level, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, opts, cfg, level, logger)
	if err != nil {
		logger.Error("Failed to start host", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, re-creating host")
				a.recreate(ctx)
				continue
			}
			logger.Info("Received signal, destroying host", "signal", sig.String())
			a.destroy(ctx)
		}
	}()

	if err := a.run(ctx); err != nil {
		logger.Error("Host stopped with error", "error", err)
		os.Exit(1)
	}
}
