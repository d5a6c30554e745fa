package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/control"
	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/journal"
	"github.com/tomyedwab/enginehost/launch"
	"github.com/tomyedwab/enginehost/lifecycle"
	"github.com/tomyedwab/enginehost/metrics"
	"github.com/tomyedwab/enginehost/phoenix"
)

const serverDrainTimeout = time.Second

// relauncher is what the app needs from phoenix.Process.
type relauncher interface {
	lifecycle.Relauncher
	OnExit(fn func(context.Context) error)
}

// app owns the process-wide pieces: the loop, the relauncher and whichever
// host object is current. current and cfg are only touched on the loop.
type app struct {
	opts      options
	cfg       config.HostConfig
	level     *slog.LevelVar
	logger    *slog.Logger
	startedAt time.Time

	loop       *lifecycle.Loop
	relauncher relauncher
	recorder   lifecycle.Recorder
	journal    *journal.Journal
	module     []byte
	request    *launch.Request

	current *lifecycle.HostInstance
	server  *control.Server
	watcher *config.Watcher
}

func newApp(ctx context.Context, opts options, cfg config.HostConfig, level *slog.LevelVar, logger *slog.Logger) (*app, error) {
	a := &app{
		opts:      opts,
		cfg:       cfg,
		level:     level,
		logger:    logger,
		startedAt: time.Now(),
		loop:      lifecycle.NewLoop(logger),
	}

	req, err := initialRequest(opts, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.request = req

	a.module, err = os.ReadFile(cfg.Wasm)
	if err != nil {
		return nil, fmt.Errorf("failed to read guest module: %w", err)
	}

	mode, err := phoenix.ParseMode(cfg.Relaunch.Mode)
	if err != nil {
		return nil, err
	}
	process, err := phoenix.New(phoenix.Config{
		Mode:        mode,
		ExitTimeout: cfg.Relaunch.ExitTimeout.Duration,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relauncher: %w", err)
	}
	a.relauncher = process

	metrics.RegisterMetrics()
	recorders := lifecycle.MultiRecorder{metrics.Recorder{}}
	if !cfg.Journal.Disabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		a.journal, err = journal.Open(cfg.Journal.Path, os.Getpid())
		if err != nil {
			return nil, err
		}
		if n, err := a.journal.DeleteOldEvents(ctx, cfg.Journal.Retention.Duration); err != nil {
			logger.Warn("Failed to prune lifecycle journal", "error", err)
		} else if n > 0 {
			logger.Info("Pruned lifecycle journal", "deleted", n)
		}
		if last, ok, err := a.journal.LastTerminal(ctx); err == nil && ok {
			logger.Info("Previous process ended",
				"transition", last.Transition,
				"pid", last.PID,
				"at", last.Time().Format(time.RFC3339))
		}
		recorders = append(recorders, a.journal)
		a.relauncher.OnExit(func(context.Context) error {
			return a.journal.Close()
		})
	}
	a.recorder = recorders

	// Runs after the control API and watcher hooks registered later.
	a.relauncher.OnExit(a.closeHierarchy)

	a.current, err = a.newHost()
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) newHost() (*lifecycle.HostInstance, error) {
	return lifecycle.New(lifecycle.Config{
		Relauncher:  a.relauncher,
		Factory:     a.newContainer,
		Loop:        a.loop,
		Recorder:    a.recorder,
		Logger:      a.logger,
		SlotID:      a.cfg.SlotID,
		DefaultBack: a.defaultBack,
	})
}

func (a *app) newContainer(ctx context.Context, name string, host engine.Host) (engine.Container, error) {
	return engine.NewWasmInstance(ctx, engine.WasmConfig{
		Name:          name,
		Module:        a.module,
		Args:          a.cfg.Args,
		FrameInterval: a.cfg.FrameInterval.Duration,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		Logger:        a.logger,
	}, host)
}

// run creates the first host and then serves the loop until the process is
// ended by the relauncher or ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- a.loop.Run(ctx)
	}()

	var createErr error
	if !a.loop.Do(ctx, func() {
		createErr = a.current.OnCreate(ctx, nil, a.request)
	}) {
		return ctx.Err()
	}
	if createErr != nil {
		if a.journal != nil {
			a.journal.Close()
		}
		return createErr
	}

	if !a.cfg.Control.Disabled {
		if err := a.startControl(); err != nil {
			return err
		}
	}
	if a.opts.watch && a.opts.configPath != "" {
		if err := a.startWatcher(); err != nil {
			a.logger.Warn("Config watcher disabled", "error", err)
		}
	}

	return <-loopErr
}

func (a *app) startControl() error {
	key, err := control.LoadOrCreateKey(a.cfg.Control.KeyPath)
	if err != nil {
		return err
	}
	a.server, err = control.NewServer(control.Config{
		Addr: a.cfg.Control.Addr,
		Key:  key,
		Target: func() control.Target {
			return a.current
		},
		Dispatcher: a.loop,
		RateLimit:  a.cfg.Control.RateLimit,
		Burst:      a.cfg.Control.Burst,
		Logger:     a.logger,
		StartedAt:  a.startedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create control API: %w", err)
	}
	a.relauncher.OnExit(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, serverDrainTimeout)
		defer cancel()
		return a.server.Shutdown(ctx)
	})

	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			a.logger.Error("Control API stopped", "error", err)
		}
	}()
	return nil
}

func (a *app) startWatcher() error {
	var err error
	a.watcher, err = config.NewWatcher(config.WatcherConfig{
		Paths:    []string{a.opts.configPath},
		OnChange: a.configChanged,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}
	a.relauncher.OnExit(func(context.Context) error {
		a.watcher.Stop()
		return nil
	})
	a.watcher.Start()
	return nil
}

// configChanged reloads the config file. A valid config replaces the current
// one and the host is re-created around the live runtime.
func (a *app) configChanged(paths []string) {
	cfg, err := loadConfig(a.opts)
	if err != nil {
		a.logger.Error("Ignoring invalid config change", "error", err)
		return
	}
	a.level.Set(parseLevel(cfg.Log.Level))
	a.loop.Post(func() {
		// The runtime lives in the running slot; a new slot would strand it.
		if cfg.SlotID != a.cfg.SlotID {
			a.logger.Warn("Ignoring slot_id change until restart", "slot", a.cfg.SlotID, "configured", cfg.SlotID)
			cfg.SlotID = a.cfg.SlotID
		}
		a.cfg = cfg
	})
	a.recreate(context.Background())
}

// recreate replaces the host object while keeping the runtime attached to
// the hierarchy. It is what a configuration change looks like to the
// coordinator: the old host detaches and a new one is created from the saved
// hierarchy and request.
func (a *app) recreate(ctx context.Context) {
	a.loop.Post(func() {
		a.recreateHost(ctx)
	})
}

// recreateHost must run on the loop. A replacement that cannot be created
// ends the process rather than leave the runtime without a host.
func (a *app) recreateHost(ctx context.Context) {
	old := a.current
	if old.Terminal() {
		return
	}
	next, err := a.newHost()
	if err != nil {
		a.logger.Error("Failed to build replacement host", "error", err)
		return
	}
	hierarchy, req := old.Detach(ctx)
	a.current = next
	if err := next.OnCreate(ctx, hierarchy, req); err != nil {
		a.logger.Error("Failed to re-create host, terminating", "error", err)
		a.relauncher.Terminate(next.ID())
	}
}

// destroy ends the current host and the process with it.
func (a *app) destroy(ctx context.Context) {
	a.loop.Post(func() {
		host := a.current
		if host.Terminal() {
			return
		}
		_, attached := host.Container()
		host.OnDestroy(ctx)
		// OnDestroy only ends the process when a runtime is attached.
		if !attached {
			a.relauncher.Terminate(host.ID())
		}
	})
}

// defaultBack is the host's own back behavior with no runtime attached:
// leave the game.
func (a *app) defaultBack() {
	a.logger.Info("Back with no runtime attached, finishing host")
	a.destroy(context.Background())
}

// closeHierarchy runs as an exit hook on the loop.
func (a *app) closeHierarchy(ctx context.Context) error {
	hierarchy := a.current.Hierarchy()
	if hierarchy == nil {
		return nil
	}
	return hierarchy.Close(ctx)
}
