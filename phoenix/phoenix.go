// Package phoenix ends the current process, optionally bringing it back as a
// fresh process that receives a carried launch request.
//
// Both operations are terminal. Once Terminate or Rebirth has been called the
// process is on its way out and the call never returns to its caller.
package phoenix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tomyedwab/enginehost/launch"
)

const (
	defaultExitTimeout = 5 * time.Second
)

// Mode selects how Rebirth brings the process back.
type Mode string

const (
	// ModeExec replaces the process image in place. The PID is kept.
	ModeExec Mode = "exec"
	// ModeSpawn starts a detached copy of the process and then exits.
	ModeSpawn Mode = "spawn"
)

// ParseMode validates a mode name. The empty string selects ModeExec.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeExec:
		return ModeExec, nil
	case ModeSpawn:
		return ModeSpawn, nil
	default:
		return "", fmt.Errorf("unknown relaunch mode %q", s)
	}
}

// Config holds configuration options for a Process.
type Config struct {
	Mode        Mode          // Optional, defaults to ModeExec
	Executable  string        // Optional, defaults to os.Executable()
	Args        []string      // Optional, defaults to os.Args[1:]
	Env         []string      // Optional, defaults to os.Environ() at rebirth time
	ExitTimeout time.Duration // Optional, bounds the exit hooks, defaults to 5s
	Logger      *slog.Logger  // Optional, defaults to slog.Default()
}

// Process relaunches or terminates the running OS process.
type Process struct {
	mode        Mode
	executable  string
	args        []string
	env         []string
	exitTimeout time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	hooks []func(context.Context) error

	once sync.Once

	// Swappable for tests. exit must not return in production.
	exit  func(code int)
	exec  func(argv0 string, argv []string, envv []string) error
	start func(cmd *exec.Cmd) error
}

// New creates a Process.
func New(config Config) (*Process, error) {
	mode, err := ParseMode(string(config.Mode))
	if err != nil {
		return nil, err
	}

	executable := config.Executable
	if executable == "" {
		executable, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
	}

	args := config.Args
	if args == nil && len(os.Args) > 1 {
		args = append([]string(nil), os.Args[1:]...)
	}

	exitTimeout := config.ExitTimeout
	if exitTimeout == 0 {
		exitTimeout = defaultExitTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Process{
		mode:        mode,
		executable:  executable,
		args:        args,
		env:         config.Env,
		exitTimeout: exitTimeout,
		logger:      logger.With("component", "Phoenix"),
		exit:        os.Exit,
		exec:        syscall.Exec,
		start:       func(cmd *exec.Cmd) error { return cmd.Start() },
	}, nil
}

// OnExit registers a hook run before the process ends. Hooks run in reverse
// registration order and share one timeout.
func (p *Process) OnExit(fn func(context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Terminate ends the process with status 0.
func (p *Process) Terminate(hostID string) {
	p.finish(func() {
		p.logger.Info("Terminating process", "host", hostID, "pid", os.Getpid())
		p.runExitHooks()
		p.exit(0)
	})
}

// Rebirth ends the process and starts a fresh one whose initial request is
// carry. A nil carry starts the new process without a request.
func (p *Process) Rebirth(hostID string, carry *launch.Request) {
	p.finish(func() {
		p.logger.Info("Rebirthing process", "host", hostID, "pid", os.Getpid(), "mode", string(p.mode), "carry", carry != nil)

		env := p.env
		if env == nil {
			env = os.Environ()
		}
		env, err := launch.Environ(env, carry)
		if err != nil {
			// Relaunch without the request rather than not at all.
			p.logger.Error("Failed to encode carried request", "error", err)
			env, _ = launch.Environ(os.Environ(), nil)
		}

		p.runExitHooks()

		switch p.mode {
		case ModeSpawn:
			p.exit(p.spawn(env))
		default:
			argv := append([]string{p.executable}, p.args...)
			err := p.exec(p.executable, argv, env)
			// Only reached when exec failed.
			p.logger.Error("Failed to exec replacement process", "executable", p.executable, "error", err)
			p.exit(1)
		}
	})
}

func (p *Process) spawn(env []string) int {
	cmd := exec.Command(p.executable, p.args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The replacement must outlive us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := p.start(cmd); err != nil {
		p.logger.Error("Failed to start replacement process", "executable", p.executable, "error", err)
		return 1
	}
	if cmd.Process != nil {
		p.logger.Info("Started replacement process", "pid", cmd.Process.Pid)
		cmd.Process.Release()
	}
	return 0
}

// finish runs fn for the first caller only. Late callers never return either:
// the process is already ending.
func (p *Process) finish(fn func()) {
	first := false
	p.once.Do(func() {
		first = true
		fn()
	})
	if !first {
		select {}
	}
	panic("phoenix: process outlived its exit")
}

func (p *Process) runExitHooks() {
	p.mu.Lock()
	hooks := append([]func(context.Context) error(nil), p.hooks...)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.exitTimeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			p.logger.Warn("Exit hook failed", "index", i, "error", err)
		}
	}
}
