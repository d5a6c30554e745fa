package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomyedwab/enginehost/config"
	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/launch"
	"github.com/tomyedwab/enginehost/lifecycle"
)

// emptyGuest is the smallest valid guest module.
var emptyGuest = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// recordingRelauncher records how the process would have ended. Unlike
// phoenix.Process it returns, so the loop keeps running.
type recordingRelauncher struct {
	mu         sync.Mutex
	terminates []string
	rebirths   []string
	hooks      int
}

func (r *recordingRelauncher) Terminate(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminates = append(r.terminates, hostID)
}

func (r *recordingRelauncher) Rebirth(hostID string, carry *launch.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebirths = append(r.rebirths, hostID)
}

func (r *recordingRelauncher) OnExit(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks++
}

func (r *recordingRelauncher) ended() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.terminates...), len(r.rebirths)
}

// newTestApp returns an app whose first host is created around an empty
// guest and whose loop is running.
func newTestApp(t *testing.T) (*app, *recordingRelauncher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Wasm = "guest.wasm"

	rel := &recordingRelauncher{}
	a := &app{
		cfg:        cfg,
		level:      &slog.LevelVar{},
		logger:     logger,
		startedAt:  time.Now(),
		loop:       lifecycle.NewLoop(logger),
		relauncher: rel,
		recorder:   lifecycle.MultiRecorder{},
		module:     emptyGuest,
		request:    launch.NewRequest().SetString(launch.ExtraGameName, "Pong"),
	}
	var err error
	a.current, err = a.newHost()
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.loop.Run(ctx)
	t.Cleanup(func() {
		a.loop.Do(context.Background(), func() { a.closeHierarchy(context.Background()) })
		cancel()
	})

	var createErr error
	onLoop(t, a, func(ctx context.Context) { createErr = a.current.OnCreate(ctx, nil, a.request) })
	if createErr != nil {
		t.Fatalf("OnCreate: %v", createErr)
	}
	return a, rel
}

// onLoop runs fn on the app's loop after everything already posted.
func onLoop(t *testing.T, a *app, fn func(ctx context.Context)) {
	t.Helper()
	if !a.loop.Do(context.Background(), func() { fn(context.Background()) }) {
		t.Fatal("loop did not run the function")
	}
}

func runtimeHandle(t *testing.T, a *app) (*lifecycle.HostInstance, engine.Handle) {
	t.Helper()
	var host *lifecycle.HostInstance
	var handle engine.Handle
	var ok bool
	onLoop(t, a, func(context.Context) {
		host = a.current
		handle, ok = host.RuntimeHandle()
	})
	if !ok {
		t.Fatal("expected a runtime to be attached")
	}
	return host, handle
}

func TestRecreateKeepsRuntime(t *testing.T) {
	a, rel := newTestApp(t)
	first, before := runtimeHandle(t, a)

	a.recreate(context.Background())
	second, after := runtimeHandle(t, a)

	if second == first {
		t.Fatal("expected a new host object")
	}
	if after != before {
		t.Errorf("expected runtime %v to survive re-creation, got %v", before, after)
	}
	if !first.Terminal() {
		t.Error("expected the old host to be terminal")
	}
	if terminates, rebirths := rel.ended(); len(terminates)+rebirths != 0 {
		t.Errorf("re-creation must not end the process, got %v terminates %d rebirths", terminates, rebirths)
	}
}

func TestConfigReloadKeepsSlot(t *testing.T) {
	a, rel := newTestApp(t)
	_, before := runtimeHandle(t, a)

	path := filepath.Join(t.TempDir(), "enginehost.toml")
	if err := os.WriteFile(path, []byte("wasm = \"guest.wasm\"\nslot_id = \"reloaded_slot\"\n[log]\nlevel = \"debug\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	a.opts.configPath = path

	a.configChanged([]string{path})
	_, after := runtimeHandle(t, a)

	if after != before {
		t.Errorf("expected runtime %v to survive the reload, got %v", before, after)
	}
	onLoop(t, a, func(context.Context) {
		if a.cfg.SlotID != engine.DefaultSlot {
			t.Errorf("expected slot %q to be kept, got %q", engine.DefaultSlot, a.cfg.SlotID)
		}
		if _, ok := a.current.Hierarchy().Lookup(engine.DefaultSlot); !ok {
			t.Error("expected the runtime to stay in the running slot")
		}
	})
	if a.level.Level() != slog.LevelDebug {
		t.Errorf("expected the log level to be reloaded, got %v", a.level.Level())
	}
	if terminates, _ := rel.ended(); len(terminates) != 0 {
		t.Errorf("reload must not end the process, got %v", terminates)
	}

	// SIGTERM after the reload still ends the process.
	a.destroy(context.Background())
	onLoop(t, a, func(context.Context) {})
	if terminates, _ := rel.ended(); len(terminates) != 1 {
		t.Errorf("expected destroy to terminate once, got %v", terminates)
	}
}

func TestRecreateFailureTerminates(t *testing.T) {
	a, rel := newTestApp(t)

	var detached engine.Container
	onLoop(t, a, func(ctx context.Context) {
		detached, _ = a.current.Hierarchy().Detach(engine.DefaultSlot)
		a.module = []byte("not wasm")
	})
	t.Cleanup(func() { detached.Close(context.Background()) })

	a.recreate(context.Background())
	var currentID string
	onLoop(t, a, func(context.Context) { currentID = a.current.ID() })

	terminates, _ := rel.ended()
	if len(terminates) != 1 || terminates[0] != currentID {
		t.Errorf("expected the replacement host %q to terminate, got %v", currentID, terminates)
	}
}

func TestForceQuitDuringRecreateTerminatesOnce(t *testing.T) {
	a, rel := newTestApp(t)

	onLoop(t, a, func(ctx context.Context) {
		c, _ := a.current.Container()
		// The guest's callback is posted before the re-creation runs.
		c.Host().OnForceQuit(c.Handle())
		a.recreateHost(ctx)
	})
	var currentID string
	onLoop(t, a, func(context.Context) { currentID = a.current.ID() })

	terminates, rebirths := rel.ended()
	if len(terminates) != 1 || rebirths != 0 {
		t.Fatalf("expected exactly one terminate, got %v terminates %d rebirths", terminates, rebirths)
	}
	if terminates[0] != currentID {
		t.Errorf("expected the adopting host %q to terminate, got %q", currentID, terminates[0])
	}
}

func TestDestroyTerminatesOnce(t *testing.T) {
	a, rel := newTestApp(t)

	a.destroy(context.Background())
	a.destroy(context.Background())
	onLoop(t, a, func(context.Context) {})

	if terminates, _ := rel.ended(); len(terminates) != 1 {
		t.Errorf("expected one terminate, got %v", terminates)
	}
}

func TestDestroyWithoutRuntimeTerminates(t *testing.T) {
	a, rel := newTestApp(t)
	onLoop(t, a, func(ctx context.Context) {
		a.closeHierarchy(ctx)
		host, err := a.newHost()
		if err != nil {
			t.Errorf("newHost: %v", err)
			return
		}
		a.current = host
	})

	a.destroy(context.Background())
	onLoop(t, a, func(context.Context) {})

	if terminates, _ := rel.ended(); len(terminates) != 1 {
		t.Errorf("expected the process to end with nothing attached, got %v", terminates)
	}
}

func TestBackDeclinedByRuntimeKeepsRunning(t *testing.T) {
	a, rel := newTestApp(t)

	var handled bool
	onLoop(t, a, func(ctx context.Context) { handled = a.current.OnBackPressed(ctx) })
	onLoop(t, a, func(context.Context) {})

	if handled {
		t.Error("expected the empty guest to decline back")
	}
	if terminates, _ := rel.ended(); len(terminates) != 0 {
		t.Errorf("a declined back must not end the process, got %v", terminates)
	}
}

func TestBackWithoutRuntimeFinishesHost(t *testing.T) {
	a, rel := newTestApp(t)
	onLoop(t, a, func(ctx context.Context) {
		a.closeHierarchy(ctx)
		host, err := a.newHost()
		if err != nil {
			t.Errorf("newHost: %v", err)
			return
		}
		a.current = host
		host.OnBackPressed(ctx)
	})
	onLoop(t, a, func(context.Context) {})

	if terminates, _ := rel.ended(); len(terminates) != 1 {
		t.Errorf("expected the default back to end the process, got %v", terminates)
	}
}

func TestCloseHierarchyClosesRuntime(t *testing.T) {
	a, _ := newTestApp(t)

	onLoop(t, a, func(ctx context.Context) {
		if err := a.closeHierarchy(ctx); err != nil {
			t.Errorf("closeHierarchy: %v", err)
		}
		if n := a.current.Hierarchy().Len(); n != 0 {
			t.Errorf("expected an empty hierarchy, got %d containers", n)
		}
	})
}
