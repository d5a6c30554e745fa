// Package lifecycle coordinates a host object with the single runtime
// instance it owns. It decides, for every creation and re-entry, whether to
// keep the runtime, hand it the new request, or end the process.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/launch"
)

// Relauncher ends the process. Neither method returns in production.
type Relauncher interface {
	Terminate(hostID string)
	Rebirth(hostID string, carry *launch.Request)
}

// Factory builds a new runtime container bound to host.
type Factory func(ctx context.Context, name string, host engine.Host) (engine.Container, error)

// Config holds configuration options for a HostInstance.
type Config struct {
	ID          string       // Optional, defaults to a random UUID
	Relauncher  Relauncher   // Required
	Factory     Factory      // Required
	Loop        *Loop        // Required, runtime callbacks are posted here
	Recorder    Recorder     // Optional
	Logger      *slog.Logger // Optional, defaults to slog.Default()
	SlotID      string       // Optional, defaults to engine.DefaultSlot
	DefaultBack func()       // Optional, runs on back when no runtime is attached
}

// HostInstance is the long-lived host object. All methods except the
// engine.Host callbacks must be called on the coordinating loop.
type HostInstance struct {
	id          string
	relauncher  Relauncher
	factory     Factory
	loop        *Loop
	recorder    Recorder
	logger      *slog.Logger
	slotID      string
	defaultBack func()

	hierarchy *engine.Hierarchy
	container engine.Container
	request   *launch.Request
	name      string
	createdAt time.Time
	terminal  bool

	// Set by Detach. successor is the host that adopted the runtime.
	detached  bool
	successor *HostInstance

	// Off-loop mirrors for the engine.Host accessors.
	handle atomic.Uint64
	info   atomic.Pointer[engine.HostInfo]
}

func New(config Config) (*HostInstance, error) {
	if config.Relauncher == nil {
		return nil, fmt.Errorf("relauncher is required")
	}
	if config.Factory == nil {
		return nil, fmt.Errorf("container factory is required")
	}
	if config.Loop == nil {
		return nil, fmt.Errorf("coordinating loop is required")
	}

	id := config.ID
	if id == "" {
		id = uuid.New().String()
	}
	recorder := config.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slotID := config.SlotID
	if slotID == "" {
		slotID = engine.DefaultSlot
	}

	return &HostInstance{
		id:          id,
		relauncher:  config.Relauncher,
		factory:     config.Factory,
		loop:        config.Loop,
		recorder:    recorder,
		logger:      logger.With("component", "HostInstance", "host", id),
		slotID:      slotID,
		defaultBack: config.DefaultBack,
	}, nil
}

func (h *HostInstance) ID() string {
	return h.id
}

// Name is the display name captured from the creating request.
func (h *HostInstance) Name() string {
	return h.name
}

// Request returns the request the host was last created or re-entered with.
func (h *HostInstance) Request() *launch.Request {
	return h.request
}

// Hierarchy returns the hierarchy the host was created with.
func (h *HostInstance) Hierarchy() *engine.Hierarchy {
	return h.hierarchy
}

// Terminal reports whether the host has stopped reacting to lifecycle calls.
func (h *HostInstance) Terminal() bool {
	return h.terminal
}

// Container returns the attached runtime container, if any.
func (h *HostInstance) Container() (engine.Container, bool) {
	return h.container, h.container != nil
}

// OnCreate sets the host up for req. saved is the hierarchy left behind by a
// previous host object; its container is adopted instead of building a new
// one. A nil saved starts an empty hierarchy.
func (h *HostInstance) OnCreate(ctx context.Context, saved *engine.Hierarchy, req *launch.Request) error {
	if h.terminal {
		h.logger.Warn("Ignoring create on terminal host")
		return nil
	}

	h.request = req
	h.name = req.String(launch.ExtraGameName)
	h.createdAt = time.Now()
	h.info.Store(&engine.HostInfo{Name: h.name, PID: os.Getpid(), CreatedAt: h.createdAt})

	command := launch.Decode(req, true)
	if command == launch.CommandForceQuit {
		h.logger.Info("Force quit requested at creation")
		h.endProcess(ctx, TransitionForceQuit, engine.Handle{}, command, nil)
		return nil
	}

	if saved == nil {
		saved = engine.NewHierarchy()
	}
	h.hierarchy = saved

	if c, ok := saved.Lookup(h.slotID); ok {
		if prev, ok := c.Host().(*HostInstance); ok && prev != h && prev.detached {
			prev.successor = h
		}
		c.SetHost(h)
		h.attach(c)
		h.logger.Info("Reusing existing runtime container", "handle", c.Handle().String(), "game", h.name)
		h.record(ctx, Event{Transition: TransitionReused, Handle: c.Handle(), Command: command})
		return nil
	}

	c, err := h.factory(ctx, h.name, h)
	if err != nil {
		return fmt.Errorf("failed to create runtime container: %w", err)
	}
	if err := saved.Attach(h.slotID, c); err != nil {
		if closeErr := c.Close(ctx); closeErr != nil {
			h.logger.Error("Failed to close rejected container", "error", closeErr)
		}
		return fmt.Errorf("failed to attach runtime container: %w", err)
	}
	h.attach(c)
	h.logger.Info("Created new runtime container", "handle", c.Handle().String(), "game", h.name)
	h.record(ctx, Event{Transition: TransitionCreated, Handle: c.Handle(), Command: command})
	return nil
}

// OnReenter handles a new request delivered to the running host.
func (h *HostInstance) OnReenter(ctx context.Context, req *launch.Request) {
	if h.terminal {
		h.logger.Warn("Ignoring re-entry on terminal host")
		return
	}
	h.request = req

	command := launch.Decode(req, false)
	switch command {
	case launch.CommandForceQuit:
		h.logger.Info("Force quit requested on re-entry")
		h.endProcess(ctx, TransitionForceQuit, h.attachedHandle(), command, nil)
	case launch.CommandNewLaunch:
		h.logger.Info("New launch requested, rebirthing process")
		h.endProcess(ctx, TransitionRebirth, h.attachedHandle(), command, launch.CarryForward(req))
	default:
		if h.container == nil {
			h.logger.Debug("No runtime container for new request")
			h.record(ctx, Event{Transition: TransitionForwardDropped, Command: command, Detail: "new_request"})
			return
		}
		h.container.OnNewRequest(req)
		h.record(ctx, Event{Transition: TransitionReentered, Handle: h.container.Handle(), Command: command})
	}
}

// OnForceQuit is called by the runtime, from any goroutine, to end the
// process. Calls naming a runtime other than the attached one are ignored.
// Calls that reach a detached host go to the host that adopted its runtime.
func (h *HostInstance) OnForceQuit(handle engine.Handle) {
	h.loop.Post(func() {
		h.current().forceQuit(context.Background(), handle)
	})
}

// OnRestartRequested is called by the runtime, from any goroutine, to restart
// the process. Calls naming a runtime other than the attached one are
// ignored.
func (h *HostInstance) OnRestartRequested(handle engine.Handle) {
	h.loop.Post(func() {
		h.current().restart(context.Background(), handle)
	})
}

// HostInstance returns the host's description while it is live.
func (h *HostInstance) HostInstance() (engine.HostInfo, bool) {
	info := h.info.Load()
	if info == nil {
		return engine.HostInfo{}, false
	}
	return *info, true
}

// RuntimeHandle returns the handle of the attached runtime.
func (h *HostInstance) RuntimeHandle() (engine.Handle, bool) {
	id := h.handle.Load()
	return engine.Handle{ID: id}, id != 0
}

// OnDestroy tears the host down. An attached runtime cannot outlive its host,
// so the process is ended through the force quit path.
func (h *HostInstance) OnDestroy(ctx context.Context) {
	if h.terminal {
		return
	}
	if h.container == nil {
		h.logger.Info("Host destroyed with no runtime attached")
		h.record(ctx, Event{Transition: TransitionDestroyed})
		h.markTerminal()
		return
	}
	handle := h.container.Handle()
	h.record(ctx, Event{Transition: TransitionDestroyed, Handle: handle})
	h.forceQuit(ctx, handle)
}

// Detach gives up the host object without touching the runtime. The returned
// hierarchy and request are what the replacement host is created with.
func (h *HostInstance) Detach(ctx context.Context) (*engine.Hierarchy, *launch.Request) {
	if h.terminal {
		return h.hierarchy, h.request
	}
	h.logger.Info("Detaching host from runtime", "handle", h.attachedHandle().String())
	h.record(ctx, Event{Transition: TransitionDetached, Handle: h.attachedHandle()})
	h.markTerminal()
	h.detached = true
	return h.hierarchy, h.request
}

func (h *HostInstance) forceQuit(ctx context.Context, handle engine.Handle) {
	if !h.owns(ctx, handle, "force_quit") {
		return
	}
	h.logger.Info("Force quitting runtime", "handle", handle.String())
	h.endProcess(ctx, TransitionForceQuit, handle, launch.CommandNone, nil)
}

func (h *HostInstance) restart(ctx context.Context, handle engine.Handle) {
	if !h.owns(ctx, handle, "restart") {
		return
	}
	h.logger.Info("Runtime requested restart", "handle", handle.String())
	h.endProcess(ctx, TransitionRestart, handle, launch.CommandNone, nil)
}

// current follows detach handoffs from h to the host that now owns its
// runtime. It returns h when nothing adopted it.
func (h *HostInstance) current() *HostInstance {
	next := h
	for next.detached && next.successor != nil {
		next = next.successor
	}
	if next != h {
		h.logger.Debug("Forwarding runtime callback to adopting host", "successor", next.id)
	}
	return next
}

// owns reports whether handle names the attached runtime, logging and
// recording the call as stale when it does not.
func (h *HostInstance) owns(ctx context.Context, handle engine.Handle, action string) bool {
	if h.terminal {
		h.logger.Debug("Ignoring runtime callback on terminal host", "action", action, "handle", handle.String())
		return false
	}
	if h.container != nil && h.container.Handle() == handle {
		return true
	}
	h.logger.Warn("Ignoring callback from stale runtime",
		"action", action,
		"handle", handle.String(),
		"attached", h.attachedHandle().String())
	h.record(ctx, Event{Transition: TransitionStaleIgnored, Handle: handle, Detail: action})
	return false
}

// endProcess records t and hands the process to the relauncher. The host is
// terminal from here on even if the relauncher returns.
func (h *HostInstance) endProcess(ctx context.Context, t Transition, handle engine.Handle, command launch.Command, carry *launch.Request) {
	h.record(ctx, Event{Transition: t, Handle: handle, Command: command})
	h.markTerminal()
	if t == TransitionForceQuit {
		h.relauncher.Terminate(h.id)
	} else {
		h.relauncher.Rebirth(h.id, carry)
	}
}

func (h *HostInstance) attach(c engine.Container) {
	h.container = c
	h.handle.Store(c.Handle().ID)
}

func (h *HostInstance) attachedHandle() engine.Handle {
	if h.container == nil {
		return engine.Handle{}
	}
	return h.container.Handle()
}

func (h *HostInstance) markTerminal() {
	h.terminal = true
	h.container = nil
	h.handle.Store(0)
	h.info.Store(nil)
}

func (h *HostInstance) record(ctx context.Context, ev Event) {
	ev.HostID = h.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := h.recorder.Record(ctx, ev); err != nil {
		h.logger.Error("Failed to record lifecycle transition", "transition", string(ev.Transition), "error", err)
	}
}

var _ engine.Host = (*HostInstance)(nil)
