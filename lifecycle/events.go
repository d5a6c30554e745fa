package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/tomyedwab/enginehost/engine"
	"github.com/tomyedwab/enginehost/launch"
)

type Transition string

const (
	TransitionCreated      Transition = "created"
	TransitionReused       Transition = "reused"
	TransitionReentered    Transition = "reentered"
	TransitionForceQuit    Transition = "force_quit"
	TransitionRebirth      Transition = "rebirth"
	TransitionRestart      Transition = "restart"
	TransitionStaleIgnored Transition = "stale_ignored"
	TransitionDestroyed    Transition = "destroyed"
	TransitionDetached     Transition = "detached"

	TransitionResultForwarded     Transition = "result_forwarded"
	TransitionPermissionForwarded Transition = "permission_forwarded"
	TransitionBackForwarded       Transition = "back_forwarded"
	TransitionBackFallback        Transition = "back_fallback"
	TransitionForwardDropped      Transition = "forward_dropped"
)

// Terminal reports whether t ends the process.
func (t Transition) Terminal() bool {
	switch t {
	case TransitionForceQuit, TransitionRebirth, TransitionRestart:
		return true
	}
	return false
}

// Event is one recorded lifecycle transition.
type Event struct {
	HostID     string
	Transition Transition
	Handle     engine.Handle
	Command    launch.Command
	Detail     string
	At         time.Time
}

// Recorder receives every transition a HostInstance makes. Events for
// terminal transitions are recorded before the process is ended, so Record
// should not block for long.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// MultiRecorder fans an event out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, ev Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) error { return nil }
