// Package engine holds the runtime side of the host: the identity of a running
// runtime instance, the container that owns it, and the hierarchy that keeps
// containers alive across host re-creation.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/enginehost/launch"
)

// Handle identifies one running runtime instance. Ids are assigned from a
// process-wide counter and never reused, so two handles compare equal only if
// they name the same instance. The zero Handle names no instance.
type Handle struct {
	ID uint64
}

var handleSeq atomic.Uint64

// NextHandle allocates a new handle.
func NextHandle() Handle {
	return Handle{ID: handleSeq.Add(1)}
}

// IsZero reports whether h names no instance.
func (h Handle) IsZero() bool {
	return h.ID == 0
}

func (h Handle) String() string {
	if h.IsZero() {
		return "runtime-none"
	}
	return fmt.Sprintf("runtime-%d", h.ID)
}

// HostInfo describes the host object a runtime instance is attached to.
type HostInfo struct {
	Name      string
	PID       int
	CreatedAt time.Time
}

// Host is the capability a runtime instance uses to call back into the host
// that owns it. OnForceQuit and OnRestartRequested may be called from any
// goroutine.
type Host interface {
	OnForceQuit(h Handle)
	OnRestartRequested(h Handle)
	HostInstance() (HostInfo, bool)
	RuntimeHandle() (Handle, bool)
}

// Container owns at most one live runtime instance and receives the host's
// lifecycle forwards for it.
type Container interface {
	Handle() Handle
	// SetHost rebinds the callbacks to a new host. A nil host detaches them.
	SetHost(host Host)
	// Host returns the host the callbacks are currently bound to.
	Host() Host
	OnNewRequest(req *launch.Request)
	OnSubOperationResult(requestCode, resultCode int, payload []byte)
	OnPermissionResult(requestCode int, permissions []string, grants []bool)
	// OnBackPressed reports whether the runtime consumed the navigation.
	OnBackPressed() bool
	Close(ctx context.Context) error
}
