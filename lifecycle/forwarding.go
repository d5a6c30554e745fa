package lifecycle

import (
	"context"
	"strconv"
)

// Request codes the host uses when asking the user for permissions.
const (
	PermissionRequestAll    = 1001
	PermissionRequestSingle = 1002
)

// OnSubOperationResult forwards the result of a sub-operation to the attached
// runtime. It is dropped when nothing is attached.
func (h *HostInstance) OnSubOperationResult(ctx context.Context, requestCode, resultCode int, payload []byte) {
	if h.terminal {
		return
	}
	if h.container == nil {
		h.logger.Debug("Dropping sub-operation result, no runtime attached", "code", requestCode, "status", resultCode)
		h.record(ctx, Event{Transition: TransitionForwardDropped, Detail: "result " + strconv.Itoa(requestCode)})
		return
	}
	h.container.OnSubOperationResult(requestCode, resultCode, payload)
	h.record(ctx, Event{
		Transition: TransitionResultForwarded,
		Handle:     h.container.Handle(),
		Detail:     strconv.Itoa(requestCode) + ":" + strconv.Itoa(resultCode),
	})
}

// OnPermissionResult forwards a permission outcome to the attached runtime.
// Outcomes for the host's own permission requests are also logged.
func (h *HostInstance) OnPermissionResult(ctx context.Context, requestCode int, permissions []string, grants []bool) {
	if h.terminal {
		return
	}

	if requestCode == PermissionRequestAll || requestCode == PermissionRequestSingle {
		for i, name := range permissions {
			if i < len(grants) && grants[i] {
				h.logger.Info("Permission granted", "permission", name, "code", requestCode)
			} else {
				h.logger.Info("Permission denied", "permission", name, "code", requestCode)
			}
		}
	}

	if h.container == nil {
		h.logger.Debug("Dropping permission result, no runtime attached", "code", requestCode)
		h.record(ctx, Event{Transition: TransitionForwardDropped, Detail: "permission " + strconv.Itoa(requestCode)})
		return
	}
	h.container.OnPermissionResult(requestCode, permissions, grants)
	h.record(ctx, Event{
		Transition: TransitionPermissionForwarded,
		Handle:     h.container.Handle(),
		Detail:     strconv.Itoa(requestCode),
	})
}

// OnBackPressed offers back navigation to the attached runtime and reports
// whether it consumed it. The host default only runs when no runtime is
// attached; a runtime that declines is left to decide for itself.
func (h *HostInstance) OnBackPressed(ctx context.Context) bool {
	if h.terminal {
		return false
	}
	if h.container != nil {
		handle := h.container.Handle()
		handled := h.container.OnBackPressed()
		detail := "unhandled"
		if handled {
			detail = "handled"
		}
		h.record(ctx, Event{Transition: TransitionBackForwarded, Handle: handle, Detail: detail})
		return handled
	}
	h.record(ctx, Event{Transition: TransitionBackFallback})
	if h.defaultBack != nil {
		h.defaultBack()
	}
	return false
}
