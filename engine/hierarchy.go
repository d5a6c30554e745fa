package engine

import (
	"context"
	"errors"
	"fmt"
)

// DefaultSlot is the slot id the host attaches its container under.
const DefaultSlot = "engine_container"

// ErrHierarchyOccupied is returned when attaching under a slot id while a
// container is already attached under a different one.
var ErrHierarchyOccupied = errors.New("hierarchy already holds a container")

// Hierarchy is the restorable set of attached containers. It outlives a host
// object so that a re-created host can adopt the live runtime instead of
// building a second one. At most one container is attached at a time.
//
// A Hierarchy is confined to the host's coordinating goroutine.
type Hierarchy struct {
	slots map[string]Container
}

func NewHierarchy() *Hierarchy {
	return &Hierarchy{slots: make(map[string]Container)}
}

// Attach places c under slot, replacing whatever was there.
func (h *Hierarchy) Attach(slot string, c Container) error {
	for id := range h.slots {
		if id != slot {
			return fmt.Errorf("%w: slot %q is attached, refusing %q", ErrHierarchyOccupied, id, slot)
		}
	}
	h.slots[slot] = c
	return nil
}

// Lookup returns the container attached under slot.
func (h *Hierarchy) Lookup(slot string) (Container, bool) {
	c, ok := h.slots[slot]
	return c, ok
}

// Detach removes and returns the container attached under slot.
func (h *Hierarchy) Detach(slot string) (Container, bool) {
	c, ok := h.slots[slot]
	if ok {
		delete(h.slots, slot)
	}
	return c, ok
}

// Len returns the number of attached containers.
func (h *Hierarchy) Len() int {
	return len(h.slots)
}

// Close detaches and closes every container.
func (h *Hierarchy) Close(ctx context.Context) error {
	var errs []error
	for slot, c := range h.slots {
		delete(h.slots, slot)
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", slot, err))
		}
	}
	return errors.Join(errs...)
}
