package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

const (
	// PageSize is the size of one page handed out by the guest's alloc_page.
	PageSize = 4096

	wasmPageSize = 65536
)

// ErrNoAllocator is returned when the guest does not export alloc_page, so
// the host has nowhere to copy payloads to.
var ErrNoAllocator = errors.New("guest does not export alloc_page")

// pageSource hands out fresh guest pages. The wazero module is the production
// source; tests use a counter.
type pageSource func(ctx context.Context) (uint32, error)

type freeBlock struct {
	offset uint32
	size   uint32
}

type guestPage struct {
	start uint32
	free  []freeBlock // sorted by offset
}

// Allocator carves payload buffers out of guest pages. Pages are requested
// from the guest on demand and never returned to it.
type Allocator struct {
	mu    sync.Mutex
	pages []guestPage
	sizes map[uint32]uint32 // live allocations, address -> aligned size
	large freeBlock         // host-grown region for payloads over a page
}

func NewAllocator() *Allocator {
	return &Allocator{sizes: make(map[uint32]uint32)}
}

// Alloc reserves size bytes in module's memory. Payloads that do not fit a
// page are placed in a region the host grows onto the end of guest memory.
func (a *Allocator) Alloc(ctx context.Context, module api.Module, size uint32) (uint32, error) {
	if size > PageSize {
		return a.allocLarge(module.Memory(), size)
	}
	allocPage := module.ExportedFunction(exportAllocPage)
	if allocPage == nil {
		return 0, ErrNoAllocator
	}
	return a.alloc(ctx, size, func(ctx context.Context) (uint32, error) {
		results, err := allocPage.Call(ctx)
		if err != nil {
			return 0, err
		}
		if len(results) != 1 {
			return 0, fmt.Errorf("alloc_page returned %d results, expected 1", len(results))
		}
		return uint32(results[0]), nil
	})
}

func (a *Allocator) alloc(ctx context.Context, size uint32, source pageSource) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 || size > PageSize {
		return 0, fmt.Errorf("invalid allocation size: %d", size)
	}

	// 8-byte alignment
	aligned := (size + 7) &^ uint32(7)

	for i := range a.pages {
		if addr, ok := a.takeFrom(&a.pages[i], aligned); ok {
			return addr, nil
		}
	}

	start, err := source(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate guest page: %w", err)
	}
	a.pages = append(a.pages, guestPage{
		start: start,
		free:  []freeBlock{{offset: 0, size: PageSize}},
	})
	addr, ok := a.takeFrom(&a.pages[len(a.pages)-1], aligned)
	if !ok {
		return 0, fmt.Errorf("failed to allocate %d bytes in a fresh page", aligned)
	}
	return addr, nil
}

// allocLarge returns a region of at least size bytes past the guest's own
// memory. The region is reused by the next large payload, so only one can be
// live at a time; callers serialize guest calls.
func (a *Allocator) allocLarge(mem api.Memory, size uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if mem == nil {
		return 0, errors.New("guest does not export memory")
	}
	if a.large.size >= size {
		return a.large.offset, nil
	}
	pages := (size + wasmPageSize - 1) / wasmPageSize
	prev, ok := mem.Grow(pages)
	if !ok {
		return 0, fmt.Errorf("failed to grow guest memory by %d pages for %d bytes", pages, size)
	}
	a.large = freeBlock{offset: prev * wasmPageSize, size: pages * wasmPageSize}
	return a.large.offset, nil
}

// Free releases an address returned by Alloc. Unknown addresses are ignored.
func (a *Allocator) Free(addr uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.sizes[addr]
	if !ok {
		return
	}
	delete(a.sizes, addr)

	for i := range a.pages {
		page := &a.pages[i]
		if addr >= page.start && addr < page.start+PageSize {
			a.giveBack(page, freeBlock{offset: addr - page.start, size: size})
			return
		}
	}
}

// Stats reports the number of pages and the free and allocated bytes in them.
// The large payload region is not counted.
func (a *Allocator) Stats() (pages int, free uint32, allocated uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pages = len(a.pages)
	for _, page := range a.pages {
		for _, block := range page.free {
			free += block.size
		}
	}
	allocated = uint32(pages)*PageSize - free
	return
}

func (a *Allocator) takeFrom(page *guestPage, size uint32) (uint32, bool) {
	for i, block := range page.free {
		if block.size < size {
			continue
		}
		addr := page.start + block.offset
		if block.size == size {
			page.free = slices.Delete(page.free, i, i+1)
		} else {
			page.free[i] = freeBlock{offset: block.offset + size, size: block.size - size}
		}
		a.sizes[addr] = size
		return addr, true
	}
	return 0, false
}

func (a *Allocator) giveBack(page *guestPage, block freeBlock) {
	pos, _ := slices.BinarySearchFunc(page.free, block.offset, func(b freeBlock, offset uint32) int {
		switch {
		case b.offset < offset:
			return -1
		case b.offset > offset:
			return 1
		default:
			return 0
		}
	})
	page.free = slices.Insert(page.free, pos, block)

	// Merge with the following block.
	if pos+1 < len(page.free) {
		cur, next := page.free[pos], page.free[pos+1]
		if cur.offset+cur.size == next.offset {
			page.free[pos].size += next.size
			page.free = slices.Delete(page.free, pos+1, pos+2)
		}
	}
	// Merge with the preceding block.
	if pos > 0 {
		prev, cur := page.free[pos-1], page.free[pos]
		if prev.offset+prev.size == cur.offset {
			page.free[pos-1].size += cur.size
			page.free = slices.Delete(page.free, pos, pos+1)
		}
	}
}
