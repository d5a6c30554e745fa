package engine

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/tomyedwab/enginehost/launch"
)

// emptyModule is the smallest valid guest. It exports nothing.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// backQuitModule imports env.force_quit and exports on_back_pressed, which
// calls force_quit and reports the navigation as handled.
var backQuitModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: () -> (), () -> i32
	0x01, 0x08, 0x02, 0x60, 0x00, 0x00, 0x60, 0x00, 0x01, 0x7f,
	// import env.force_quit
	0x02, 0x12, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x0a,
	0x66, 0x6f, 0x72, 0x63, 0x65, 0x5f, 0x71, 0x75, 0x69, 0x74, 0x00, 0x00,
	// one function of type 1
	0x03, 0x02, 0x01, 0x01,
	// export on_back_pressed
	0x07, 0x13, 0x01, 0x0f,
	0x6f, 0x6e, 0x5f, 0x62, 0x61, 0x63, 0x6b, 0x5f, 0x70, 0x72, 0x65, 0x73, 0x73, 0x65, 0x64, 0x00, 0x01,
	// call 0; i32.const 1
	0x0a, 0x08, 0x01, 0x06, 0x00, 0x10, 0x00, 0x41, 0x01, 0x0b,
}

// echoModule imports env.log_message, exports one page of memory, an
// alloc_page that always returns 1024 and an on_new_request that logs its
// payload back to the host.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32, i32) -> (), () -> i32
	0x01, 0x0a, 0x02, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x00, 0x01, 0x7f,
	// import env.log_message
	0x02, 0x13, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x0b,
	0x6c, 0x6f, 0x67, 0x5f, 0x6d, 0x65, 0x73, 0x73, 0x61, 0x67, 0x65, 0x00, 0x00,
	// alloc_page: type 1, on_new_request: type 0
	0x03, 0x03, 0x02, 0x01, 0x00,
	// memory, min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x28, 0x03,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x0a, 0x61, 0x6c, 0x6c, 0x6f, 0x63, 0x5f, 0x70, 0x61, 0x67, 0x65, 0x00, 0x01,
	0x0e, 0x6f, 0x6e, 0x5f, 0x6e, 0x65, 0x77, 0x5f, 0x72, 0x65, 0x71, 0x75, 0x65, 0x73, 0x74, 0x00, 0x02,
	// code
	0x0a, 0x10, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x08, 0x00, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b,
}

// bufferModule owns its payload buffers. It imports env.log_message and
// exports one page of memory, an alloc_bytes that always hands out handle 1
// at offset 2048, a free_bytes that logs "free" when given handle 1 and an
// on_new_request that logs its payload back to the host.
var bufferModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32, i32) -> (), (i32) -> i64, (i32) -> ()
	0x01, 0x0f, 0x03, 0x60, 0x02, 0x7f, 0x7f, 0x00, 0x60, 0x01, 0x7f, 0x01, 0x7e, 0x60, 0x01, 0x7f, 0x00,
	// import env.log_message
	0x02, 0x13, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x0b,
	0x6c, 0x6f, 0x67, 0x5f, 0x6d, 0x65, 0x73, 0x73, 0x61, 0x67, 0x65, 0x00, 0x00,
	// alloc_bytes: type 1, free_bytes: type 2, on_new_request: type 0
	0x03, 0x04, 0x03, 0x01, 0x02, 0x00,
	// memory, min 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x36, 0x04,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x0b, 0x61, 0x6c, 0x6c, 0x6f, 0x63, 0x5f, 0x62, 0x79, 0x74, 0x65, 0x73, 0x00, 0x01,
	0x0a, 0x66, 0x72, 0x65, 0x65, 0x5f, 0x62, 0x79, 0x74, 0x65, 0x73, 0x00, 0x02,
	0x0e, 0x6f, 0x6e, 0x5f, 0x6e, 0x65, 0x77, 0x5f, 0x72, 0x65, 0x71, 0x75, 0x65, 0x73, 0x74, 0x00, 0x03,
	// code
	0x0a, 0x24, 0x03,
	// i64.const 1<<32 | 2048
	0x08, 0x00, 0x42, 0x80, 0x90, 0x80, 0x80, 0x10, 0x0b,
	// if handle == 1 { log_message(0, 4) }
	0x10, 0x00, 0x20, 0x00, 0x41, 0x01, 0x46, 0x04, 0x40, 0x41, 0x00, 0x41, 0x04, 0x10, 0x00, 0x0b, 0x0b,
	0x08, 0x00, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00, 0x0b,
	// data: "free" at offset 0
	0x0b, 0x0a, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x04, 0x66, 0x72, 0x65, 0x65,
}

type recordingHost struct {
	mu       sync.Mutex
	quits    []Handle
	restarts []Handle
}

func (r *recordingHost) OnForceQuit(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quits = append(r.quits, h)
}

func (r *recordingHost) OnRestartRequested(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, h)
}

func (r *recordingHost) HostInstance() (HostInfo, bool) { return HostInfo{Name: "test"}, true }
func (r *recordingHost) RuntimeHandle() (Handle, bool) { return Handle{}, false }

func TestWasmInstanceEmptyModule(t *testing.T) {
	ctx := context.Background()
	w, err := NewWasmInstance(ctx, WasmConfig{Module: emptyModule}, nil)
	if err != nil {
		t.Fatalf("NewWasmInstance failed: %v", err)
	}
	if w.Handle().IsZero() {
		t.Error("Expected a handle to be assigned")
	}
	if w.Name() != "game" {
		t.Errorf("Expected default name, got %q", w.Name())
	}

	// Every forward is a no-op without the matching export.
	w.OnNewRequest(launch.NewRequest())
	w.OnSubOperationResult(7, 0, []byte("payload"))
	w.OnPermissionResult(1001, []string{"camera"}, []bool{true})
	if w.OnBackPressed() {
		t.Error("Expected back press to be unhandled")
	}

	if err := w.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
	if w.OnBackPressed() {
		t.Error("Expected closed instance to ignore back press")
	}
}

func TestWasmInstanceRejectsInvalidModule(t *testing.T) {
	if _, err := NewWasmInstance(context.Background(), WasmConfig{}, nil); err == nil {
		t.Error("Expected error for missing module")
	}
	if _, err := NewWasmInstance(context.Background(), WasmConfig{Module: []byte("not wasm")}, nil); err == nil {
		t.Error("Expected error for invalid module")
	}
}

func TestWasmInstanceGuestForceQuit(t *testing.T) {
	ctx := context.Background()
	host := &recordingHost{}
	w, err := NewWasmInstance(ctx, WasmConfig{Name: "pong", Module: backQuitModule}, host)
	if err != nil {
		t.Fatalf("NewWasmInstance failed: %v", err)
	}
	defer w.Close(ctx)

	if !w.OnBackPressed() {
		t.Error("Expected back press to be handled")
	}
	if len(host.quits) != 1 || host.quits[0] != w.Handle() {
		t.Errorf("Expected one force quit for %v, got %v", w.Handle(), host.quits)
	}

	// Unbound callbacks are dropped.
	w.SetHost(nil)
	if !w.OnBackPressed() {
		t.Error("Expected back press to be handled")
	}
	if len(host.quits) != 1 {
		t.Errorf("Expected no further force quits, got %v", host.quits)
	}
}

func TestWasmInstancePayloadReachesGuest(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w, err := NewWasmInstance(ctx, WasmConfig{Module: echoModule, Logger: logger}, nil)
	if err != nil {
		t.Fatalf("NewWasmInstance failed: %v", err)
	}
	defer w.Close(ctx)

	w.OnNewRequest(launch.NewRequest().SetString(launch.ExtraGameName, "Pong"))

	out := buf.String()
	if !strings.Contains(out, "source=guest") || !strings.Contains(out, "Pong") {
		t.Errorf("Expected the guest to log the request back, got:\n%s", out)
	}

	pages, _, allocated := w.alloc.Stats()
	if pages != 1 || allocated != 0 {
		t.Errorf("Expected payload to be freed after the call, pages=%d allocated=%d", pages, allocated)
	}
}

func TestWasmInstancePayloadLargerThanPage(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w, err := NewWasmInstance(ctx, WasmConfig{Module: echoModule, Logger: logger}, nil)
	if err != nil {
		t.Fatalf("NewWasmInstance failed: %v", err)
	}
	defer w.Close(ctx)

	save := strings.Repeat("x", 5000)
	w.OnNewRequest(launch.NewRequest().SetString(launch.ExtraGameName, "Pong").SetString("save", save))

	out := buf.String()
	if !strings.Contains(out, save) {
		t.Errorf("Expected the guest to log the %d byte request back, got:\n%s", len(save), out)
	}
	if strings.Contains(out, "Failed to copy payload") {
		t.Errorf("Expected the payload to be copied, got:\n%s", out)
	}

	// The region is reused for the next large payload.
	buf.Reset()
	w.OnNewRequest(launch.NewRequest().SetString("save", strings.Repeat("y", 6000)))
	if !strings.Contains(buf.String(), strings.Repeat("y", 6000)) {
		t.Errorf("Expected the second large request to reach the guest, got:\n%s", buf.String())
	}
	if pages := w.module.Memory().Size() / wasmPageSize; pages != 2 {
		t.Errorf("Expected guest memory to grow once, got %d pages", pages)
	}
}

func TestWasmInstanceGuestOwnedBuffers(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w, err := NewWasmInstance(ctx, WasmConfig{Module: bufferModule, Logger: logger}, nil)
	if err != nil {
		t.Fatalf("NewWasmInstance failed: %v", err)
	}
	defer w.Close(ctx)

	save := strings.Repeat("z", 9000)
	w.OnNewRequest(launch.NewRequest().SetString("save", save))

	out := buf.String()
	payloadAt := strings.Index(out, save)
	freeAt := strings.Index(out, "msg=free")
	if payloadAt < 0 {
		t.Fatalf("Expected the guest to log the request back, got:\n%s", out)
	}
	if freeAt < payloadAt {
		t.Errorf("Expected free_bytes to release handle 1 after the call, got:\n%s", out)
	}

	pages, _, _ := w.alloc.Stats()
	if pages != 0 {
		t.Errorf("Expected the host allocator to stay unused, got %d pages", pages)
	}
}
