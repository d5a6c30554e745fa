package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tomyedwab/enginehost/launch"
)

// Guest exports the host calls into. All of them are optional.
const (
	exportInitialize         = "_initialize"
	exportNewRequest         = "on_new_request"
	exportActivityResult     = "on_activity_result"
	exportPermissionResult   = "on_permission_result"
	exportBackPressed        = "on_back_pressed"
	exportFrame              = "on_frame"
	exportAllocPage          = "alloc_page"
	exportAllocBytes         = "alloc_bytes"
	exportFreeBytes          = "free_bytes"
	hostModuleName           = "env"
	defaultGuestInstanceName = "game"
)

// WasmConfig holds configuration options for a WasmInstance.
type WasmConfig struct {
	Name          string        // Optional, module name, defaults to "game"
	Module        []byte        // Required, the guest binary
	Args          []string      // Optional, WASI argv after the module name
	FrameInterval time.Duration // Optional, 0 disables the frame driver
	Stdout        io.Writer     // Optional, guest stdout
	Stderr        io.Writer     // Optional, guest stderr
	Logger        *slog.Logger  // Optional, defaults to slog.Default()
}

// PermissionResult is the JSON element handed to on_permission_result.
type PermissionResult struct {
	Name    string `json:"name"`
	Granted bool   `json:"granted"`
}

type boundHost struct {
	host Host
}

// WasmInstance is a Container running one WebAssembly guest in its own wazero
// runtime.
type WasmInstance struct {
	handle Handle
	name   string
	logger *slog.Logger

	runtime wazero.Runtime
	module  api.Module
	alloc   *Allocator

	// callMu serializes calls into the guest.
	callMu sync.Mutex
	host   atomic.Pointer[boundHost]

	ctx       context.Context
	cancel    context.CancelFunc
	frameDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWasmInstance compiles and instantiates the guest. host may be nil and
// bound later with SetHost.
func NewWasmInstance(ctx context.Context, config WasmConfig, host Host) (*WasmInstance, error) {
	if len(config.Module) == 0 {
		return nil, fmt.Errorf("no guest module provided")
	}
	name := config.Name
	if name == "" {
		name = defaultGuestInstanceName
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handle := NextHandle()
	w := &WasmInstance{
		handle: handle,
		name:   name,
		logger: logger.With("component", "wasm", "handle", handle.String(), "game", name),
		alloc:  NewAllocator(),
	}
	w.SetHost(host)

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.runtime = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, w.runtime); err != nil {
		w.abort(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := w.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(w.guestForceQuit).Export("force_quit").
		NewFunctionBuilder().WithFunc(w.guestRequestRestart).Export("request_restart").
		NewFunctionBuilder().WithFunc(w.guestLogMessage).Export("log_message").
		Instantiate(ctx)
	if err != nil {
		w.abort(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs(append([]string{name}, config.Args...)...).
		WithStartFunctions(exportInitialize)
	if config.Stdout != nil {
		moduleConfig = moduleConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		moduleConfig = moduleConfig.WithStderr(config.Stderr)
	}

	w.module, err = w.runtime.InstantiateWithConfig(ctx, config.Module, moduleConfig)
	if err != nil {
		w.abort(ctx)
		return nil, fmt.Errorf("failed to instantiate guest %s: %w", name, err)
	}

	w.frameDone = make(chan struct{})
	if config.FrameInterval > 0 && w.module.ExportedFunction(exportFrame) != nil {
		go w.driveFrames(config.FrameInterval)
	} else {
		close(w.frameDone)
	}

	w.logger.Info("Guest instantiated")
	return w, nil
}

func (w *WasmInstance) abort(ctx context.Context) {
	w.cancel()
	w.runtime.Close(ctx)
}

func (w *WasmInstance) Handle() Handle {
	return w.handle
}

func (w *WasmInstance) Name() string {
	return w.name
}

func (w *WasmInstance) SetHost(host Host) {
	if host == nil {
		w.host.Store(nil)
		return
	}
	w.host.Store(&boundHost{host: host})
}

func (w *WasmInstance) Host() Host {
	if b := w.host.Load(); b != nil {
		return b.host
	}
	return nil
}

// Guest to host calls. These run on whatever goroutine is inside the guest,
// so they only hand the request to the host and return.

func (w *WasmInstance) guestForceQuit(ctx context.Context, m api.Module) {
	host := w.Host()
	if host == nil {
		w.logger.Warn("Guest requested force quit with no host bound")
		return
	}
	host.OnForceQuit(w.handle)
}

func (w *WasmInstance) guestRequestRestart(ctx context.Context, m api.Module) {
	host := w.Host()
	if host == nil {
		w.logger.Warn("Guest requested restart with no host bound")
		return
	}
	host.OnRestartRequested(w.handle)
}

func (w *WasmInstance) guestLogMessage(ctx context.Context, m api.Module, offset, byteCount uint32) {
	buf, ok := m.Memory().Read(offset, byteCount)
	if !ok {
		w.logger.Error("Guest log message out of range", "offset", offset, "length", byteCount)
		return
	}
	w.logger.Info(string(buf), "source", "guest")
}

// Host to guest forwards.

func (w *WasmInstance) OnNewRequest(req *launch.Request) {
	data, err := req.Encode()
	if err != nil {
		w.logger.Error("Failed to encode request", "error", err)
		return
	}
	w.callWithPayload(exportNewRequest, []byte(data), func(ptr, size uint32) []uint64 {
		return []uint64{uint64(ptr), uint64(size)}
	})
}

func (w *WasmInstance) OnSubOperationResult(requestCode, resultCode int, payload []byte) {
	w.callWithPayload(exportActivityResult, payload, func(ptr, size uint32) []uint64 {
		return []uint64{api.EncodeI32(int32(requestCode)), api.EncodeI32(int32(resultCode)), uint64(ptr), uint64(size)}
	})
}

func (w *WasmInstance) OnPermissionResult(requestCode int, permissions []string, grants []bool) {
	results := make([]PermissionResult, len(permissions))
	for i, name := range permissions {
		results[i] = PermissionResult{Name: name, Granted: i < len(grants) && grants[i]}
	}
	data, err := json.Marshal(results)
	if err != nil {
		w.logger.Error("Failed to encode permission results", "error", err)
		return
	}
	w.callWithPayload(exportPermissionResult, data, func(ptr, size uint32) []uint64 {
		return []uint64{api.EncodeI32(int32(requestCode)), uint64(ptr), uint64(size)}
	})
}

func (w *WasmInstance) OnBackPressed() bool {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	fn := w.export(exportBackPressed)
	if fn == nil {
		return false
	}
	results, err := fn.Call(w.ctx)
	if err != nil {
		w.logger.Error("Guest call failed", "export", exportBackPressed, "error", err)
		return false
	}
	return len(results) == 1 && api.DecodeI32(results[0]) != 0
}

// export looks up a guest export. The caller must hold callMu.
func (w *WasmInstance) export(name string) api.Function {
	if w.module == nil || w.module.IsClosed() {
		return nil
	}
	fn := w.module.ExportedFunction(name)
	if fn == nil {
		w.logger.Debug("Guest does not export function", "export", name)
	}
	return fn
}

func (w *WasmInstance) callWithPayload(name string, data []byte, params func(ptr, size uint32) []uint64) {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	fn := w.export(name)
	if fn == nil {
		return
	}

	var ptr uint32
	if len(data) > 0 {
		var release func()
		var err error
		ptr, release, err = w.writePayload(data)
		if err != nil {
			w.logger.Error("Failed to copy payload into guest", "export", name, "size", len(data), "error", err)
			return
		}
		defer release()
	}

	if _, err := fn.Call(w.ctx, params(ptr, uint32(len(data)))...); err != nil {
		w.logger.Error("Guest call failed", "export", name, "error", err)
	}
}

// writePayload copies data into guest memory and returns its address and the
// func that releases it. Guests exporting alloc_bytes own their buffers;
// otherwise the host allocator carves them out of alloc_page pages. The
// caller must hold callMu.
func (w *WasmInstance) writePayload(data []byte) (uint32, func(), error) {
	if allocBytes := w.module.ExportedFunction(exportAllocBytes); allocBytes != nil {
		results, err := allocBytes.Call(w.ctx, uint64(len(data)))
		if err != nil {
			return 0, nil, fmt.Errorf("alloc_bytes failed: %w", err)
		}
		if len(results) != 1 {
			return 0, nil, fmt.Errorf("alloc_bytes returned %d results, expected 1", len(results))
		}
		handle := uint32(results[0] >> 32)
		ptr := uint32(results[0])
		release := func() {
			free := w.module.ExportedFunction(exportFreeBytes)
			if free == nil {
				return
			}
			if _, err := free.Call(w.ctx, uint64(handle)); err != nil {
				w.logger.Error("Guest call failed", "export", exportFreeBytes, "handle", handle, "error", err)
			}
		}
		if !w.module.Memory().Write(ptr, data) {
			release()
			return 0, nil, fmt.Errorf("payload write out of range (offset %d, size %d)", ptr, len(data))
		}
		return ptr, release, nil
	}

	ptr, err := w.alloc.Alloc(w.ctx, w.module, uint32(len(data)))
	if err != nil {
		return 0, nil, err
	}
	release := func() { w.alloc.Free(ptr) }
	if !w.module.Memory().Write(ptr, data) {
		release()
		return 0, nil, fmt.Errorf("payload write out of range (offset %d, size %d)", ptr, len(data))
	}
	return ptr, release, nil
}

func (w *WasmInstance) driveFrames(interval time.Duration) {
	defer close(w.frameDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if !w.frame() {
				return
			}
		}
	}
}

// frame runs one on_frame call. It reports false once the guest can no longer
// be driven.
func (w *WasmInstance) frame() bool {
	w.callMu.Lock()
	defer w.callMu.Unlock()

	fn := w.export(exportFrame)
	if fn == nil {
		return false
	}
	if _, err := fn.Call(w.ctx); err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		w.logger.Error("Guest frame failed, stopping frame driver", "error", err)
		return false
	}
	return true
}

// Close stops the frame driver and tears the runtime down. Later calls return
// the first result.
func (w *WasmInstance) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.frameDone

		w.callMu.Lock()
		defer w.callMu.Unlock()
		if err := w.runtime.Close(ctx); err != nil {
			w.closeErr = fmt.Errorf("failed to close guest runtime: %w", err)
		}
		w.logger.Info("Guest closed")
	})
	return w.closeErr
}

var _ Container = (*WasmInstance)(nil)
