// Package engine owns the embedded QuickJS instance. All methods on Runtime
// must be called from the single goroutine that created it; the render host
// enforces this by funnelling every engine-touching unit of work through one
// OS-locked goroutine.
package engine

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"runtime"
	"time"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// chunkTransferSize is the raw byte chunk size for the fallback base64
// transfer path.
const chunkTransferSize = 196608 // 192 KB raw → 256 KB base64

// Runtime wraps a single QuickJS VM with the helpers the renderer needs:
// string-typed eval, Go function registration, promise settling, and direct
// ArrayBuffer transfer between Go and JS.
type Runtime struct {
	vm  *quickjs.VM
	tls *libc.TLS // cached from VM internals for direct C API access
	ctx uintptr   // cached JSContext pointer for direct C API access

	// fallback fields: used only when direct C API extraction fails
	// (e.g. if modernc.org/quickjs changes its unexported struct layout).
	useFallback   bool
	pendingWrite  []byte // temp: data being written to JS
	pendingResult []byte // temp: data being read from JS

	// consoleSink receives console.log/warn/error output from script code.
	// It is swapped per request by the host; the single-thread discipline
	// makes the bare field safe.
	consoleSink func(level, message string)

	loop *eventLoop
}

// New creates a QuickJS VM, applies the optional memory limit, installs the
// binary transfer path, and bootstraps the Fetch-API shim bound to baseDir.
func New(baseDir string, memoryLimitMB int) (*Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}

	rt := &Runtime{vm: vm, loop: newEventLoop()}
	if err := rt.initBinaryTransfer(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("initializing binary transfer: %w", err)
	}
	if err := rt.bootstrap(baseDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("bootstrapping runtime shim: %w", err)
	}
	return rt, nil
}

// Close disposes the VM. The Runtime must not be used afterwards.
func (r *Runtime) Close() {
	r.consoleSink = nil
	r.vm.Close()
}

// SetConsoleSink installs the per-request console capture target. Passing
// nil discards console output.
func (r *Runtime) SetConsoleSink(sink func(level, message string)) {
	r.consoleSink = sink
}

// Eval evaluates JavaScript and discards the result.
func (r *Runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *Runtime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *Runtime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *Runtime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Multi-value Go returns (T, error) are automatically unwrapped: on success
// returns T, on error throws a TypeError. This is necessary because the
// QuickJS Go wrapper returns multi-value results as JS arrays.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object. Basic Go
// types (string, int, float64, bool) are auto-converted to JS types.
func (r *Runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// DeleteGlobals deletes the named global properties, ignoring failures.
func (r *Runtime) DeleteGlobals(names ...string) {
	for _, name := range names {
		_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", name))
	}
}

// RunMicrotasks runs all pending microtasks (Promise callbacks, etc.) in
// the QuickJS runtime. The modernc.org/quickjs Go wrapper never calls
// JS_ExecutePendingJob, so Promise .then() callbacks would otherwise never
// fire. Returns the number of jobs executed.
func (r *Runtime) RunMicrotasks() int {
	if r.tls == nil {
		return 0
	}
	rtPtr := r.cRuntime()
	if rtPtr == 0 {
		return 0
	}
	count := 0
	for {
		ret := lib.XJS_ExecutePendingJob(r.tls, rtPtr, 0)
		if ret <= 0 {
			break
		}
		count++
	}
	return count
}

// AwaitGlobal settles the potentially-promise value stored at
// globalThis[name], pumping the microtask queue until it resolves or the
// deadline passes. On fulfillment the resolved value replaces the promise at
// the same global; on rejection the rejection message is returned as an
// error. Non-promise values are left untouched.
func (r *Runtime) AwaitGlobal(name string, deadline time.Time) error {
	isPromise, err := r.EvalBool(fmt.Sprintf(
		`(function(){ var v = globalThis[%q]; return !!(v && typeof v.then === 'function'); })()`, name))
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", name, err)
	}
	if !isPromise {
		return nil
	}

	setup := fmt.Sprintf(`(function() {
		delete globalThis.__await_value;
		delete globalThis.__await_state;
		Promise.resolve(globalThis[%q]).then(
			function(v) { globalThis.__await_value = v; globalThis.__await_state = 'fulfilled'; },
			function(e) {
				globalThis.__await_value = String(e && (e.stack || e.message) || e);
				globalThis.__await_state = 'rejected';
			}
		);
	})()`, name)
	if err := r.Eval(setup); err != nil {
		return fmt.Errorf("setting up promise await: %w", err)
	}

	// Pump microtasks until the promise settles, firing due timers when the
	// microtask queue runs dry so timer-backed continuations make progress.
	for {
		r.RunMicrotasks()

		state, err := r.EvalString("globalThis.__await_state || ''")
		if err != nil {
			return fmt.Errorf("checking promise state: %w", err)
		}
		if state != "" {
			break
		}
		if time.Now().After(deadline) {
			r.DeleteGlobals("__await_value", "__await_state")
			return fmt.Errorf("promise resolution timed out")
		}
		if !r.fireNext(deadline) {
			runtime.Gosched()
		}
	}

	state, _ := r.EvalString("globalThis.__await_state || ''")
	if state == "rejected" {
		msg, _ := r.EvalString("String(globalThis.__await_value)")
		r.DeleteGlobals("__await_value", "__await_state")
		return fmt.Errorf("promise rejected: %s", msg)
	}

	// Replace the promise with its resolved value.
	err = r.Eval(fmt.Sprintf(`(function() {
		globalThis[%q] = globalThis.__await_value;
		delete globalThis.__await_value;
		delete globalThis.__await_state;
	})()`, name))
	if err != nil {
		return fmt.Errorf("storing awaited value: %w", err)
	}
	return nil
}

// initBinaryTransfer extracts the VM's internal tls and cContext pointers
// for direct C API access. If extraction fails (e.g. struct layout changed
// in a new quickjs version), falls back to chunked base64 transfer which
// is slower but doesn't depend on internal layout.
func (r *Runtime) initBinaryTransfer() error {
	if err := r.tryExtractVMInternals(); err != nil {
		r.useFallback = true
		return r.initFallbackTransfer()
	}

	// Smoke-test: a trivial C API call verifies the pointers are valid.
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)

	return nil
}

// tryExtractVMInternals uses reflect+unsafe to cache the VM's tls and ctx.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func (r *Runtime) tryExtractVMInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmType := reflect.TypeOf(r.vm).Elem()
	vmPtr := uintptr(unsafe.Pointer(r.vm))

	// cContext is the first field of VM (offset 0).
	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return fmt.Errorf("quickjs.VM missing 'runtime' field")
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return fmt.Errorf("runtime pointer is nil")
	}

	// tls is the second field in runtime (after cRuntime uintptr).
	r.tls = *(**libc.TLS)(unsafe.Pointer(rtPtr + unsafe.Sizeof(uintptr(0))))
	if r.tls == nil {
		return fmt.Errorf("TLS is nil")
	}

	return nil
}

// cRuntime re-reads the JSRuntime pointer from the VM. It is needed by
// RunMicrotasks, which calls JS_ExecutePendingJob at the runtime level.
func (r *Runtime) cRuntime() uintptr {
	vmType := reflect.TypeOf(r.vm).Elem()
	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return 0
	}
	vmPtr := uintptr(unsafe.Pointer(r.vm))
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return 0
	}
	return *(*uintptr)(unsafe.Pointer(rtPtr))
}

// WriteBinary writes Go bytes into a JS ArrayBuffer at the given global
// variable name. Uses the QuickJS C API (JS_NewArrayBufferCopy) for a single
// memcpy. Falls back to chunked base64 if the C API pointers could not be
// extracted.
func (r *Runtime) WriteBinary(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}
	if r.useFallback {
		return r.writeBinaryFallback(globalName, data)
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	// JS_SetPropertyStr consumes the val reference — do not free jsVal after.
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinary reads binary data from the JS ArrayBuffer at the given global
// variable name, deletes the global, and returns the bytes. Uses the QuickJS
// C API (JS_GetArrayBuffer) for a single memcpy; falls back to chunked
// base64 if the C API pointers could not be extracted.
func (r *Runtime) ReadBinary(globalName string) ([]byte, error) {
	if r.useFallback {
		return r.readBinaryFallback(globalName)
	}

	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	jsVal := lib.XJS_GetPropertyStr(r.tls, r.ctx, glob, cName)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(r.tls, r.ctx, uintptr(unsafe.Pointer(&size)), jsVal)

	if dataPtr == 0 || size == 0 {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
		return nil, nil
	}

	result := make([]byte, size)
	copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))

	lib.XFreeValue(r.tls, r.ctx, jsVal)
	_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))

	return result, nil
}

// --- Fallback: chunked base64 transfer (used if C API extraction fails) ---

func (r *Runtime) initFallbackTransfer() error {
	if err := r.RegisterFunc("__bt_chunk", func(offset int) (string, error) {
		if r.pendingWrite == nil {
			return "", fmt.Errorf("no pending binary data")
		}
		end := offset + chunkTransferSize
		if end > len(r.pendingWrite) {
			end = len(r.pendingWrite)
		}
		return base64.StdEncoding.EncodeToString(r.pendingWrite[offset:end]), nil
	}); err != nil {
		return fmt.Errorf("registering __bt_chunk: %w", err)
	}

	if err := r.RegisterFunc("__bt_recv", func(b64 string) (string, error) {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("decoding binary chunk: %w", err)
		}
		r.pendingResult = append(r.pendingResult, decoded...)
		return "", nil
	}); err != nil {
		return fmt.Errorf("registering __bt_recv: %w", err)
	}

	return nil
}

func (r *Runtime) writeBinaryFallback(globalName string, data []byte) error {
	r.pendingWrite = data
	defer func() { r.pendingWrite = nil }()

	return r.Eval(fmt.Sprintf(`(function() {
		var sz = %d;
		var buf = new ArrayBuffer(sz);
		var view = new Uint8Array(buf);
		var off = 0;
		while (off < sz) {
			var b64 = __bt_chunk(off);
			var raw = atob(b64);
			for (var i = 0; i < raw.length; i++) {
				view[off + i] = raw.charCodeAt(i);
			}
			off += raw.length;
		}
		globalThis[%q] = buf;
	})()`, len(data), globalName))
}

func (r *Runtime) readBinaryFallback(globalName string) ([]byte, error) {
	size, err := r.EvalInt(fmt.Sprintf(
		"(function(){var b=globalThis[%q];return b?b.byteLength:0;})()", globalName))
	if err != nil {
		return nil, fmt.Errorf("reading %s byte length: %w", globalName, err)
	}
	if size == 0 {
		_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
		return nil, nil
	}

	r.pendingResult = make([]byte, 0, size)
	defer func() { r.pendingResult = nil }()

	if err := r.Eval(fmt.Sprintf(`(function() {
		var buf = globalThis[%q];
		delete globalThis[%q];
		var view = new Uint8Array(buf);
		var cs = %d;
		for (var off = 0; off < view.length; off += cs) {
			var end = Math.min(off + cs, view.length);
			var chunk = view.subarray(off, end);
			var parts = [];
			for (var i = 0; i < chunk.length; i += 8192) {
				parts.push(String.fromCharCode.apply(null, chunk.subarray(i, Math.min(i + 8192, chunk.length))));
			}
			__bt_recv(btoa(parts.join('')));
		}
	})()`, globalName, globalName, chunkTransferSize)); err != nil {
		return nil, fmt.Errorf("reading binary from JS: %w", err)
	}

	return r.pendingResult, nil
}
