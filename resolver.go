package ssrcore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mkroplewski/SsrCore/internal/engine"
)

// RuntimeState tracks the lifecycle of the embedded runtime. Transitions are
// one-way except in dev, where per-request module load failures never leave
// Ready.
type RuntimeState int32

const (
	StateUninitialized RuntimeState = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s RuntimeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DevServer serves application assets during development and compiles the
// server entry on demand. Implementations must return fresh module source on
// every ModuleSource call; the resolver never caches it.
type DevServer interface {
	// Start brings the server up and returns its base URL
	// (e.g. "http://127.0.0.1:5173").
	Start() (string, error)

	// ModuleSource compiles the entry module (path relative to the source
	// root) and returns its ES module source.
	ModuleSource(entryPath string) (string, error)

	Close() error
}

// resolver locates the render entry function inside the engine. In prod the
// module is evaluated exactly once at initialization; in dev it is recompiled
// and re-evaluated for every request so edits take effect without restarts.
type resolver struct {
	cfg   Config
	state atomic.Int32

	mu      sync.Mutex
	initErr error

	dev    DevServer
	devURL string
}

func newResolver(cfg Config) *resolver {
	return &resolver{cfg: cfg}
}

func (r *resolver) currentState() RuntimeState {
	return RuntimeState(r.state.Load())
}

func (r *resolver) fail(err error) error {
	r.mu.Lock()
	r.initErr = err
	r.mu.Unlock()
	r.state.Store(int32(StateFailed))
	return err
}

// unavailable reports why renders cannot proceed, or nil when Ready.
func (r *resolver) unavailable() error {
	switch r.currentState() {
	case StateReady:
		return nil
	case StateFailed:
		r.mu.Lock()
		err := r.initErr
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	default:
		return fmt.Errorf("%w: runtime is %s", ErrEngineUnavailable, r.currentState())
	}
}

// initialize loads the render module (prod) or starts the dev server (dev).
// A failure is terminal: the resolver stays Failed and every subsequent
// render fast-fails without touching the engine.
func (r *resolver) initialize(h *host) error {
	r.state.Store(int32(StateInitializing))

	if r.cfg.Dev {
		ds := r.cfg.DevServer
		if ds == nil {
			ds = NewEsbuildDevServer(r.cfg.SourceRoot)
		}
		url, err := ds.Start()
		if err != nil {
			return r.fail(fmt.Errorf("starting dev server: %w", err))
		}
		r.dev = ds
		r.devURL = url
		r.state.Store(int32(StateReady))
		return nil
	}

	source, err := loadProdModule(r.cfg.SourceRoot, r.cfg.Entry)
	if err != nil {
		return r.fail(err)
	}
	err = h.do(context.Background(), func(rt *engine.Runtime) error {
		return evalModule(rt, source)
	})
	if err != nil {
		return r.fail(fmt.Errorf("loading module %s: %w", r.cfg.Entry, err))
	}
	r.state.Store(int32(StateReady))
	return nil
}

func (r *resolver) close() error {
	if r.dev != nil {
		return r.dev.Close()
	}
	return nil
}

// devModuleSource fetches fresh entry source from the dev server. Called on
// the handler goroutine before the render job is submitted, so a slow
// compile never stalls the engine thread.
func (r *resolver) devModuleSource() (string, error) {
	return r.dev.ModuleSource(r.cfg.Entry)
}

// bindEntry makes __ssr_entry hold the render function for the current
// request. Must run on the engine thread. In dev the freshly compiled source
// replaces the previous module before the lookup.
func (r *resolver) bindEntry(rt *engine.Runtime, devSource string) error {
	if r.cfg.Dev {
		if err := evalModule(rt, devSource); err != nil {
			return fmt.Errorf("loading module %s: %w", r.cfg.Entry, err)
		}
	}
	if err := lookupEntry(rt, r.cfg.EntryFunction); err != nil {
		return fmt.Errorf("%w: %v", ErrEntryNotFound, err)
	}
	return nil
}

// evalModule evaluates a rewritten ES module and bumps the load generation
// counter. The counter exists so callers can observe that prod loads exactly
// once and dev loads once per request.
func evalModule(rt *engine.Runtime, source string) error {
	if err := rt.Eval(rewriteModuleExports(source)); err != nil {
		return err
	}
	ok, err := rt.EvalBool("typeof globalThis.__ssr_module !== 'undefined'")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("module did not produce any exports")
	}
	return rt.Eval("globalThis.__ssr_module_gen = (globalThis.__ssr_module_gen || 0) + 1")
}

func loadProdModule(root, entry string) (string, error) {
	path := filepath.Join(root, filepath.FromSlash(entry))
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading module %s: %w", entry, err)
	}
	source := string(data)
	if needsBundling(source) {
		bundled, err := bundleModule(path)
		if err != nil {
			return "", fmt.Errorf("bundling module %s: %w", entry, err)
		}
		source = bundled
	}
	return source, nil
}

// lookupEntry walks the dot-separated export path against the loaded module
// and stores the resulting function in __ssr_entry. Error messages name both
// the full path and the segment that failed, since "not found" alone is
// useless against a deep export tree.
func lookupEntry(rt *engine.Runtime, exportPath string) error {
	pathJSON, err := json.Marshal(exportPath)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(function() {
	var path = %s;
	var mod = globalThis.__ssr_module;
	if (typeof mod === 'undefined') {
		throw new Error('no module loaded');
	}
	var segs = path.split('.');
	var cur = mod;
	if (segs[0] === 'default') {
		// "export default X" assigns X to the module global directly, so
		// the default segment resolves to the module itself unless the
		// module explicitly exposes a "default" member.
		if (cur !== null && (typeof cur === 'object' || typeof cur === 'function') && ('default' in cur)) {
			cur = cur['default'];
		}
		segs = segs.slice(1);
	}
	for (var i = 0; i < segs.length; i++) {
		if (cur === null || (typeof cur !== 'object' && typeof cur !== 'function')) {
			throw new Error('export path "' + path + '": segment "' + segs[i] + '" looked up on a non-object');
		}
		if (!(segs[i] in Object(cur))) {
			throw new Error('export path "' + path + '": module has no export segment "' + segs[i] + '"');
		}
		cur = cur[segs[i]];
	}
	if (typeof cur !== 'function') {
		throw new Error('export path "' + path + '" resolved to ' + typeof cur + ', expected a function');
	}
	globalThis.__ssr_entry = cur;
})()`, pathJSON)
	return rt.Eval(script)
}
