// Package ssrcore serves server-side rendered responses by routing HTTP
// requests through a JavaScript render function running in an embedded
// QuickJS engine. A Renderer owns one engine instance on a dedicated OS
// thread, resolves the configured entry module (rebuilding it per request in
// dev mode), marshals the request into Fetch-shaped objects, and streams the
// render result back to the client with backpressure.
package ssrcore

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mkroplewski/SsrCore/internal/bytechan"
	"github.com/mkroplewski/SsrCore/internal/engine"
)

// Renderer renders HTTP requests through the embedded runtime. It implements
// http.Handler and is safe for concurrent use; renders serialize on the
// single engine thread in arrival order.
type Renderer struct {
	cfg      Config
	host     *host
	resolver *resolver
	bridge   *serviceBridge
}

// New creates the engine, installs the service bridge, and initializes the
// runtime. Initialization failure does not fail construction: the renderer
// comes up in the Failed state and every request is answered with a fast 500
// until the process is restarted.
func New(cfg Config) (*Renderer, error) {
	cfg = cfg.withDefaults()
	if err := validateRegistrations(cfg.Services); err != nil {
		return nil, err
	}
	h, err := newHost(cfg.SourceRoot, cfg.MemoryLimitMB)
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	r := &Renderer{
		cfg:      cfg,
		host:     h,
		resolver: newResolver(cfg),
		bridge:   newServiceBridge(cfg.Services),
	}
	err = h.do(context.Background(), func(rt *engine.Runtime) error {
		rt.SetConsoleSink(r.emitLog)
		return r.bridge.register(rt)
	})
	if err != nil {
		h.close()
		return nil, fmt.Errorf("installing service bridge: %w", err)
	}
	if err := r.resolver.initialize(h); err != nil {
		log.Printf("ssr: initialization failed: %v", err)
	}
	return r, nil
}

// State reports the runtime lifecycle state.
func (r *Renderer) State() RuntimeState {
	return r.resolver.currentState()
}

// Close shuts down the dev server (if any) and the engine thread. In-flight
// renders finish first.
func (r *Renderer) Close() error {
	err := r.resolver.close()
	r.host.close()
	return err
}

func (r *Renderer) emitLog(level, message string) {
	if r.cfg.ConsoleOutput != nil {
		r.cfg.ConsoleOutput(LogEntry{Level: level, Message: message, Time: time.Now()})
		return
	}
	log.Printf("ssr console.%s: %s", level, message)
}

func (r *Renderer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Dev && r.resolver.devURL != "" {
		handled, err := r.proxyToDev(w, req)
		if err != nil {
			// A hiccuping dev server must not take routes down with it.
			// Forwarding failures log and fall through to the render; only
			// a request the proxy already answered stops here.
			log.Printf("ssr: dev proxy %s %s: %v", req.Method, req.URL.Path, err)
		}
		if handled {
			return
		}
	}
	r.render(w, req)
}

func (r *Renderer) render(w http.ResponseWriter, req *http.Request) {
	if err := r.resolver.unavailable(); err != nil {
		r.fail(w, req, err)
		return
	}
	body, err := readRequestBody(req)
	if err != nil {
		log.Printf("ssr: render %s %s: %v", req.Method, req.URL.Path, err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Dev compiles on the handler goroutine so a slow build never occupies
	// the engine thread.
	var devSource string
	if r.cfg.Dev {
		devSource, err = r.resolver.devModuleSource()
		if err != nil {
			r.fail(w, req, err)
			return
		}
	}

	deadline := time.Now().Add(r.cfg.RenderTimeout)
	ctx, cancel := context.WithDeadline(req.Context(), deadline)
	defer cancel()

	if r.cfg.Mode == RenderModeString {
		r.renderString(ctx, w, req, body, devSource, deadline)
		return
	}
	r.renderStream(ctx, w, req, body, devSource, deadline)
}

// prepare runs the per-request setup on the engine thread: load/locate the
// entry, materialize the request, bind services.
func (r *Renderer) prepare(rt *engine.Runtime, ctx context.Context, req *http.Request, body []byte, devSource string) error {
	if err := r.resolver.bindEntry(rt, devSource); err != nil {
		return err
	}
	if err := buildEngineRequest(rt, req, body); err != nil {
		return err
	}
	return r.bridge.bind(rt, ctx, req)
}

// cleanup reverses prepare. Always runs, fault or not: services are revoked,
// per-request globals are dropped, timers are cleared, leftover microtasks
// are drained so nothing bleeds into the next request.
func (r *Renderer) cleanup(rt *engine.Runtime) {
	r.bridge.unbind(rt)
	rt.DeleteGlobals(
		"__ssr_req", "__ssr_result", "__ssr_entry",
		"__ssr_next", "__ssr_cancel", "__ssr_pull",
		"__ssr_chunk", "__ssr_body",
	)
	rt.ResetTimers()
	rt.RunMicrotasks()
}

// invokeEntry calls the render function and settles its result into
// __ssr_result. A synchronous throw and an async rejection surface the same
// way: as a render error, never as an engine fault.
func invokeEntry(rt *engine.Runtime, deadline time.Time) error {
	err := rt.Eval("globalThis.__ssr_result = globalThis.__ssr_entry(globalThis.__ssr_req, globalThis.__ssr_services)")
	if err != nil {
		return fmt.Errorf("render threw: %w", err)
	}
	if err := rt.AwaitGlobal("__ssr_result", deadline); err != nil {
		return fmt.Errorf("render failed: %w", err)
	}
	return nil
}

// renderString runs the whole render as one engine unit of work and writes
// the response in one shot. The streaming pipeline is never involved.
func (r *Renderer) renderString(ctx context.Context, w http.ResponseWriter, req *http.Request, body []byte, devSource string, deadline time.Time) {
	var head *responseHead
	var text string
	err := r.host.do(ctx, func(rt *engine.Runtime) error {
		defer r.cleanup(rt)
		if err := r.prepare(rt, ctx, req, body, devSource); err != nil {
			return err
		}
		if err := invokeEntry(rt, deadline); err != nil {
			return err
		}
		h, err := extractResponseHead(rt)
		if err != nil {
			return err
		}
		t, err := readBodyText(rt, deadline)
		if err != nil {
			return err
		}
		head, text = h, t
		return nil
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeStringResponse(w, req, head, []byte(text), r.cfg.Compress)
}

// renderStream splits the render across the engine thread (producer) and
// the handler goroutine (consumer). The head crosses over first; body chunks
// follow through the bounded channel. A failure before the head becomes a
// clean 500; a failure after it aborts the connection, since the status
// already on the wire cannot be recalled.
func (r *Renderer) renderStream(ctx context.Context, w http.ResponseWriter, req *http.Request, body []byte, devSource string, deadline time.Time) {
	headCh := make(chan *responseHead, 1)
	ch := bytechan.New(r.cfg.StreamWindow)
	jobErr := make(chan error, 1)

	go func() {
		jobErr <- r.host.do(ctx, func(rt *engine.Runtime) error {
			defer r.cleanup(rt)
			if err := r.prepare(rt, ctx, req, body, devSource); err != nil {
				return err
			}
			if err := invokeEntry(rt, deadline); err != nil {
				return err
			}
			head, err := extractResponseHead(rt)
			if err != nil {
				return err
			}

			if head.BodyKind != "web" && head.BodyKind != "node" {
				// Non-stream body in a stream mode: drain it atomically and
				// forward as a single chunk.
				text, err := readBodyText(rt, deadline)
				if err != nil {
					return err
				}
				headCh <- head
				if text != "" {
					_ = ch.Send([]byte(text))
				}
				ch.CloseSend(nil)
				return nil
			}

			if err := openBodyStream(rt, r.cfg.Mode); err != nil {
				return err
			}
			headCh <- head
			perr := pumpBody(rt, ch, deadline)
			ch.CloseSend(perr)
			return perr
		})
	}()

	var head *responseHead
	jobDone := false
	select {
	case head = <-headCh:
	case err := <-jobErr:
		jobDone = true
		// The job may have finished so fast that both channels are ready;
		// a delivered head always wins.
		select {
		case head = <-headCh:
		default:
			if err == nil {
				err = fmt.Errorf("render finished without producing a response")
			}
			r.fail(w, req, err)
			return
		}
	}

	applyHead(w, head)
	if err := streamToClient(w, ch); err != nil {
		log.Printf("ssr: render %s %s: mid-stream failure: %v", req.Method, req.URL.Path, err)
		panic(http.ErrAbortHandler)
	}
	if !jobDone {
		<-jobErr
	}
}

// fail answers a request that died before any response byte was written.
// Engine-side detail stays in the process log; the client sees a bare 500.
func (r *Renderer) fail(w http.ResponseWriter, req *http.Request, err error) {
	log.Printf("ssr: render %s %s: %v", req.Method, req.URL.Path, err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
