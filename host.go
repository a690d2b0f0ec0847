package ssrcore

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/mkroplewski/SsrCore/internal/engine"
)

var errHostClosed = errors.New("engine host closed")

type hostJob struct {
	fn   func(*engine.Runtime) error
	done chan error
}

// host owns the single engine instance. The engine is created on a dedicated
// OS-locked goroutine and every touch of it happens on that goroutine, one
// unit of work at a time. Callers submit work through do; concurrent callers
// queue up and run in submission order.
type host struct {
	jobs   chan hostJob
	closed chan struct{}
	done   chan struct{}
}

func newHost(baseDir string, memoryLimitMB int) (*host, error) {
	h := &host{
		jobs:   make(chan hostJob),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	ready := make(chan error, 1)
	go h.run(baseDir, memoryLimitMB, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return h, nil
}

func (h *host) run(baseDir string, memoryLimitMB int, ready chan<- error) {
	defer close(h.done)
	runtime.LockOSThread()
	rt, err := engine.New(baseDir, memoryLimitMB)
	ready <- err
	if err != nil {
		return
	}
	defer rt.Close()
	for {
		select {
		case job := <-h.jobs:
			job.done <- runJob(rt, job.fn)
		case <-h.closed:
			return
		}
	}
}

// runJob isolates the engine thread from panics in a unit of work. A panic
// fails the one request, not the process.
func runJob(rt *engine.Runtime, fn func(*engine.Runtime) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine job panic: %v", p)
		}
	}()
	return fn(rt)
}

// do runs fn on the engine thread and waits for it to finish. Context
// cancellation abandons the wait for a slot; once fn is scheduled it runs to
// completion, since interrupting the engine mid-eval would corrupt it.
func (h *host) do(ctx context.Context, fn func(*engine.Runtime) error) error {
	job := hostJob{fn: fn, done: make(chan error, 1)}
	select {
	case h.jobs <- job:
	case <-h.closed:
		return errHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-h.done:
		// The engine goroutine completes the in-flight job before it exits,
		// so a result may already be buffered when both channels are ready.
		// Work that finished must not be reported as lost.
		select {
		case err := <-job.done:
			return err
		default:
		}
		return errHostClosed
	}
}

func (h *host) close() {
	select {
	case <-h.closed:
	default:
		close(h.closed)
	}
	<-h.done
}
