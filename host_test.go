package ssrcore

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/mkroplewski/SsrCore/internal/engine"
)

func newTestHost(t *testing.T) *host {
	t.Helper()
	h, err := newHost(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	t.Cleanup(h.close)
	return h
}

func TestHostRunsJobs(t *testing.T) {
	h := newTestHost(t)
	var got string
	err := h.do(context.Background(), func(rt *engine.Runtime) error {
		v, err := rt.EvalString("'ran on engine thread'")
		got = v
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if got != "ran on engine thread" {
		t.Errorf("got %q", got)
	}
}

func TestHostSerializesJobs(t *testing.T) {
	h := newTestHost(t)

	// Every job increments a JS counter non-atomically; with true
	// serialization the final count is exact.
	err := h.do(context.Background(), func(rt *engine.Runtime) error {
		return rt.Eval("globalThis.__count = 0")
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.do(context.Background(), func(rt *engine.Runtime) error {
				return rt.Eval("globalThis.__count = globalThis.__count + 1")
			})
		}()
	}
	wg.Wait()

	var count int
	err = h.do(context.Background(), func(rt *engine.Runtime) error {
		v, err := rt.EvalInt("globalThis.__count")
		count = v
		return err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if count != n {
		t.Errorf("count = %d, want %d", count, n)
	}
}

func TestHostRecoversJobPanic(t *testing.T) {
	h := newTestHost(t)
	err := h.do(context.Background(), func(rt *engine.Runtime) error {
		panic("job blew up")
	})
	if err == nil || !strings.Contains(err.Error(), "job blew up") {
		t.Fatalf("do = %v, want panic surfaced as error", err)
	}

	// The engine must still be usable afterwards.
	err = h.do(context.Background(), func(rt *engine.Runtime) error {
		return rt.Eval("1 + 1")
	})
	if err != nil {
		t.Fatalf("engine dead after panic: %v", err)
	}
}

func TestHostDoAfterClose(t *testing.T) {
	h, err := newHost(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("newHost: %v", err)
	}
	h.close()
	err = h.do(context.Background(), func(rt *engine.Runtime) error { return nil })
	if err != errHostClosed {
		t.Fatalf("do after close = %v, want errHostClosed", err)
	}
}

func TestHostCloseDoesNotLoseFinishedJob(t *testing.T) {
	// close() waits for the in-flight job, so its result is already buffered
	// when the shutdown signal lands. The waiter must report that result,
	// not errHostClosed, no matter which channel the scheduler shows first.
	for i := 0; i < 20; i++ {
		h, err := newHost(t.TempDir(), 0)
		if err != nil {
			t.Fatalf("newHost: %v", err)
		}

		started := make(chan struct{})
		release := make(chan struct{})
		result := make(chan error, 1)
		go func() {
			result <- h.do(context.Background(), func(rt *engine.Runtime) error {
				close(started)
				<-release
				return rt.Eval("1 + 1")
			})
		}()
		<-started

		closed := make(chan struct{})
		go func() {
			h.close()
			close(closed)
		}()
		close(release)
		<-closed

		if err := <-result; err != nil {
			t.Fatalf("iteration %d: do = %v, want nil for completed job", i, err)
		}
	}
}

func TestHostDoCancelledContext(t *testing.T) {
	h := newTestHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Occupy the engine so the job cannot be scheduled immediately.
	block := make(chan struct{})
	release := make(chan struct{})
	go h.do(context.Background(), func(rt *engine.Runtime) error {
		close(block)
		<-release
		return nil
	})
	<-block
	defer close(release)

	err := h.do(ctx, func(rt *engine.Runtime) error { return nil })
	if err != context.Canceled {
		t.Fatalf("do = %v, want context.Canceled", err)
	}
}
