package engine

import (
	"fmt"
	"sync"
	"time"
)

// timerEntry tracks scheduling metadata for a setTimeout/setInterval
// registration. The actual JS callback lives in
// globalThis.__timerCallbacks[id]; Go only decides when to fire.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// eventLoop provides wall-clock timers for the single engine thread. It is
// the cooperative task queue that lets promise continuations depending on
// setTimeout make progress while a render result is being awaited.
type eventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

func newEventLoop() *eventLoop {
	return &eventLoop{timers: make(map[int]*timerEntry)}
}

// registerTimer creates a timer entry and returns its ID.
func (el *eventLoop) registerTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{deadline: time.Now().Add(delay), id: id}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// clearTimer cancels a timer by ID.
func (el *eventLoop) clearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// hasPending reports whether any timers are registered.
func (el *eventLoop) hasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// reset drops all timers. Called between requests.
func (el *eventLoop) reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}

// fireNext fires the earliest pending timer, sleeping until it is due if
// necessary, and returns true if a callback ran. Returns false when no timer
// is pending or firing the next one would exceed the deadline. Must be
// called on the engine thread.
func (r *Runtime) fireNext(deadline time.Time) bool {
	el := r.loop
	el.mu.Lock()
	var next *timerEntry
	for _, t := range el.timers {
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	el.mu.Unlock()

	if next == nil {
		return false
	}

	now := time.Now()
	if next.deadline.After(now) {
		if next.deadline.After(deadline) {
			return false // would exceed the execution deadline
		}
		time.Sleep(next.deadline.Sub(now))
	}

	el.mu.Lock()
	if _, ok := el.timers[next.id]; !ok {
		el.mu.Unlock()
		return false // cleared while we slept
	}
	if next.interval > 0 {
		next.deadline = time.Now().Add(next.interval)
	} else {
		delete(el.timers, next.id)
	}
	el.mu.Unlock()

	// Errors from timer callbacks are swallowed, as for browser timers.
	_ = r.Eval(fmt.Sprintf("if (typeof __fire_timer === 'function') __fire_timer(%d);", next.id))
	r.RunMicrotasks()
	return true
}

// DrainTimers fires pending timers until none remain or the deadline is
// reached. Must be called on the engine thread.
func (r *Runtime) DrainTimers(deadline time.Time) {
	for r.loop.hasPending() {
		if time.Now().After(deadline) {
			return
		}
		if !r.fireNext(deadline) {
			return
		}
	}
}

// ResetTimers drops all pending timers and their JS callbacks. Called when
// the engine thread is released for the next request.
func (r *Runtime) ResetTimers() {
	r.loop.reset()
	_ = r.Eval("globalThis.__timerCallbacks = {};")
}

// timersJS wires setTimeout/setInterval/clearTimeout/clearInterval to the
// Go-backed event loop. Callbacks stay on the JS side keyed by timer ID.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};
	globalThis.__fire_timer = function(id) {
		var entry = globalThis.__timerCallbacks[id];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[id];
		try { entry.fn.apply(undefined, entry.args); } catch (e) {}
	};
	globalThis.setTimeout = function(fn, delay) {
		if (typeof fn !== 'function') return 0;
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timer_register(delay || 0, false);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args };
		return id;
	};
	globalThis.setInterval = function(fn, interval) {
		if (typeof fn !== 'function') return 0;
		var args = [];
		for (var i = 2; i < arguments.length; i++) args.push(arguments[i]);
		var id = __timer_register(interval || 0, true);
		globalThis.__timerCallbacks[id] = { fn: fn, args: args, interval: true };
		return id;
	};
	globalThis.clearTimeout = globalThis.clearInterval = function(id) {
		if (typeof id !== 'number') return;
		__timer_clear(id);
		delete globalThis.__timerCallbacks[id];
	};
})();
`

// setupTimers registers the Go halves of the timer functions and evaluates
// the JS glue. Called from bootstrap.
func (r *Runtime) setupTimers() error {
	if err := r.RegisterFunc("__timer_register", func(delayMs int, isInterval bool) int {
		return r.loop.registerTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return fmt.Errorf("registering __timer_register: %w", err)
	}
	if err := r.RegisterFunc("__timer_clear", func(id int) {
		r.loop.clearTimer(id)
	}); err != nil {
		return fmt.Errorf("registering __timer_clear: %w", err)
	}
	return r.Eval(timersJS)
}
