package engine

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestEvalString(t *testing.T) {
	rt := newTestRuntime(t)
	got, err := rt.EvalString("'hello ' + 'world'")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestEvalError(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.Eval("throw new Error('boom')")
	if err == nil {
		t.Fatal("expected error from throwing script")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not mention the thrown message", err)
	}
}

func TestSetGlobal(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.SetGlobal("__test_val", "abc"); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	got, err := rt.EvalString("globalThis.__test_val")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestRegisterFunc(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.RegisterFunc("__double", func(s string) string { return s + s })
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	got, err := rt.EvalString("__double('ab')")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "abab" {
		t.Errorf("got %q, want %q", got, "abab")
	}
}

func TestRegisterFuncErrorBecomesThrow(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.RegisterFunc("__fails", func(s string) (string, error) {
		return "", &pathError{msg: "no such thing: " + s}
	})
	if err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	got, err := rt.EvalString(`(function() {
		try { __fails('x'); return 'no throw'; }
		catch (e) { return 'caught: ' + e.message; }
	})()`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if !strings.Contains(got, "no such thing: x") {
		t.Errorf("got %q, want the Go error surfaced as an exception", got)
	}
}

type pathError struct{ msg string }

func (e *pathError) Error() string { return e.msg }

func TestBinaryRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	data := make([]byte, 100000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := rt.WriteBinary("__bin", data); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}
	n, err := rt.EvalInt("globalThis.__bin.byteLength")
	if err != nil {
		t.Fatalf("EvalInt: %v", err)
	}
	if n != len(data) {
		t.Fatalf("byteLength = %d, want %d", n, len(data))
	}
	got, err := rt.ReadBinary("__bin")
	if err != nil {
		t.Fatalf("ReadBinary: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped bytes differ")
	}
	ok, err := rt.EvalBool("typeof globalThis.__bin === 'undefined'")
	if err != nil || !ok {
		t.Fatalf("ReadBinary left the global behind (ok=%v err=%v)", ok, err)
	}
}

func TestAwaitGlobalResolved(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("globalThis.__p = Promise.resolve('done')"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := rt.AwaitGlobal("__p", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("AwaitGlobal: %v", err)
	}
	got, err := rt.EvalString("globalThis.__p")
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "done" {
		t.Errorf("settled value = %q, want %q", got, "done")
	}
}

func TestAwaitGlobalRejected(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("globalThis.__p = Promise.reject(new Error('nope'))"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	err := rt.AwaitGlobal("__p", time.Now().Add(time.Second))
	if err == nil {
		t.Fatal("expected error for rejected promise")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error %q does not carry the rejection reason", err)
	}
}

func TestAwaitGlobalNonPromise(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("globalThis.__p = 42"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := rt.AwaitGlobal("__p", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("AwaitGlobal on plain value: %v", err)
	}
}

func TestAwaitGlobalWithTimer(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.Eval(`globalThis.__p = new Promise(function(resolve) {
		setTimeout(function() { resolve('ticked'); }, 30);
	})`)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := rt.AwaitGlobal("__p", time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("AwaitGlobal: %v", err)
	}
	got, _ := rt.EvalString("globalThis.__p")
	if got != "ticked" {
		t.Errorf("settled value = %q, want %q", got, "ticked")
	}
}

func TestAwaitGlobalDeadline(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("globalThis.__p = new Promise(function() {})"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	start := time.Now()
	err := rt.AwaitGlobal("__p", time.Now().Add(100*time.Millisecond))
	if err == nil {
		t.Fatal("expected deadline error for a promise that never settles")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("AwaitGlobal took far longer than its deadline")
	}
}

func TestConsoleSink(t *testing.T) {
	rt := newTestRuntime(t)
	var levels, messages []string
	rt.SetConsoleSink(func(level, message string) {
		levels = append(levels, level)
		messages = append(messages, message)
	})
	if err := rt.Eval("console.log('a', 1); console.error('bad')"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(levels) != 2 || levels[0] != "log" || levels[1] != "error" {
		t.Fatalf("levels = %v", levels)
	}
	if !strings.Contains(messages[0], "a") || !strings.Contains(messages[1], "bad") {
		t.Fatalf("messages = %v", messages)
	}
}

func TestShimTextRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	got, err := rt.EvalString(`new TextDecoder().decode(new TextEncoder().encode('héllo ✓ 世界'))`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "héllo ✓ 世界" {
		t.Errorf("got %q", got)
	}
}

func TestShimHeaders(t *testing.T) {
	rt := newTestRuntime(t)
	got, err := rt.EvalString(`(function() {
		var h = new Headers([['X-One', 'a'], ['x-one', 'b'], ['X-Two', 'c']]);
		return h.get('x-one') + '|' + h.get('X-Two');
	})()`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "a, b|c" {
		t.Errorf("got %q, want %q", got, "a, b|c")
	}
}

func TestShimResponse(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval(`globalThis.__p = new Response('<p>hi</p>', {
		status: 201,
		headers: { 'Content-Type': 'text/html' },
	}).text()`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := rt.AwaitGlobal("__p", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("AwaitGlobal: %v", err)
	}
	got, _ := rt.EvalString("globalThis.__p")
	if got != "<p>hi</p>" {
		t.Errorf("text() = %q", got)
	}
}

func TestShimResponseRejectsBadStatus(t *testing.T) {
	rt := newTestRuntime(t)
	ok, err := rt.EvalBool(`(function() {
		try { new Response('x', { status: 99 }); return false; }
		catch (e) { return e instanceof RangeError; }
	})()`)
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !ok {
		t.Error("status 99 did not raise a RangeError")
	}
}

func TestShimURL(t *testing.T) {
	rt := newTestRuntime(t)
	got, err := rt.EvalString(`(function() {
		var u = new URL('https://example.com/items?page=2&q=go');
		return u.pathname + '|' + u.searchParams.get('page') + '|' + u.searchParams.get('q');
	})()`)
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if got != "/items|2|go" {
		t.Errorf("got %q", got)
	}
}

func TestShimReadableStream(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval(`(function() {
		var s = new ReadableStream({
			start(c) { c.enqueue('one'); c.enqueue('two'); c.close(); }
		});
		var reader = s.getReader();
		globalThis.__p = reader.read().then(function(a) {
			return reader.read().then(function(b) {
				return reader.read().then(function(c) {
					return a.value + '|' + b.value + '|' + c.done;
				});
			});
		});
	})()`); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if err := rt.AwaitGlobal("__p", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("AwaitGlobal: %v", err)
	}
	got, _ := rt.EvalString("globalThis.__p")
	if got != "one|two|true" {
		t.Errorf("got %q", got)
	}
}

func TestResetTimersClearsPending(t *testing.T) {
	rt := newTestRuntime(t)
	if err := rt.Eval("setTimeout(function() { globalThis.__fired = true; }, 10)"); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	rt.ResetTimers()
	rt.DrainTimers(time.Now().Add(100 * time.Millisecond))
	ok, err := rt.EvalBool("typeof globalThis.__fired === 'undefined'")
	if err != nil || !ok {
		t.Fatalf("cleared timer still fired (ok=%v err=%v)", ok, err)
	}
}
