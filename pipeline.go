package ssrcore

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkroplewski/SsrCore/internal/bytechan"
	"github.com/mkroplewski/SsrCore/internal/engine"
)

// stageChunkJS inspects the settled pull result and, for a data chunk,
// copies the bytes into a fresh ArrayBuffer under __ssr_chunk so the host
// can lift them out. Returns "done", "empty" or "chunk".
const stageChunkJS = `(function() {
	var r = globalThis.__ssr_pull;
	delete globalThis.__ssr_pull;
	if (!r || r.done) return 'done';
	var v = r.value;
	var bytes;
	if (typeof v === 'string') bytes = new TextEncoder().encode(v);
	else if (v instanceof ArrayBuffer) bytes = new Uint8Array(v);
	else if (ArrayBuffer.isView(v)) bytes = new Uint8Array(v.buffer, v.byteOffset, v.byteLength);
	else if (v === null || v === undefined) bytes = new Uint8Array(0);
	else bytes = new TextEncoder().encode(String(v));
	if (bytes.length === 0) return 'empty';
	var buf = new ArrayBuffer(bytes.length);
	new Uint8Array(buf).set(bytes);
	globalThis.__ssr_chunk = buf;
	return 'chunk';
})()`

// pumpBody is the producer half of the streaming pipeline. It runs inside
// the engine unit of work: pull a chunk via __ssr_next, settle it, lift the
// bytes out, hand them to the channel. Send blocks while the channel window
// is full, which is exactly the backpressure that keeps the engine from
// racing ahead of a slow client.
//
// A zero-byte read is the stream's natural end and terminates the loop the
// same way done does. A vanished consumer is not a render fault: the
// engine-side source is cancelled and the loop ends cleanly. Any other error
// is returned for the channel to record as the stream fault.
func pumpBody(rt *engine.Runtime, ch *bytechan.Chan, deadline time.Time) error {
	for {
		if err := rt.Eval("globalThis.__ssr_pull = globalThis.__ssr_next()"); err != nil {
			cancelBodyStream(rt)
			return fmt.Errorf("pulling body chunk: %w", err)
		}
		if err := rt.AwaitGlobal("__ssr_pull", deadline); err != nil {
			cancelBodyStream(rt)
			return fmt.Errorf("settling body chunk: %w", err)
		}
		state, err := rt.EvalString(stageChunkJS)
		if err != nil {
			cancelBodyStream(rt)
			return fmt.Errorf("staging body chunk: %w", err)
		}
		if state == "done" || state == "empty" {
			return nil
		}
		chunk, err := rt.ReadBinary("__ssr_chunk")
		if err != nil {
			cancelBodyStream(rt)
			return fmt.Errorf("reading body chunk: %w", err)
		}
		if err := ch.Send(chunk); err != nil {
			cancelBodyStream(rt)
			return nil
		}
	}
}

// cancelBodyStream tells the engine-side source to stop producing. Runs on
// the engine thread; errors are moot since the stream is being torn down.
func cancelBodyStream(rt *engine.Runtime) {
	_ = rt.Eval(`(function() {
	if (typeof globalThis.__ssr_cancel === 'function') {
		try { globalThis.__ssr_cancel(); } catch (e) {}
	}
})()`)
	rt.RunMicrotasks()
}

// streamToClient is the consumer half: drain the channel into the response
// writer, flushing after every chunk so bytes reach the client as they are
// produced. A write error means the client went away; the channel receive is
// cancelled and the producer winds down on its own. The returned error is a
// mid-stream render fault (head already sent), nil otherwise.
func streamToClient(w http.ResponseWriter, ch *bytechan.Chan) error {
	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := ch.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, werr := w.Write(chunk); werr != nil {
			ch.CancelRecv()
			return nil
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
