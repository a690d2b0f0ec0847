package ssrcore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mkroplewski/SsrCore/internal/engine"
)

// maxRequestBody caps how much of an inbound body is buffered before the
// request is handed to the engine. Bodies are always fully read on the Go
// side first; the engine never blocks on client I/O.
const maxRequestBody = 32 << 20

// buildEngineRequest materializes the inbound http.Request as a Request
// object in __ssr_req. Must run on the engine thread. The URL is made
// absolute (render code routes on it), headers pass through verbatim as
// append pairs, and the body is buffered and transferred only for methods
// that may carry one.
func buildEngineRequest(rt *engine.Runtime, req *http.Request, body []byte) error {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	url := scheme + "://" + req.Host + req.URL.RequestURI()

	pairs := make([][2]string, 0, len(req.Header))
	for name, values := range req.Header {
		for _, v := range values {
			pairs = append(pairs, [2]string{strings.ToLower(name), v})
		}
	}
	headersJSON, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("marshalling request headers: %w", err)
	}

	if err := rt.SetGlobal("__ssr_req_url", url); err != nil {
		return err
	}
	if err := rt.SetGlobal("__ssr_req_method", req.Method); err != nil {
		return err
	}
	if err := rt.SetGlobal("__ssr_req_headers", string(headersJSON)); err != nil {
		return err
	}

	bodyScript := ""
	if len(body) > 0 && req.Method != http.MethodGet && req.Method != http.MethodHead {
		if err := rt.WriteBinary("__ssr_req_body", body); err != nil {
			return fmt.Errorf("transferring request body: %w", err)
		}
		bodyScript = "init.body = new Uint8Array(globalThis.__ssr_req_body);"
	}

	script := fmt.Sprintf(`(function() {
	var init = {
		method: globalThis.__ssr_req_method,
		headers: JSON.parse(globalThis.__ssr_req_headers),
	};
	%s
	globalThis.__ssr_req = new Request(globalThis.__ssr_req_url, init);
	delete globalThis.__ssr_req_url;
	delete globalThis.__ssr_req_method;
	delete globalThis.__ssr_req_headers;
	delete globalThis.__ssr_req_body;
})()`, bodyScript)
	if err := rt.Eval(script); err != nil {
		return fmt.Errorf("constructing engine request: %w", err)
	}
	return nil
}

// readRequestBody drains the inbound body before any engine work starts.
func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Method == http.MethodGet || req.Method == http.MethodHead {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return body, nil
}

// responseHead is everything about a render Response except its body bytes:
// status, reason phrase, ordered header pairs, and which body extraction the
// pipeline should use.
type responseHead struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    [][2]string `json:"headers"`
	BodyKind   string      `json:"bodyKind"` // "none", "text", "web" or "node"
	Error      string      `json:"error"`
}

// extractResponseHead pulls status, headers and the body flavour out of the
// settled render result in __ssr_result. Must run on the engine thread. A
// result that is not Response-shaped yields ErrInvalidResponse.
func extractResponseHead(rt *engine.Runtime) (*responseHead, error) {
	raw, err := rt.EvalString(`(function() {
	var r = globalThis.__ssr_result;
	if (r === null || r === undefined) {
		return JSON.stringify({ error: 'render returned ' + (r === null ? 'null' : 'undefined') });
	}
	if (typeof r !== 'object' || typeof r.status !== 'number' || !(r.headers instanceof Headers)) {
		return JSON.stringify({ error: 'render returned ' + (typeof r) + ' instead of a Response' });
	}
	var pairs = [];
	var map = r.headers._map;
	var order = r.headers._order;
	for (var i = 0; i < order.length; i++) {
		var vals = map[order[i]];
		for (var j = 0; j < vals.length; j++) pairs.push([order[i], vals[j]]);
	}
	var kind = 'none';
	var b = r._body;
	if (b !== null && b !== undefined) {
		if (b instanceof Readable) kind = 'node';
		else if (b instanceof ReadableStream) kind = 'web';
		else kind = 'text';
	}
	return JSON.stringify({
		status: r.status,
		statusText: r.statusText || '',
		headers: pairs,
		bodyKind: kind,
	});
})()`)
	if err != nil {
		return nil, fmt.Errorf("extracting response head: %w", err)
	}
	var head responseHead
	if err := json.Unmarshal([]byte(raw), &head); err != nil {
		return nil, fmt.Errorf("parsing response head: %w", err)
	}
	if head.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, head.Error)
	}
	return &head, nil
}

// applyHead writes status and headers to the client. Called exactly once per
// request, strictly before any body byte. Appended duplicates come through
// as separate pairs and stay separate on the wire; the reason phrase cannot
// be carried by Go's HTTP stack and is kept for logging only.
func applyHead(w http.ResponseWriter, head *responseHead) {
	h := w.Header()
	for _, pair := range head.Headers {
		switch strings.ToLower(pair[0]) {
		case "content-length", "transfer-encoding", "connection":
			// Recomputed by the HTTP stack for the actual wire body.
			continue
		}
		h.Add(pair[0], pair[1])
	}
	w.WriteHeader(head.Status)
}

// readBodyText extracts the whole body as a string via the Response text()
// accessor. Must run on the engine thread. Used by String mode for every
// body flavour, including streams, which it drains to completion.
func readBodyText(rt *engine.Runtime, deadline time.Time) (string, error) {
	err := rt.Eval(`globalThis.__ssr_body = (globalThis.__ssr_result._body === null || globalThis.__ssr_result._body === undefined)
	? ''
	: globalThis.__ssr_result.text();`)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if err := rt.AwaitGlobal("__ssr_body", deadline); err != nil {
		return "", fmt.Errorf("settling response body: %w", err)
	}
	text, err := rt.EvalString("(function() { var b = globalThis.__ssr_body; delete globalThis.__ssr_body; return String(b); })()")
	if err != nil {
		return "", fmt.Errorf("collecting response body: %w", err)
	}
	return text, nil
}

// openBodyStream installs the pull adapter __ssr_next for the streamed body
// in __ssr_result, plus __ssr_cancel for teardown. Must run on the engine
// thread. Both flavours converge on the same contract: each call returns a
// promise of { done, value }.
func openBodyStream(rt *engine.Runtime, mode RenderMode) error {
	var script string
	switch mode {
	case RenderModeNodeStream:
		script = `(function() {
	var b = globalThis.__ssr_result._body;
	if (b instanceof Readable) {
		globalThis.__ssr_next = function() { return b._next(); };
		globalThis.__ssr_cancel = function() { b.destroy(); };
		return;
	}
	var reader = globalThis.__ssr_result.body.getReader();
	globalThis.__ssr_next = function() { return reader.read(); };
	globalThis.__ssr_cancel = function() { reader.cancel(); };
})()`
	default:
		script = `(function() {
	var reader = globalThis.__ssr_result.body.getReader();
	globalThis.__ssr_next = function() { return reader.read(); };
	globalThis.__ssr_cancel = function() { reader.cancel(); };
})()`
	}
	if err := rt.Eval(script); err != nil {
		return fmt.Errorf("opening body stream: %w", err)
	}
	return nil
}
