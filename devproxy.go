package ssrcore

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// devProxyClient talks to the dev server. Redirects pass through to the
// browser untouched and bodies stay in whatever encoding the dev server
// chose.
var devProxyClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
	Transport: &http.Transport{DisableCompression: true},
}

// hopByHopHeaders are connection-scoped and never forwarded either way.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxyToDev gives the dev server first claim on a request. Asset hits are
// relayed verbatim; a 404 means the dev server does not own the path and the
// request falls through to SSR, as does any forwarding failure that left the
// response untouched. WebSocket upgrades are bridged so HMR works through the
// single origin. Requests with bodies skip the proxy entirely, since a
// consumed body could not be replayed into the render afterwards.
func (r *Renderer) proxyToDev(w http.ResponseWriter, req *http.Request) (bool, error) {
	if isWebSocketUpgrade(req) {
		return true, r.bridgeWebSocket(w, req)
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false, nil
	}

	upstream, err := http.NewRequestWithContext(req.Context(), req.Method, r.resolver.devURL+req.URL.RequestURI(), nil)
	if err != nil {
		return false, err
	}
	copyProxyHeaders(upstream.Header, req.Header)

	resp, err := devProxyClient.Do(upstream)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	copyProxyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flushingCopy(w, resp.Body)
	return true, nil
}

func isWebSocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade")
}

func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func flushingCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// bridgeWebSocket splices a client WebSocket onto the dev server's. Frames
// relay in both directions until either side closes.
func (r *Renderer) bridgeWebSocket(w http.ResponseWriter, req *http.Request) error {
	target := "ws" + strings.TrimPrefix(r.resolver.devURL, "http") + req.URL.RequestURI()

	var subprotocols []string
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			subprotocols = append(subprotocols, strings.TrimSpace(p))
		}
	}

	upstream, _, err := websocket.Dial(req.Context(), target, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		// An upgrade request has no meaningful SSR fallback; answer for it
		// here so the caller can treat the request as handled.
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return err
	}

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: []string{"*"}}
	if sub := upstream.Subprotocol(); sub != "" {
		acceptOpts.Subprotocols = []string{sub}
	}
	client, err := websocket.Accept(w, req, acceptOpts)
	if err != nil {
		upstream.Close(websocket.StatusInternalError, "client accept failed")
		return err
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	done := make(chan struct{}, 2)
	go relayWebSocket(ctx, client, upstream, done)
	go relayWebSocket(ctx, upstream, client, done)
	<-done

	client.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")
	return nil
}

func relayWebSocket(ctx context.Context, dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return
		}
	}
}
