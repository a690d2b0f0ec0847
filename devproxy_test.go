package ssrcore

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// upstreamDevServer fronts an httptest server as a DevServer.
type upstreamDevServer struct {
	url    string
	source string
}

func (u *upstreamDevServer) Start() (string, error) { return u.url, nil }
func (u *upstreamDevServer) ModuleSource(entryPath string) (string, error) {
	return u.source, nil
}
func (u *upstreamDevServer) Close() error { return nil }

func newDevProxyRenderer(t *testing.T, upstream http.Handler) (*Renderer, *httptest.Server) {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	r := newTestRenderer(t, Config{
		Dev:        true,
		SourceRoot: t.TempDir(),
		Mode:       RenderModeString,
		DevServer: &upstreamDevServer{
			url: up.URL,
			source: `export default function render(request) {
	return new Response('rendered: ' + new URL(request.url).pathname);
}`,
		},
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func TestDevProxyRelaysAssets(t *testing.T) {
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/assets/app.js" {
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set("X-Dev-Marker", "upstream")
			w.WriteHeader(200)
			io.WriteString(w, "console.log('asset');")
			return
		}
		http.NotFound(w, req)
	}))

	resp, err := http.Get(srv.URL + "/assets/app.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "console.log('asset');" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Dev-Marker") != "upstream" {
		t.Errorf("upstream header lost: %v", resp.Header)
	}
	if resp.Header.Get("Content-Type") != "application/javascript" {
		t.Errorf("content-type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestDevProxy404FallsThroughToRender(t *testing.T) {
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	}))

	resp, err := http.Get(srv.URL + "/some/page")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want render to handle the miss", resp.StatusCode)
	}
	if string(body) != "rendered: /some/page" {
		t.Errorf("body = %q", body)
	}
}

func TestDevProxyPreservesUpstreamStatus(t *testing.T) {
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Anything but 404 belongs to the dev server, errors included.
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "short and stout")
	}))

	resp, err := http.Get(srv.URL + "/whatever")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want upstream 418 relayed", resp.StatusCode)
	}
}

func TestDevProxySkipsRequestsWithBodies(t *testing.T) {
	upstreamHits := 0
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upstreamHits++
		http.NotFound(w, req)
	}))

	resp, err := http.Post(srv.URL+"/submit", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if upstreamHits != 0 {
		t.Errorf("POST reached the dev server %d times", upstreamHits)
	}
	if string(body) != "rendered: /submit" {
		t.Errorf("body = %q", body)
	}
}

func TestDevProxyFailureFallsThroughToRender(t *testing.T) {
	// A dev server that is down must not take routes with it: forwarding
	// failures log and the render still answers.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadURL := "http://" + ln.Addr().String()
	ln.Close()

	r := newTestRenderer(t, Config{
		Dev:        true,
		SourceRoot: t.TempDir(),
		Mode:       RenderModeString,
		DevServer: &upstreamDevServer{
			url: deadURL,
			source: `export default function render(request) {
	return new Response('rendered: ' + new URL(request.url).pathname);
}`,
		},
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/page")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want render to answer despite dead dev server", resp.StatusCode)
	}
	if string(body) != "rendered: /page" {
		t.Errorf("body = %q", body)
	}
}

func TestDevProxyBridgesWebSockets(t *testing.T) {
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/hmr" {
			http.NotFound(w, req)
			return
		}
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := req.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte("dev says hi")); err != nil {
			return
		}
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		conn.Write(ctx, websocket.MessageText, []byte("echo:"+string(msg)))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/hmr", nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Upstream → client through the bridge.
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if string(msg) != "dev says hi" {
		t.Errorf("greeting = %q", msg)
	}

	// Client → upstream and back.
	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(msg) != "echo:ping" {
		t.Errorf("echo = %q", msg)
	}
}

func TestDevProxyDoesNotFollowRedirects(t *testing.T) {
	_, srv := newDevProxyRenderer(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/elsewhere", http.StatusFound)
	}))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/old-path")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want the redirect passed through", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("location = %q", loc)
	}
}
