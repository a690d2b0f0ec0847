package ssrcore

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/fsnotify/fsnotify"
)

// reloadPath is the WebSocket endpoint dev pages connect to for change
// notifications. Any write under the source root broadcasts "reload".
const reloadPath = "/__ssr_reload"

// EsbuildDevServer is the built-in DevServer: it serves source files
// statically, compiles the server entry with esbuild on every ModuleSource
// call, and pushes reload notifications when the source tree changes.
//
// Paths the server has no file for get a plain 404, which is the signal the
// proxy uses to fall through to SSR.
type EsbuildDevServer struct {
	root string

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	ln      net.Listener
	srv     *http.Server
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewEsbuildDevServer(root string) *EsbuildDevServer {
	return &EsbuildDevServer{
		root:  root,
		conns: make(map[*websocket.Conn]struct{}),
		done:  make(chan struct{}),
	}
}

func (s *EsbuildDevServer) Start() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening for dev server: %w", err)
	}
	s.ln = ln

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ln.Close()
		return "", fmt.Errorf("creating file watcher: %w", err)
	}
	s.watcher = watcher
	if err := s.watchTree(s.root); err != nil {
		watcher.Close()
		ln.Close()
		return "", err
	}
	go s.watchLoop()

	mux := http.NewServeMux()
	mux.HandleFunc(reloadPath, s.handleReload)
	mux.HandleFunc("/", s.handleStatic)
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("ssr dev: server stopped: %v", err)
		}
	}()

	return "http://" + ln.Addr().String(), nil
}

// ModuleSource compiles the entry from scratch. No cache: the whole point of
// dev mode is that the next request reflects the current file contents.
func (s *EsbuildDevServer) ModuleSource(entryPath string) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(entryPath))
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints: []string{full},
		Bundle:      true,
		Format:      esbuild.FormatESModule,
		Write:       false,
		Platform:    esbuild.PlatformBrowser,
		Target:      esbuild.ES2020,
		Sourcemap:   esbuild.SourceMapNone,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%s:%d:%d: %s", e.Location.File, e.Location.Line, e.Location.Column, e.Text))
			} else {
				msgs = append(msgs, e.Text)
			}
		}
		return "", fmt.Errorf("compiling %s: %s", entryPath, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("compiling %s produced no output", entryPath)
	}
	return string(result.OutputFiles[0].Contents), nil
}

func (s *EsbuildDevServer) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close(websocket.StatusGoingAway, "dev server shutting down")
	}
	s.conns = map[*websocket.Conn]struct{}{}
	s.mu.Unlock()
	if s.srv != nil {
		return s.srv.Close()
	}
	return nil
}

// handleStatic serves an existing regular file under the root, 404 for
// everything else. No directory listings, no index fallback.
func (s *EsbuildDevServer) handleStatic(w http.ResponseWriter, req *http.Request) {
	rel := strings.TrimPrefix(filepath.Clean("/"+req.URL.Path), "/")
	full := filepath.Join(s.root, rel)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, req)
		return
	}
	http.ServeFile(w, req, full)
}

func (s *EsbuildDevServer) handleReload(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	// Hold the connection open; the read loop only exists to notice the
	// client going away.
	ctx := req.Context()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close(websocket.StatusNormalClosure, "")
}

// watchTree registers the root and every subdirectory; fsnotify does not
// recurse on its own.
func (s *EsbuildDevServer) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == "node_modules" || strings.HasPrefix(name, ".") && path != dir {
				return filepath.SkipDir
			}
			return s.watcher.Add(path)
		}
		return nil
	})
}

// watchLoop coalesces change bursts (editors typically fire several events
// per save) into one reload broadcast.
func (s *EsbuildDevServer) watchLoop() {
	var pending *time.Timer
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = s.watchTree(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(50*time.Millisecond, func() { s.broadcast("reload") })
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *EsbuildDevServer) broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.Write(ctx, websocket.MessageText, []byte(msg))
		cancel()
	}
}
