package ssrcore

import "time"

// RenderMode selects how a render Response body is extracted. It is an
// operator choice fixed for the process lifetime, never negotiated
// per-request: String mode always reads the body as text, the stream modes
// always run the body through the streaming pipeline.
type RenderMode int

const (
	// RenderModeString reads the body atomically via the Response text()
	// accessor and writes it in one shot. Never touches the pipeline.
	RenderModeString RenderMode = iota

	// RenderModeWebStream treats the body as a Fetch-API ReadableStream and
	// pulls it chunk by chunk through the streaming pipeline.
	RenderModeWebStream

	// RenderModeNodeStream treats the body as a runtime-native Readable and
	// pulls it through the same pipeline with the native adapter.
	RenderModeNodeStream
)

func (m RenderMode) String() string {
	switch m {
	case RenderModeString:
		return "string"
	case RenderModeWebStream:
		return "webstream"
	case RenderModeNodeStream:
		return "nodestream"
	default:
		return "unknown"
	}
}

// LogEntry is a single console.log/warn/error captured from render code.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Config holds the renderer configuration. All fields are fixed at
// construction; the service registration set in particular never changes at
// runtime.
type Config struct {
	// Dev selects the development bootstrap path: the render module is
	// loaded fresh from the dev server on every request and non-SSR
	// requests are proxied to it. When false, the precompiled module at
	// SourceRoot/Entry is imported exactly once.
	Dev bool

	// SourceRoot is the directory the embedded runtime resolves modules
	// from: the application source tree in dev, the precompiled module
	// directory in prod.
	SourceRoot string

	// Entry is the server-entry path relative to SourceRoot.
	// Defaults to "entry-server.js".
	Entry string

	// EntryFunction is the dot-separated export path of the render
	// function. Defaults to "default".
	EntryFunction string

	// Mode is the render body extraction mode (see RenderMode).
	Mode RenderMode

	// Services is the fixed set of host services exposed to render code as
	// the second render argument.
	Services []ServiceRegistration

	// DevServer overrides the built-in esbuild dev server. Only consulted
	// when Dev is true.
	DevServer DevServer

	// MemoryLimitMB caps the engine heap. Zero means no limit.
	MemoryLimitMB int

	// RenderTimeout bounds one render call, including promise settling and
	// stream pulls. Defaults to 30s.
	RenderTimeout time.Duration

	// StreamWindow is the number of chunks the streaming pipeline may
	// buffer before the producer is suspended. Defaults to 4.
	StreamWindow int

	// Compress enables brotli/gzip compression of String-mode bodies when
	// the client advertises support. Streamed bodies are never compressed.
	Compress bool

	// ConsoleOutput, when set, receives console output captured from render
	// code. When nil, entries are written to the process log.
	ConsoleOutput func(LogEntry)
}

func (c Config) withDefaults() Config {
	if c.Entry == "" {
		c.Entry = "entry-server.js"
	}
	if c.EntryFunction == "" {
		c.EntryFunction = "default"
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 30 * time.Second
	}
	if c.StreamWindow <= 0 {
		c.StreamWindow = 4
	}
	return c
}
