package httpengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/bus"
	"github.com/nodegrove/apphost/internal/pipe"
)

// Engine drives one connection's HTTP/1.1 (and, on upgrade, WebSocket or
// SSE) protocol state machine over one Pipe.
type Engine struct {
	Role Role
	pipe *pipe.Pipe

	mu        sync.Mutex
	protocol  Protocol
	readState ReadState

	headers  *Headers
	trailers *Headers

	reqLine *RequestLine
	stsLine *StatusLine

	bodyRemaining int64
	chunked       bool
	expectTrailer bool
	bodyStarted   bool

	keepAlive bool
	sent      bool

	events *bus.Bus
	ended  chan struct{}
	endErr error
	endOnce sync.Once

	// WebSocket fragmentation state, see websocket.go.
	wsFragments      []byte
	wsFragmentOpcode int
	wsFragmenting    bool
	wsClosed         bool

	// SSE client-side line accumulation, see sse.go.
	sseLines []string
}

// New creates an Engine bound to conn with the given role.
func New(role Role, conn pipe.Conn) *Engine {
	return &Engine{
		Role:   role,
		pipe:   pipe.New(conn),
		events: bus.New(),
		ended:  make(chan struct{}),
	}
}

// Pipe exposes the underlying byte pipe for components (e.g. static file
// streaming) that need to write raw bytes without going through the
// header machinery again.
func (e *Engine) Pipe() *pipe.Pipe { return e.pipe }

// On subscribes to an engine lifecycle event: "error", "readDone",
// "close".
func (e *Engine) On(event string, fn bus.Handler) func() { return e.events.On(event, fn) }

// Protocol returns the currently active protocol.
func (e *Engine) Protocol() Protocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocol
}

// State returns the current read-state.
func (e *Engine) State() ReadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readState
}

// Headers returns the parsed request/response headers (nil before Start
// completes).
func (e *Engine) Headers() *Headers { return e.headers }

// RequestLine returns the parsed request line (server role).
func (e *Engine) RequestLine() *RequestLine { return e.reqLine }

// StatusLine returns the parsed status line (client role).
func (e *Engine) StatusLine() *StatusLine { return e.stsLine }

// KeepAlive reports whether the connection should be reused after the
// current message completes.
func (e *Engine) KeepAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepAlive
}

// Ended returns a channel closed once the connection has terminated
// (cleanly or with an error); check Err() after it closes.
func (e *Engine) Ended() <-chan struct{} { return e.ended }

// Err returns the error that ended the connection, if any.
func (e *Engine) Err() error { return e.endErr }

func (e *Engine) fail(kind apperr.Kind, op string, err error) error {
	wrapped := apperr.Wrap(kind, op, err)
	e.mu.Lock()
	e.readState = StateError
	e.mu.Unlock()
	e.events.Emit("error", wrapped)
	e.endOnce.Do(func() {
		e.endErr = wrapped
		close(e.ended)
	})
	return wrapped
}

// Start reads the first line (request-line for a server, status-line
// for a client) then headers up to the terminating empty line, and
// classifies framing/protocol via analyzeHeaders.
func (e *Engine) Start() error {
	e.mu.Lock()
	e.readState = StateStartLine
	e.mu.Unlock()

	line, err := e.pipe.ReadLine(DefaultMaxLine)
	if err != nil {
		return e.fail(kindFor(err), "engine.Start", err)
	}

	if e.Role == RoleServer {
		rl, err := parseRequestLine(line)
		if err != nil {
			return e.fail(apperr.KindParse, "engine.Start", err)
		}
		e.reqLine = rl
	} else {
		sl, err := parseStatusLine(line)
		if err != nil {
			return e.fail(apperr.KindParse, "engine.Start", err)
		}
		e.stsLine = sl
	}

	e.mu.Lock()
	e.readState = StateHeaders
	e.mu.Unlock()

	headers, err := e.readHeaderBlock()
	if err != nil {
		return e.fail(kindFor(err), "engine.Start", err)
	}
	e.headers = headers

	e.analyzeHeaders()
	return nil
}

// DefaultMaxLine bounds the request/status line and each header line.
const DefaultMaxLine = 65536

func (e *Engine) readHeaderBlock() (*Headers, error) {
	h := NewHeaders()
	for {
		line, err := e.pipe.ReadLine(DefaultMaxLine)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, apperr.New(apperr.KindParse, "engine.readHeaderBlock", errors.New("malformed header line"))
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		h.Add(key, val)
	}
	return h, nil
}

func parseRequestLine(line string) (*RequestLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errors.New("malformed request line")
	}
	path, query := splitTarget(parts[1])
	return &RequestLine{Method: parts[0], Target: parts[1], Path: path, Query: query, Version: parts[2]}, nil
}

func parseStatusLine(line string) (*StatusLine, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, errors.New("malformed status line")
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code: %w", err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return &StatusLine{Version: parts[0], Code: code, Reason: reason}, nil
}

// analyzeHeaders determines framing (fixed/chunked/none) and protocol
// (HTTP/WS/SSE) from the parsed headers, per spec.
func (e *Engine) analyzeHeaders() {
	h := e.headers

	if h.ContainsToken("Connection", "upgrade") && strings.EqualFold(h.Get("Upgrade"), "websocket") {
		e.protocol = ProtocolWS
		e.readState = StateUpgraded
		return
	}

	if strings.HasPrefix(strings.ToLower(h.Get("Content-Type")), "text/event-stream") {
		e.protocol = ProtocolSSE
	} else {
		e.protocol = ProtocolHTTP
	}

	version := e.version()
	if strings.EqualFold(version, "HTTP/1.0") {
		e.keepAlive = h.ContainsToken("Connection", "keep-alive")
	} else {
		e.keepAlive = !h.ContainsToken("Connection", "close")
	}

	switch {
	case h.ContainsToken("Transfer-Encoding", "chunked"):
		e.chunked = true
		e.expectTrailer = h.Has("Trailer")
		e.readState = StateBody
	case h.Has("Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(h.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			n = 0
		}
		e.bodyRemaining = n
		e.readState = StateBody
		if n == 0 {
			e.readState = StateDone
			e.events.Emit("readDone", nil)
		}
	default:
		e.bodyRemaining = 0
		e.readState = StateDone
		e.events.Emit("readDone", nil)
	}
}

func (e *Engine) version() string {
	if e.reqLine != nil {
		return e.reqLine.Version
	}
	if e.stsLine != nil {
		return e.stsLine.Version
	}
	return "HTTP/1.1"
}

func kindFor(err error) apperr.Kind {
	if apperr.Is(err, apperr.KindIO) {
		return apperr.KindIO
	}
	return apperr.KindParse
}

// Reuse resets the engine's read side to IDLE and clears the sent flag
// so the same connection can serve another request/response. It is only
// valid from DONE, and asserts that a response/request was written.
func (e *Engine) Reuse() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readState != StateDone {
		return apperr.New(apperr.KindProtocol, "engine.Reuse", errors.New("reuse only valid from DONE"))
	}
	if !e.sent {
		return apperr.New(apperr.KindProtocol, "engine.Reuse", errors.New("reuse requires a response to have been sent"))
	}
	e.readState = StateIdle
	e.sent = false
	e.headers = nil
	e.trailers = nil
	e.reqLine = nil
	e.stsLine = nil
	e.bodyRemaining = 0
	e.chunked = false
	e.expectTrailer = false
	e.bodyStarted = false
	return nil
}

// Close closes the underlying pipe and resolves Ended().
func (e *Engine) Close() error {
	err := e.pipe.Close()
	e.endOnce.Do(func() {
		e.endErr = err
		close(e.ended)
	})
	e.events.Emit("close", err)
	return err
}
