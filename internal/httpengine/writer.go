package httpengine

import (
	"fmt"
	"strconv"

	"github.com/nodegrove/apphost/internal/apperr"
)

// WriteRequest writes a client request line, headers, and body. It
// asserts a response/request has not already been sent on this engine.
func (e *Engine) WriteRequest(method, target string, headers *Headers, body []byte) error {
	if err := e.assertNotSent(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s %s HTTP/1.1", method, target)
	return e.writeMessage(line, headers, body)
}

// WriteResponse writes a server status line, headers, and body.
func (e *Engine) WriteResponse(code int, reason string, headers *Headers, body []byte) error {
	if err := e.assertNotSent(); err != nil {
		return err
	}
	if reason == "" {
		reason = reasonPhrase(code)
	}
	line := fmt.Sprintf("HTTP/1.1 %d %s", code, reason)
	return e.writeMessage(line, headers, body)
}

func (e *Engine) assertNotSent() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sent {
		return apperr.ErrAlreadySent
	}
	return nil
}

func (e *Engine) writeMessage(startLine string, headers *Headers, body []byte) error {
	if headers == nil {
		headers = NewHeaders()
	} else {
		headers = headers.Clone()
	}

	if e.Protocol() == ProtocolHTTP && !headers.Has("Content-Length") && !headers.Has("Transfer-Encoding") {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}

	var out []byte
	out = append(out, startLine...)
	out = append(out, "\r\n"...)
	headers.Each(func(k, v string) {
		out = append(out, k...)
		out = append(out, ": "...)
		out = append(out, v...)
		out = append(out, "\r\n"...)
	})
	out = append(out, "\r\n"...)
	out = append(out, body...)

	if err := e.pipe.Write(out); err != nil {
		return e.fail(apperr.KindIO, "engine.writeMessage", err)
	}

	e.mu.Lock()
	e.sent = true
	e.mu.Unlock()
	return nil
}

// WriteChunk writes one chunked-encoding chunk. The caller must have
// already written headers announcing Transfer-Encoding: chunked via
// WriteResponse/WriteRequest with an empty body.
func (e *Engine) WriteChunk(data []byte) error {
	line := fmt.Sprintf("%x\r\n", len(data))
	buf := append([]byte(line), data...)
	buf = append(buf, "\r\n"...)
	if err := e.pipe.Write(buf); err != nil {
		return e.fail(apperr.KindIO, "engine.WriteChunk", err)
	}
	return nil
}

// EndChunked writes the terminating zero-length chunk, optional
// trailers, and the final blank line.
func (e *Engine) EndChunked(trailers *Headers) error {
	var out []byte
	out = append(out, "0\r\n"...)
	if trailers != nil {
		trailers.Each(func(k, v string) {
			out = append(out, k...)
			out = append(out, ": "...)
			out = append(out, v...)
			out = append(out, "\r\n"...)
		})
	}
	out = append(out, "\r\n"...)
	if err := e.pipe.Write(out); err != nil {
		return e.fail(apperr.KindIO, "engine.EndChunked", err)
	}
	return nil
}

// WriteRaw writes bytes directly to the pipe, bypassing message framing
// — used by streaming responses that manage their own body encoding.
func (e *Engine) WriteRaw(data []byte) error {
	if err := e.pipe.Write(data); err != nil {
		return e.fail(apperr.KindIO, "engine.WriteRaw", err)
	}
	return nil
}

// MarkSent lets a caller that wrote a response through WriteRaw (e.g.
// the SSE/WebSocket upgrade path) tell the engine a response has gone
// out, so a second write attempt is rejected the same way it would be
// after WriteResponse.
func (e *Engine) MarkSent() {
	e.mu.Lock()
	e.sent = true
	e.mu.Unlock()
}

// Sent reports whether a response/request has already been written.
func (e *Engine) Sent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func reasonPhrase(code int) string {
	if r, ok := statusText[code]; ok {
		return r
	}
	return "Unknown"
}

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	409: "Conflict",
	416: "Range Not Satisfiable",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
}
