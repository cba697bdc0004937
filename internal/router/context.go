package router

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/httpengine"
	"github.com/nodegrove/apphost/internal/shared/id"
)

// defaultBodyLimit bounds Context.Bytes/JSON reads when the caller does
// not specify one.
const defaultBodyLimit = 10 << 20 // 10 MiB

// Context is the per-request façade handlers and middleware operate on.
// It borrows the connection's Engine for the duration of one request and
// caches the parsed body across repeated Bytes/Text/JSON calls.
type Context struct {
	engine *httpengine.Engine
	req    *httpengine.RequestLine
	params map[string]string
	query  map[string][]string
	state  map[string]any

	RequestID string

	bodyRead bool
	bodyErr  error
	bodyBuf  []byte

	statusCode int
	respSize   int64
	aborted    bool
}

func newContext(engine *httpengine.Engine, params map[string]string) *Context {
	c := &Context{
		engine:     engine,
		req:        engine.RequestLine(),
		params:     params,
		state:      make(map[string]any),
		statusCode: 200,
		RequestID:  id.NewRequestID().String(),
	}
	if c.req != nil {
		c.query = parseQuery(c.req.Query)
	}
	return c
}

func parseQuery(raw string) map[string][]string {
	out := make(map[string][]string)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[k] = append(out[k], v)
	}
	return out
}

// Method returns the request method.
func (c *Context) Method() string {
	if c.req == nil {
		return ""
	}
	return c.req.Method
}

// Path returns the request path (without query string).
func (c *Context) Path() string {
	if c.req == nil {
		return ""
	}
	return c.req.Path
}

// Param returns a matched path parameter, or "" if absent.
func (c *Context) Param(name string) string { return c.params[name] }

// Query returns the first value of a query parameter, or "" if absent.
func (c *Context) Query(name string) string {
	vs := c.query[name]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// QueryDefault returns Query(name), or def if the parameter is absent.
func (c *Context) QueryDefault(name, def string) string {
	if vs, ok := c.query[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return def
}

// Header returns a request header value.
func (c *Context) Header(name string) string {
	if c.engine.Headers() == nil {
		return ""
	}
	return c.engine.Headers().Get(name)
}

// Set stores a value in per-request state, visible to downstream
// middleware and the handler.
func (c *Context) Set(key string, value any) { c.state[key] = value }

// Get retrieves a value previously stored with Set.
func (c *Context) Get(key string) (any, bool) { v, ok := c.state[key]; return v, ok }

// Engine exposes the underlying HTTP engine for advanced use (SSE,
// WebSocket upgrade, raw streaming).
func (c *Context) Engine() *httpengine.Engine { return c.engine }

// Bytes reads and caches the full request body, bounded by
// defaultBodyLimit.
func (c *Context) Bytes() ([]byte, error) {
	if !c.bodyRead {
		c.bodyBuf, c.bodyErr = c.engine.ReadBodyAll(defaultBodyLimit)
		c.bodyRead = true
	}
	return c.bodyBuf, c.bodyErr
}

// Text reads the request body as a UTF-8 string.
func (c *Context) Text() (string, error) {
	b, err := c.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON reads the request body and unmarshals it into v.
func (c *Context) JSON(v any) error {
	b, err := c.Bytes()
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(b, v); err != nil {
		return apperr.Wrap(apperr.KindParse, "context.JSON", err)
	}
	return nil
}

// Status sets the response status code for a subsequent Send/JSON call.
func (c *Context) Status(code int) *Context {
	c.statusCode = code
	return c
}

// StatusCode returns the status code the response was (or will be) sent
// with, for access-log and metrics middleware.
func (c *Context) StatusCode() int { return c.statusCode }

// ResponseSize returns the number of response body bytes written so
// far, for access-log and metrics middleware.
func (c *Context) ResponseSize() int64 { return c.respSize }

// Send writes the response with the given content type and body.
func (c *Context) Send(contentType string, body []byte) error {
	h := httpengine.NewHeaders()
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	c.applyDateAndServer(h)
	c.respSize += int64(len(body))
	return c.engine.WriteResponse(c.statusCode, "", h, body)
}

// SendJSON marshals v as JSON and writes it with application/json.
func (c *Context) SendJSON(v any) error {
	body, err := sonic.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, "context.SendJSON", err)
	}
	return c.Send("application/json; charset=utf-8", body)
}

// SendHTML writes body as text/html.
func (c *Context) SendHTML(body string) error {
	return c.Send("text/html; charset=utf-8", []byte(body))
}

// SendText writes body as text/plain.
func (c *Context) SendText(body string) error {
	return c.Send("text/plain; charset=utf-8", []byte(body))
}

// Redirect writes a redirect response to location.
func (c *Context) Redirect(code int, location string) error {
	h := httpengine.NewHeaders()
	h.Set("Location", location)
	c.applyDateAndServer(h)
	c.statusCode = code
	return c.engine.WriteResponse(code, "", h, nil)
}

// NoContent writes an empty 204 response.
func (c *Context) NoContent() error {
	c.statusCode = 204
	return c.Send("", nil)
}

// Stream begins a response of known or unknown length: if length >= 0 a
// Content-Length response is started and the returned writer must write
// exactly that many bytes; if length < 0 a chunked response is started
// and the writer's Close ends the chunked body (with no trailers).
func (c *Context) Stream(code int, contentType string, length int64) (*StreamWriter, error) {
	h := httpengine.NewHeaders()
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return c.StreamHeaders(code, h, length)
}

// StreamHeaders is Stream with caller-supplied headers merged in before
// the standard Date/Server pair is applied.
func (c *Context) StreamHeaders(code int, h *httpengine.Headers, length int64) (*StreamWriter, error) {
	if h == nil {
		h = httpengine.NewHeaders()
	}
	c.applyDateAndServer(h)
	c.statusCode = code

	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
		if err := c.engine.WriteResponse(code, "", h, nil); err != nil {
			return nil, err
		}
		return &StreamWriter{engine: c.engine, ctx: c, chunked: false, length: length}, nil
	}

	h.Set("Transfer-Encoding", "chunked")
	if err := c.engine.WriteResponse(code, "", h, nil); err != nil {
		return nil, err
	}
	return &StreamWriter{engine: c.engine, ctx: c, chunked: true}, nil
}

// SSE switches the connection into Server-Sent Events mode.
func (c *Context) SSE() error { return c.engine.SSE() }

// SendSSE writes one SSE record.
func (c *Context) SendSSE(data, event, id string) error { return c.engine.SendSSE(data, event, id) }

// Upgrade completes a WebSocket handshake on this connection.
func (c *Context) Upgrade() error { return c.engine.UpgradeToWebSocket() }

func (c *Context) applyDateAndServer(h *httpengine.Headers) {
	h.Set("Date", time.Now().UTC().Format(time.RFC1123))
	h.Set("Server", "apphost")
}

// StreamWriter writes a response body incrementally, either as a fixed
// Content-Length stream or a chunked one. For a fixed-length stream,
// length is the declared Content-Length: writing past it is a fatal
// error, and closing before it's reached forces the connection closed.
type StreamWriter struct {
	engine  *httpengine.Engine
	ctx     *Context
	chunked bool
	length  int64
	written int64
}

// Write sends the next slice of body bytes. On a non-chunked stream,
// a write that would exceed the declared Content-Length is rejected
// and the connection is closed rather than sending malformed bytes.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if !w.chunked && w.written+int64(len(p)) > w.length {
		_ = w.engine.Close()
		return 0, apperr.New(apperr.KindProtocol, "StreamWriter.Write",
			errors.New("write exceeds declared Content-Length"))
	}
	if w.ctx != nil {
		w.ctx.respSize += int64(len(p))
	}
	if w.chunked {
		if err := w.engine.WriteChunk(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if err := w.engine.WriteRaw(p); err != nil {
		return 0, err
	}
	w.written += int64(len(p))
	return len(p), nil
}

// Close ends a chunked stream. A non-chunked stream that was closed
// before its declared Content-Length was fully written is a short
// write: the spec requires the connection be closed rather than left
// dangling with a client expecting more bytes than it will ever get.
func (w *StreamWriter) Close() error {
	if !w.chunked {
		if w.written < w.length {
			return w.engine.Close()
		}
		return nil
	}
	return w.engine.EndChunked(nil)
}
