package router

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrove/apphost/internal/httpengine"
)

type pairConn struct {
	r      *bytes.Reader
	w      bytes.Buffer
	closed bool
}

func newPairConn(data []byte) *pairConn { return &pairConn{r: bytes.NewReader(data)} }

func (c *pairConn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, io.EOF
	}
	return c.r.Read(p)
}
func (c *pairConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pairConn) Close() error                { c.closed = true; return nil }

func TestNodeMatchPrecedence(t *testing.T) {
	root := newNode()
	var got string
	root.insert("/apps/list", func(ctx *Context) { got = "static" })
	root.insert("/apps/:name", func(ctx *Context) { got = "param" })
	root.insert("/apps/*rest", func(ctx *Context) { got = "wildcard" })

	h, params, ok := func() (HandlerFunc, map[string]string, bool) {
		p := make(map[string]string)
		h, ok := root.match(segments("/apps/list"), p)
		return h, p, ok
	}()
	require.True(t, ok)
	h(nil)
	assert.Equal(t, "static", got)
	_ = params

	p := make(map[string]string)
	h, ok = root.match(segments("/apps/foo"), p)
	require.True(t, ok)
	h(nil)
	assert.Equal(t, "param", got)
	assert.Equal(t, "foo", p["name"])

	p = make(map[string]string)
	h, ok = root.match(segments("/apps/foo/bar"), p)
	require.True(t, ok)
	h(nil)
	assert.Equal(t, "wildcard", got)
	assert.Equal(t, "foo/bar", p["rest"])
}

func TestRouterDispatchAndMiddleware(t *testing.T) {
	r := New(nil)
	var order []string
	r.Use(func(ctx *Context, next func()) {
		order = append(order, "mw1-before")
		next()
		order = append(order, "mw1-after")
	})
	r.Get("/apps/:name", func(ctx *Context) {
		order = append(order, "handler")
		_ = ctx.SendJSON(map[string]string{"name": ctx.Param("name")})
	})

	raw := "GET /apps/editor HTTP/1.1\r\nHost: x\r\n\r\n"
	conn := newPairConn([]byte(raw))
	e := httpengine.New(httpengine.RoleServer, conn)

	require.NoError(t, r.ServeEngine(e))
	assert.Equal(t, []string{"mw1-before", "handler", "mw1-after"}, order)
	assert.Contains(t, conn.w.String(), `"name":"editor"`)
	assert.Contains(t, conn.w.String(), "200 OK")
}

func TestRouterNotFound(t *testing.T) {
	r := New(nil)
	raw := "GET /missing HTTP/1.1\r\n\r\n"
	conn := newPairConn([]byte(raw))
	e := httpengine.New(httpengine.RoleServer, conn)
	require.NoError(t, r.ServeEngine(e))
	resp := conn.w.String()
	assert.Contains(t, resp, "404")
	assert.Contains(t, resp, "No Route Matched")
	assert.NotContains(t, resp, `{"error"`)
}

type fakeRecorder struct {
	method, path, status string
	reqSize, respSize    int64
}

func (f *fakeRecorder) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	f.method, f.path, f.status = method, path, status
	f.reqSize, f.respSize = reqSize, respSize
}

func TestMetricsMiddlewareRecordsStatusAndSize(t *testing.T) {
	r := New(nil)
	rec := &fakeRecorder{}
	r.Use(Metrics(rec))
	r.Get("/apps/:name", func(ctx *Context) {
		_ = ctx.SendJSON(map[string]string{"name": ctx.Param("name")})
	})

	raw := "GET /apps/editor HTTP/1.1\r\nHost: x\r\n\r\n"
	conn := newPairConn([]byte(raw))
	e := httpengine.New(httpengine.RoleServer, conn)
	require.NoError(t, r.ServeEngine(e))

	assert.Equal(t, "GET", rec.method)
	assert.Equal(t, "/apps/editor", rec.path)
	assert.Equal(t, "200", rec.status)
	assert.True(t, rec.respSize > 0)
}

func TestMiddlewareAbortShortCircuits(t *testing.T) {
	r := New(nil)
	handlerCalled := false
	r.Use(func(ctx *Context, next func()) {
		_ = ctx.Status(429).SendJSON(map[string]string{"error": "no"})
		ctx.Abort()
	})
	r.Get("/x", func(ctx *Context) { handlerCalled = true })

	raw := "GET /x HTTP/1.1\r\n\r\n"
	conn := newPairConn([]byte(raw))
	e := httpengine.New(httpengine.RoleServer, conn)
	require.NoError(t, r.ServeEngine(e))
	assert.False(t, handlerCalled)
	assert.Contains(t, conn.w.String(), "429")
}
