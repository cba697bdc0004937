package router

import (
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nodegrove/apphost/internal/httpengine"
	"github.com/nodegrove/apphost/internal/logging"
)

// Router dispatches requests read off an Engine to registered handlers
// through a linear middleware chain.
type Router struct {
	trees      map[string]*node
	middleware []Middleware
	notFound   HandlerFunc
	log        *logging.Logger
}

// New creates an empty Router.
func New(log *logging.Logger) *Router {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Router{
		trees: make(map[string]*node),
		log:   log,
		notFound: func(ctx *Context) {
			_ = ctx.Status(404).Send("text/plain", []byte("No Route Matched"))
		},
	}
}

// Use appends global middleware, run in registration order for every
// request before the matched handler.
func (r *Router) Use(mw Middleware) { r.middleware = append(r.middleware, mw) }

// Handle registers handler for method and path. path segments starting
// with ":" bind a named parameter; a trailing "*name" segment binds the
// remaining path.
func (r *Router) Handle(method, path string, handler HandlerFunc) {
	tree, ok := r.trees[method]
	if !ok {
		tree = newNode()
		r.trees[method] = tree
	}
	tree.insert(path, handler)
}

func (r *Router) Get(path string, h HandlerFunc)    { r.Handle("GET", path, h) }
func (r *Router) Post(path string, h HandlerFunc)   { r.Handle("POST", path, h) }
func (r *Router) Put(path string, h HandlerFunc)    { r.Handle("PUT", path, h) }
func (r *Router) Delete(path string, h HandlerFunc) { r.Handle("DELETE", path, h) }

// NotFound overrides the default 404 handler.
func (r *Router) NotFound(h HandlerFunc) { r.notFound = h }

// match finds the handler for method+path, or ok=false.
func (r *Router) match(method, path string) (HandlerFunc, map[string]string, bool) {
	tree, ok := r.trees[method]
	if !ok {
		return nil, nil, false
	}
	params := make(map[string]string)
	h, ok := tree.match(segments(path), params)
	return h, params, ok
}

// ServeEngine calls engine.Start (reading the request line and headers)
// and drives one request/response cycle off it. It returns after the
// response is sent, or after an error terminates the connection.
func (r *Router) ServeEngine(engine *httpengine.Engine) error {
	if err := engine.Start(); err != nil {
		return err
	}
	if engine.Protocol() == httpengine.ProtocolWS {
		// Upgrade requests still flow through the router so a handler can
		// call ctx.Upgrade(); route matching uses the pre-upgrade path.
	}

	reqLine := engine.RequestLine()
	if reqLine == nil {
		return nil
	}

	handler, params, ok := r.match(reqLine.Method, reqLine.Path)
	ctx := newContext(engine, params)
	if !ok {
		handler = r.notFound
	}

	r.runChain(ctx, handler)
	return nil
}

func (r *Router) runChain(ctx *Context, final HandlerFunc) {
	chain := r.middleware
	var run func(i int)
	run = func(i int) {
		if ctx.aborted {
			return
		}
		if i >= len(chain) {
			final(ctx)
			return
		}
		chain[i](ctx, func() { run(i + 1) })
	}
	run(0)
}

// Abort marks the context so remaining middleware/handler steps are
// skipped once the current one returns.
func (c *Context) Abort() { c.aborted = true }

// Recovery returns a middleware that recovers a panicking handler and
// responds 500, logging the panic value.
func Recovery(log *logging.Logger) Middleware {
	return func(ctx *Context, next func()) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered", zap.Any("panic", rec), zap.String("path", ctx.Path()))
				_ = ctx.Status(500).SendJSON(map[string]string{"error": "internal server error"})
			}
		}()
		next()
	}
}

// AccessLog returns a middleware that logs one structured line per
// request, per the teacher's access-log convention.
func AccessLog(log *logging.Logger) Middleware {
	return func(ctx *Context, next func()) {
		start := time.Now()
		next()
		log.Request(ctx.RequestID).Info("request",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Int("status", ctx.StatusCode()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}
}

// metricsRecorder is the subset of *metrics.Metrics the router needs,
// kept as a local interface so this package does not import metrics
// directly (avoids a dependency cycle risk and keeps the middleware
// testable with a fake).
type metricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64)
}

// Metrics returns a middleware that records one HTTP request/response
// observation per call, mirroring the teacher's gin-based
// monitoring.Middleware but framework-agnostic.
func Metrics(rec metricsRecorder) Middleware {
	return func(ctx *Context, next func()) {
		start := time.Now()
		reqSize, _ := strconv.ParseInt(ctx.Header("Content-Length"), 10, 64)
		next()
		rec.RecordHTTPRequest(
			ctx.Method(),
			ctx.Path(),
			strconv.Itoa(ctx.StatusCode()),
			time.Since(start),
			reqSize,
			ctx.ResponseSize(),
		)
	}
}

// RateLimit returns a middleware enforcing a per-key token bucket, keyed
// by the value keyFn extracts from the request (typically client IP).
func RateLimit(rps float64, burst int, keyFn func(*Context) string) Middleware {
	limiters := newLimiterCache(rps, burst)
	return func(ctx *Context, next func()) {
		key := keyFn(ctx)
		if !limiters.get(key).Allow() {
			_ = ctx.Status(429).SendJSON(map[string]string{"error": "rate limit exceeded"})
			ctx.Abort()
			return
		}
		next()
	}
}

type limiterCache struct {
	rps   rate.Limit
	burst int
	mu    chan struct{}
	byKey map[string]*rate.Limiter
}

func newLimiterCache(rps float64, burst int) *limiterCache {
	return &limiterCache{
		rps:   rate.Limit(rps),
		burst: burst,
		mu:    make(chan struct{}, 1),
		byKey: make(map[string]*rate.Limiter),
	}
}

func (c *limiterCache) get(key string) *rate.Limiter {
	c.mu <- struct{}{}
	defer func() { <-c.mu }()
	l, ok := c.byKey[key]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.byKey[key] = l
	}
	return l
}
