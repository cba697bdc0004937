package main

import (
	"flag"
	"net"
	"net/http/httptest"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nodegrove/apphost/internal/api"
	"github.com/nodegrove/apphost/internal/app"
	"github.com/nodegrove/apphost/internal/config"
	"github.com/nodegrove/apphost/internal/diskstore"
	"github.com/nodegrove/apphost/internal/httpengine"
	"github.com/nodegrove/apphost/internal/loader"
	"github.com/nodegrove/apphost/internal/logging"
	"github.com/nodegrove/apphost/internal/metrics"
	"github.com/nodegrove/apphost/internal/router"
)

func main() {
	configPath := flag.String("config", "apphost.yaml", "Path to YAML config file")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)

	var log *logging.Logger
	if cfg.Logging.Development {
		log = logging.NewDevelopment()
	} else {
		log = logging.NewDefault()
	}
	defer log.Sync()

	log.Info("starting apphost",
		zap.String("addr", cfg.Server.Host+":"+cfg.Server.Port),
		zap.String("baseDir", cfg.BaseDir),
	)

	met := metrics.New()

	ld := loader.New(0)
	mgr := app.NewManager(ld, log, app.ManagerConfig{
		HealthCheckInterval: cfg.Manager.HealthCheckInterval,
		AutoRestart:         cfg.Manager.AutoRestart,
		MaxRestartAttempts:  cfg.Manager.MaxRestartAttempts,
	})
	mgr.SetMetrics(met)

	store, err := diskstore.New(cfg.BaseDir, log)
	if err != nil {
		log.Sugar().Fatalf("failed to open app store: %v", err)
	}
	if infos, err := store.LoadManifest(); err != nil {
		log.Warn("failed to load app manifest", zap.Error(err))
	} else if len(infos) > 0 {
		pathFn := func(info app.Info) string { return store.ModulePath(info, "js") }
		if err := mgr.Load(infos, pathFn); err != nil {
			log.Warn("one or more apps failed to load at startup", zap.Error(err))
		}
	}

	r := buildRouter(cfg, log, met, mgr, store)

	mgr.StartHealthCheck()
	defer mgr.StopHealthCheck()

	if err := store.Watch(func(ev fsnotify.Event) {
		log.Info("app directory changed outside the API surface", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
	}); err != nil {
		log.Warn("failed to start app directory watcher", zap.Error(err))
	}
	defer store.Close()

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Sugar().Fatalf("failed to bind %s: %v", addr, err)
	}
	log.Info("listening", zap.String("addr", addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	acceptDone := make(chan struct{})
	go acceptLoop(ln, r, log, &wg, acceptDone)

	<-sigChan
	log.Info("shutting down gracefully")

	_ = ln.Close()
	<-acceptDone

	if err := mgr.StopAll(); err != nil {
		log.Warn("errors while stopping apps during shutdown", zap.Error(err))
	}
	if err := store.SaveManifest(mgr.Export()); err != nil {
		log.Warn("failed to flush manifest during shutdown", zap.Error(err))
	}
	wg.Wait()
}

// buildRouter wires the ambient middleware chain, the static file
// server, the Prometheus scrape endpoint, and the "/@api/..." control
// surface onto a fresh Router.
func buildRouter(cfg *config.Config, log *logging.Logger, met *metrics.Metrics, mgr *app.Manager, store *diskstore.Store) *router.Router {
	r := router.New(log)
	r.Use(router.Recovery(log))
	r.Use(router.AccessLog(log))
	r.Use(router.Metrics(met))
	if cfg.RateLimit.Enabled {
		log.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		r.Use(router.RateLimit(float64(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, clientKey))
	}

	r.Get("/health", func(ctx *router.Context) {
		_ = ctx.SendJSON(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metricsHandler())

	apiSurface := api.New(mgr, store, log)
	apiSurface.SetMetrics(met)
	apiSurface.Register(r)

	r.Get(cfg.Static.Prefix+"*filepath", router.Static(router.StaticOptions{
		Root:      cfg.Static.Root,
		ParamName: "filepath",
		MaxAge:    time.Duration(cfg.Static.MaxAge) * time.Second,
		DotFiles:  router.DotFilesPolicy(cfg.Static.DotFiles),
		Gzip:      cfg.Static.Gzip,
	}))

	return r
}

// clientKey extracts the rate limiter bucket key (client IP without
// port) from a request's RequestID fallback when no proxy header is
// present; this domain has no reverse-proxy-aware header contract, so
// the request ID stands in as a low-cardinality-enough default until a
// real client address is threaded through Context.
func clientKey(ctx *router.Context) string {
	if xf := ctx.Header("X-Forwarded-For"); xf != "" {
		return xf
	}
	return ctx.RequestID
}

// metricsHandler adapts promhttp's net/http handler to this router's
// Context by driving it against an httptest.ResponseRecorder, since the
// hand-rolled engine has no http.ResponseWriter to hand promhttp
// directly.
func metricsHandler() router.HandlerFunc {
	h := promhttp.Handler()
	return func(ctx *router.Context) {
		req := httptest.NewRequest("GET", "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		_ = ctx.Status(rec.Code).Send(rec.Header().Get("Content-Type"), rec.Body.Bytes())
	}
}

func acceptLoop(ln net.Listener, r *router.Router, log *logging.Logger, wg *sync.WaitGroup, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(conn, r, log)
		}()
	}
}

func serveConn(conn net.Conn, r *router.Router, log *logging.Logger) {
	defer conn.Close()
	e := httpengine.New(httpengine.RoleServer, conn)
	for {
		if err := r.ServeEngine(e); err != nil {
			return
		}
		if e.Protocol() != httpengine.ProtocolHTTP || !e.KeepAlive() {
			return
		}
		if err := e.Reuse(); err != nil {
			return
		}
	}
}
