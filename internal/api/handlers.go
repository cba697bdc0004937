// Package api implements the REST+SSE control surface for the app
// manager: list/stat/control/logs under the "/@api/" prefix.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/nodegrove/apphost/internal/app"
	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/console"
	"github.com/nodegrove/apphost/internal/diskstore"
	"github.com/nodegrove/apphost/internal/logging"
	"github.com/nodegrove/apphost/internal/router"
)

// defaultExt is the module file extension used when a create request
// does not specify one.
const defaultExt = "js"

// sseMetrics is the subset of *metrics.Metrics the API's SSE handlers
// report to, kept as a local interface so this package does not import
// metrics directly.
type sseMetrics interface {
	IncSSEStreams()
	DecSSEStreams()
}

// API wires the app Manager and diskstore Store to the router's route
// table, per the "/@api/" surface. Module pre-compilation happens
// inside mgr.Init, which holds its own Loader.
type API struct {
	mgr   *app.Manager
	store *diskstore.Store
	log   *logging.Logger
	met   sseMetrics
}

// New creates an API bound to mgr and store.
func New(mgr *app.Manager, store *diskstore.Store, log *logging.Logger) *API {
	if log == nil {
		log = logging.NewDefault()
	}
	return &API{mgr: mgr, store: store, log: log}
}

// SetMetrics attaches met so every SSE stream this API opens
// (stat's live-status stream, logs' live-tail stream) is counted while
// it stays open. Left unset, the calls are simply skipped.
func (a *API) SetMetrics(met sseMetrics) { a.met = met }

// Register mounts every "/@api/..." route on r.
func (a *API) Register(r *router.Router) {
	r.Get("/@api/list", a.list)
	r.Get("/@api/stat/:name", a.stat)
	r.Post("/@api/control/:name", a.controlCommand)
	r.Put("/@api/control/:name", a.controlCreate)
	r.Delete("/@api/control/:name", a.controlDelete)
	r.Get("/@api/logs/:name", a.logs)
}

// list responds with every registered app's status.
func (a *API) list(ctx *router.Context) {
	apps := a.mgr.List()
	out := make([]app.Status, 0, len(apps))
	for _, ap := range apps {
		if st, ok := a.mgr.GetStatus(ap.Name()); ok {
			out = append(out, st)
		}
	}
	_ = ctx.SendJSON(out)
}

// stat responds with one app's status, either as a single JSON document
// or as a 1 Hz SSE stream when the client asks for text/event-stream.
func (a *API) stat(ctx *router.Context) {
	name := ctx.Param("name")
	status, ok := a.mgr.GetStatus(name)
	if !ok {
		_ = ctx.Status(404).SendJSON(map[string]string{"error": "app not found"})
		return
	}

	if !strings.Contains(ctx.Header("Accept"), "text/event-stream") {
		_ = ctx.SendJSON(status)
		return
	}

	if err := ctx.SSE(); err != nil {
		return
	}
	if a.met != nil {
		a.met.IncSSEStreams()
		defer a.met.DecSSEStreams()
	}
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	done := ctx.Engine().Ended()

	sendStatus := func() bool {
		st, ok := a.mgr.GetStatus(name)
		if !ok {
			return false
		}
		body, err := sonic.Marshal(st)
		if err != nil {
			return false
		}
		return ctx.SendSSE(string(body), "status", "") == nil
	}
	if !sendStatus() {
		return
	}
	for {
		select {
		case <-ticker.C:
			if !sendStatus() {
				return
			}
		case <-done:
			return
		}
	}
}

// controlCommand dispatches a plaintext START/STOP/RESTART/RELOAD
// command to the named app.
func (a *API) controlCommand(ctx *router.Context) {
	name := ctx.Param("name")
	body, err := ctx.Text()
	if err != nil {
		_ = ctx.Status(400).SendJSON(map[string]string{"error": "could not read command body"})
		return
	}

	var opErr error
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "START":
		opErr = a.mgr.Start(name)
	case "STOP":
		opErr = a.mgr.Stop(name)
	case "RESTART":
		opErr = a.mgr.Restart(name)
	case "RELOAD":
		opErr = a.reload(name)
	default:
		_ = ctx.Status(400).SendJSON(map[string]string{"error": "unknown command"})
		return
	}

	if opErr != nil {
		if apperr.Is(opErr, apperr.KindAppState) {
			_ = ctx.Status(400).SendJSON(map[string]string{"error": opErr.Error()})
			return
		}
		_ = ctx.Status(500).SendJSON(map[string]string{"error": "transition failed", "full": opErr.Error()})
		return
	}
	_ = ctx.Status(200).Send("", nil)
}

// reload re-imports an already-registered app's module from its
// existing on-disk path, without changing its Info or code.
func (a *API) reload(name string) error {
	ap, ok := a.mgr.Get(name)
	if !ok {
		return apperr.New(apperr.KindAppState, "api.reload", fmt.Errorf("app %q not registered", name))
	}
	info := ap.Info()
	path := a.store.ModulePath(info, defaultExt)
	return a.mgr.Init(name, info, path)
}

// controlCreate creates or reloads an app from a JSON AppInfo+$code
// body (PUT /@api/control/:name).
func (a *API) controlCreate(ctx *router.Context) {
	name := ctx.Param("name")

	var req createRequest
	if err := ctx.JSON(&req); err != nil {
		_ = ctx.Status(400).SendJSON(map[string]string{"error": "malformed body"})
		return
	}
	if req.Name == "" {
		req.Name = name
	}
	if err := req.validateRequired(); err != nil {
		_ = ctx.Status(400).SendJSON(map[string]string{"error": err.Error()})
		return
	}

	ext := req.Ext
	if ext == "" {
		ext = defaultExt
	}
	info := app.Info{
		Name:        name,
		Version:     req.Version,
		Description: req.Description,
		Timestamp:   time.Now().UnixMilli(),
		Extra:       req.Extra,
	}

	path, err := a.store.WriteModule(info, ext, req.Code)
	if err != nil {
		_ = ctx.Status(400).SendJSON(map[string]string{"error": "could not persist module source"})
		return
	}
	if err := a.mgr.Init(name, info, path); err != nil {
		_ = ctx.Status(400).SendJSON(map[string]string{"error": err.Error()})
		return
	}
	if err := a.store.SaveManifest(a.mgr.Export()); err != nil {
		a.log.App(name).Warn("failed to persist manifest after create", zap.Error(err))
	}
	_ = ctx.SendJSON(map[string]bool{"success": true})
}

// controlDelete unregisters an app and drops it from the manifest.
func (a *API) controlDelete(ctx *router.Context) {
	name := ctx.Param("name")
	if err := a.mgr.Unregister(name); err != nil {
		if apperr.Is(err, apperr.KindAppState) {
			_ = ctx.Status(404).SendJSON(map[string]string{"error": "app not found"})
			return
		}
		_ = ctx.Status(500).SendJSON(map[string]string{"error": "unregister failed", "full": err.Error()})
		return
	}
	if err := a.store.SaveManifest(a.mgr.Export()); err != nil {
		a.log.App(name).Warn("failed to persist manifest after delete", zap.Error(err))
	}
	_ = ctx.SendJSON(map[string]bool{"success": true})
}

// logs streams an app's console: the first record (id "0") is the full
// backlog snapshot, every subsequent record is one new log line keyed
// by its own uuid. The subscription is detached when the SSE
// connection ends, per the documented fix to the reference's leak.
func (a *API) logs(ctx *router.Context) {
	name := ctx.Param("name")
	ap, ok := a.mgr.Get(name)
	if !ok {
		_ = ctx.Status(404).SendJSON(map[string]string{"error": "app not found"})
		return
	}

	if err := ctx.SSE(); err != nil {
		return
	}
	if a.met != nil {
		a.met.IncSSEStreams()
		defer a.met.DecSSEStreams()
	}

	con := ap.Console()
	backlog := con.Snapshot()
	if body, err := sonic.Marshal(backlog); err == nil {
		_ = ctx.SendSSE(string(body), "log", "0")
	}

	pushed := make(chan console.Message, 64)
	unsubscribe := con.On("push", func(payload any) {
		msg, ok := payload.(console.Message)
		if !ok {
			return
		}
		select {
		case pushed <- msg:
		default:
			// Slow subscriber: drop rather than block the console.
		}
	})
	defer unsubscribe()

	done := ctx.Engine().Ended()
	for {
		select {
		case msg := <-pushed:
			body, err := sonic.Marshal(msg)
			if err != nil {
				continue
			}
			if ctx.SendSSE(string(body), "log", msg.ID) != nil {
				return
			}
		case <-done:
			return
		}
	}
}
