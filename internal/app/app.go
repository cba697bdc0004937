// Package app implements the per-app finite state machine: the
// UNINITIALIZED -> INITIALIZED -> RUNNING -> STOPPING -> STOPPED
// lifecycle, its cancellation token, and the stats each transition
// updates.
package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/console"
	"github.com/nodegrove/apphost/internal/loader"
)

// State is one FSM state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitialized   State = "INITIALIZED"
	StateRunning       State = "RUNNING"
	StateStopping      State = "STOPPING"
	StateStopped       State = "STOPPED"
)

// allStates lists every FSM state, in transition order, for the
// Manager's per-app state gauge (one label per state, only the current
// one set to 1).
var allStates = []string{
	string(StateUninitialized),
	string(StateInitialized),
	string(StateRunning),
	string(StateStopping),
	string(StateStopped),
}

// runWarmup bounds how long run() blocks the caller before returning,
// per the documented "race against a short warmup timer" contract: user
// run() implementations are expected to loop forever, so run() returns
// to the caller shortly after startup rather than blocking for the
// task's whole lifetime.
const runWarmup = 1 * time.Second

// Info is an app's metadata record (spec's AppInfo): name is the
// immutable registry key; Timestamp names the module file on disk
// (<name>.<timestamp>.<ext>) and must strictly increase on re-init.
// Extra carries arbitrary fields forwarded to user code as environment.
type Info struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Timestamp   int64          `json:"timestamp"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Stats tracks one App's lifecycle history.
type Stats struct {
	StartTime    time.Time
	StopTime     time.Time
	Uptime       time.Duration
	RestartCount int
	LastError    string
}

// App is one managed task: a user module driven through init/run/stop
// by the Manager or the API surface.
type App struct {
	mu sync.Mutex

	name    string
	info    Info
	state   State
	module  loader.Module
	con     *console.Console
	wrap    *loader.Wrapper
	stats   Stats
	moduleCtor loader.ModuleCtor
}

// New creates an App in UNINITIALIZED state, not yet bound to a module.
func New(name string) *App {
	return &App{
		name:  name,
		state: StateUninitialized,
		con:   console.New(console.DefaultCapacity),
		wrap:  loader.NewWrapper(),
	}
}

// Name returns the app's registry key.
func (a *App) Name() string { return a.name }

// State returns the current FSM state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Info returns the app's current metadata.
func (a *App) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Stats returns a copy of the app's lifecycle stats.
func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Console returns the app's log console.
func (a *App) Console() *console.Console { return a.con }

// Init imports the module named by info (via ctor) and calls its
// init(). Forbidden while RUNNING (callers must stop() first). Any
// existing module is uninstalled before the new one is constructed.
func (a *App) Init(info Info, ctor loader.ModuleCtor) error {
	a.mu.Lock()
	if a.state == StateRunning {
		a.mu.Unlock()
		return apperr.New(apperr.KindAppState, "app.Init", fmt.Errorf("app %q: init forbidden while RUNNING", a.name))
	}
	a.mu.Unlock()

	if err := a.Uninstall(); err != nil {
		return err
	}

	self := map[string]any{
		"name":        info.Name,
		"version":     info.Version,
		"description": info.Description,
		"timestamp":   info.Timestamp,
	}
	for k, v := range info.Extra {
		self[k] = v
	}

	mod, err := ctor(self, a.con, a.wrap)
	if err != nil {
		a.mu.Lock()
		a.stats.LastError = err.Error()
		a.mu.Unlock()
		return apperr.Wrap(apperr.KindUser, "app.Init", err)
	}

	if err := mod.Init(); err != nil {
		a.mu.Lock()
		a.stats.LastError = err.Error()
		a.mu.Unlock()
		return apperr.Wrap(apperr.KindUser, "app.Init", err)
	}

	a.mu.Lock()
	a.info = info
	a.module = mod
	a.moduleCtor = ctor
	a.state = StateInitialized
	a.stats.LastError = ""
	a.mu.Unlock()
	return nil
}

// Run transitions INITIALIZED or STOPPED -> RUNNING, installs a fresh
// cancellation token, and invokes the module's run() raced against a 1s
// warmup timer: run() returns to the caller as soon as either the
// module's run() itself returns/errors, or the warmup elapses,
// whichever comes first. If the module's run() later fails
// asynchronously (after warmup), the app is transitioned to STOPPED
// with lastError recorded, without another call to Run blocking on it.
func (a *App) Run() error {
	a.mu.Lock()
	if a.state != StateInitialized && a.state != StateStopped {
		state := a.state
		a.mu.Unlock()
		return apperr.New(apperr.KindAppState, "app.Run", fmt.Errorf("app %q: run() not allowed from %s", a.name, state))
	}
	mod := a.module
	if mod == nil {
		a.mu.Unlock()
		return apperr.New(apperr.KindAppState, "app.Run", fmt.Errorf("app %q: no module loaded", a.name))
	}
	a.wrap.Reset()
	a.state = StateRunning
	a.stats.StartTime = time.Now()
	a.mu.Unlock()

	runErr := make(chan error, 1)
	go func() { runErr <- mod.Run() }()

	select {
	case err := <-runErr:
		if err != nil {
			a.mu.Lock()
			a.stats.LastError = err.Error()
			a.state = StateStopped
			a.mu.Unlock()
			return apperr.Wrap(apperr.KindUser, "app.Run", err)
		}
		return nil
	case <-time.After(runWarmup):
		go func() {
			if err := <-runErr; err != nil {
				a.mu.Lock()
				if a.state == StateRunning {
					a.stats.LastError = err.Error()
					a.state = StateStopped
				}
				a.mu.Unlock()
			}
		}()
		return nil
	}
}

// Stop is a no-op from STOPPED/UNINITIALIZED. From RUNNING: transitions
// to STOPPING, Sets the cancellation token (releasing every pending
// wrapper await with "App stopped"), invokes the module's stop(), then
// transitions to STOPPED and accumulates uptime.
func (a *App) Stop() error {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateUninitialized {
		a.mu.Unlock()
		return nil
	}
	mod := a.module
	start := a.stats.StartTime
	a.state = StateStopping
	a.mu.Unlock()

	a.wrap.Fire()

	var stopErr error
	if mod != nil {
		stopErr = mod.Stop()
	}

	now := time.Now()
	a.mu.Lock()
	a.state = StateStopped
	a.stats.StopTime = now
	if !start.IsZero() {
		a.stats.Uptime += now.Sub(start)
	}
	if stopErr != nil {
		a.stats.LastError = stopErr.Error()
	}
	a.mu.Unlock()

	if stopErr != nil {
		return apperr.Wrap(apperr.KindUser, "app.Stop", stopErr)
	}
	return nil
}

// Restart stops (if running), increments RestartCount, then runs again.
func (a *App) Restart() error {
	if err := a.Stop(); err != nil {
		return err
	}
	a.mu.Lock()
	a.stats.RestartCount++
	a.mu.Unlock()
	return a.Run()
}

// Uninstall stops the app if running, drops the module handle, and
// transitions to UNINITIALIZED.
func (a *App) Uninstall() error {
	if err := a.Stop(); err != nil {
		return err
	}
	a.mu.Lock()
	a.module = nil
	a.moduleCtor = nil
	a.state = StateUninitialized
	a.mu.Unlock()
	return nil
}

// ResetRestartCount clears the auto-restart counter, typically called
// alongside a fresh Init.
func (a *App) ResetRestartCount() {
	a.mu.Lock()
	a.stats.RestartCount = 0
	a.mu.Unlock()
}
