package app

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/loader"
	"github.com/nodegrove/apphost/internal/logging"
)

// ManagerConfig configures the health-check loop.
type ManagerConfig struct {
	HealthCheckInterval time.Duration
	AutoRestart         bool
	MaxRestartAttempts  int
}

// DefaultManagerConfig returns the spec's documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HealthCheckInterval: 30 * time.Second,
		AutoRestart:         false,
		MaxRestartAttempts:  3,
	}
}

// appMetrics is the subset of *metrics.Metrics the Manager reports to,
// kept as a local interface so this package does not import metrics
// directly (avoids a dependency cycle risk and keeps the Manager
// testable with a fake or with metrics left unset entirely).
type appMetrics interface {
	IncAppsTotal()
	SetAppsActive(count int)
	RecordAppRestart(app, trigger string)
	SetAppState(app, current string, allStates []string)
}

// Manager holds a name -> App registry and runs the periodic health
// check that bounds auto-restart attempts.
type Manager struct {
	mu     sync.RWMutex
	apps   map[string]*App
	loader loader.Loader
	log    *logging.Logger
	cfg    ManagerConfig
	met    appMetrics

	stopHealth chan struct{}
	healthOnce sync.Once
}

// NewManager creates an empty Manager backed by ld for module imports.
func NewManager(ld loader.Loader, log *logging.Logger, cfg ManagerConfig) *Manager {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Manager{
		apps:       make(map[string]*App),
		loader:     ld,
		log:        log,
		cfg:        cfg,
		stopHealth: make(chan struct{}),
	}
}

// SetMetrics attaches met so every subsequent state transition updates
// its app-state gauges and restart counters. Metrics stay unset (a
// no-op) unless the caller opts in; tests never need a fake.
func (m *Manager) SetMetrics(met appMetrics) { m.met = met }

// reportState pushes a's current state to the state gauge and
// recomputes the active-apps count, if metrics are attached.
func (m *Manager) reportState(a *App) {
	if m.met == nil {
		return
	}
	m.met.SetAppState(a.Name(), string(a.State()), allStates)
	active := 0
	for _, other := range m.List() {
		if other.State() == StateRunning {
			active++
		}
	}
	m.met.SetAppsActive(active)
}

// Register creates (if absent) and returns the App for name.
func (m *Manager) Register(name string) *App {
	m.mu.Lock()
	if a, ok := m.apps[name]; ok {
		m.mu.Unlock()
		return a
	}
	a := New(name)
	m.apps[name] = a
	m.mu.Unlock()
	if m.met != nil {
		m.met.IncAppsTotal()
		m.reportState(a)
	}
	return a
}

// Unregister stops (if running) and drops name from the registry.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	a, ok := m.apps[name]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.KindAppState, "manager.Unregister", fmt.Errorf("app %q not registered", name))
	}
	delete(m.apps, name)
	m.mu.Unlock()
	return a.Uninstall()
}

// Get returns the App for name, if registered.
func (m *Manager) Get(name string) (*App, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[name]
	return a, ok
}

// List returns every registered App, in no particular order.
func (m *Manager) List() []*App {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*App, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a)
	}
	return out
}

// Init loads modulePath and, if that succeeds, creates the app if absent
// and calls app.Init(info, ctor), resetting its restart counter (an explicit
// re-init is the documented way to clear an exhausted auto-restart cap).
func (m *Manager) Init(name string, info Info, modulePath string) error {
	ctor, err := m.loader.Load(modulePath)
	if err != nil {
		return err
	}
	a := m.Register(name)
	if err := a.Init(info, ctor); err != nil {
		return err
	}
	a.ResetRestartCount()
	m.reportState(a)
	return nil
}

// Start runs the named app.
func (m *Manager) Start(name string) error {
	a, ok := m.Get(name)
	if !ok {
		return apperr.New(apperr.KindAppState, "manager.Start", fmt.Errorf("app %q not registered", name))
	}
	err := a.Run()
	m.reportState(a)
	return err
}

// Stop stops the named app.
func (m *Manager) Stop(name string) error {
	a, ok := m.Get(name)
	if !ok {
		return apperr.New(apperr.KindAppState, "manager.Stop", fmt.Errorf("app %q not registered", name))
	}
	err := a.Stop()
	m.reportState(a)
	return err
}

// Restart restarts the named app.
func (m *Manager) Restart(name string) error {
	a, ok := m.Get(name)
	if !ok {
		return apperr.New(apperr.KindAppState, "manager.Restart", fmt.Errorf("app %q not registered", name))
	}
	err := a.Restart()
	if err == nil && m.met != nil {
		m.met.RecordAppRestart(name, "manual")
	}
	m.reportState(a)
	return err
}

// StartAll starts every registered app concurrently (bounded by an
// errgroup), logging but not failing on individual errors; the combined
// error (if any) is returned via multierr for callers that want to
// inspect all failures at once.
func (m *Manager) StartAll() error {
	return m.batch("StartAll", func(a *App) error { return a.Run() })
}

// StopAll stops every registered app concurrently, same semantics as
// StartAll.
func (m *Manager) StopAll() error {
	return m.batch("StopAll", func(a *App) error { return a.Stop() })
}

func (m *Manager) batch(op string, fn func(*App) error) error {
	apps := m.List()
	var mu sync.Mutex
	var combined error

	g := new(errgroup.Group)
	g.SetLimit(8)
	for _, a := range apps {
		a := a
		g.Go(func() error {
			err := fn(a)
			m.reportState(a)
			if err != nil {
				m.log.App(a.Name()).Warn("batch operation failed", zap.String("op", op), zap.Error(err))
				mu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("%s: %w", a.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return combined
}

// Status is the JSON-facing snapshot of one app's state, used by both
// the plain and SSE variants of GET /@api/stat/:name.
type Status struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Version      string    `json:"version"`
	RestartCount int       `json:"restartCount"`
	Uptime       float64   `json:"uptimeSeconds"`
	LastError    string    `json:"lastError,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// GetStatus builds a Status snapshot for the named app.
func (m *Manager) GetStatus(name string) (Status, bool) {
	a, ok := m.Get(name)
	if !ok {
		return Status{}, false
	}
	info := a.Info()
	stats := a.Stats()
	uptime := stats.Uptime
	if a.State() == StateRunning && !stats.StartTime.IsZero() {
		uptime += time.Since(stats.StartTime)
	}
	return Status{
		Name:         a.Name(),
		State:        string(a.State()),
		Version:      info.Version,
		RestartCount: stats.RestartCount,
		Uptime:       uptime.Seconds(),
		LastError:    stats.LastError,
		Timestamp:    time.Now(),
	}, true
}

// Export returns every registered app's current Info, in registration
// order is not guaranteed (map-backed registry).
func (m *Manager) Export() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a.Info())
	}
	return out
}

// Load idempotently inits every entry in infos against its expected
// module path, built by pathFn(info).
func (m *Manager) Load(infos []Info, pathFn func(Info) string) error {
	var combined error
	for _, info := range infos {
		if err := m.Init(info.Name, info, pathFn(info)); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", info.Name, err))
		}
	}
	return combined
}

// StartHealthCheck launches the periodic health-check loop: every
// cfg.HealthCheckInterval, if cfg.AutoRestart is set, every STOPPED app
// with RestartCount < MaxRestartAttempts is re-run; apps at the cap are
// logged once per cycle and left alone until an external Init resets
// their counter.
func (m *Manager) StartHealthCheck() {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runHealthCheck()
			case <-m.stopHealth:
				return
			}
		}
	}()
}

// StopHealthCheck halts the health-check loop.
func (m *Manager) StopHealthCheck() {
	m.healthOnce.Do(func() { close(m.stopHealth) })
}

func (m *Manager) runHealthCheck() {
	if !m.cfg.AutoRestart {
		return
	}
	for _, a := range m.List() {
		if a.State() != StateStopped {
			continue
		}
		stats := a.Stats()
		if stats.RestartCount >= m.cfg.MaxRestartAttempts {
			m.log.App(a.Name()).Warn("app exceeded max restart attempts, giving up until re-init",
				zap.Int("restartCount", stats.RestartCount))
			continue
		}
		if err := a.Restart(); err != nil {
			m.log.App(a.Name()).Warn("health-check restart failed", zap.Error(err))
		} else if m.met != nil {
			m.met.RecordAppRestart(a.Name(), "health-check")
		}
		m.reportState(a)
	}
}
