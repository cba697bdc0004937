package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrove/apphost/internal/loader"
)

// fakeLoader returns a fixed ModuleCtor for every path, letting tests
// stand up a Manager without touching the filesystem or goja.
type fakeLoader struct {
	ctor loader.ModuleCtor
	err  error
}

func (l *fakeLoader) Load(path string) (loader.ModuleCtor, error) { return l.ctor, l.err }

func TestManagerInitStartStop(t *testing.T) {
	mgr := NewManager(&fakeLoader{ctor: ctorFor(&fakeModule{})}, nil, DefaultManagerConfig())

	require.NoError(t, mgr.Init("demo", Info{Name: "demo", Version: "1"}, "demo.1.js"))
	require.NoError(t, mgr.Start("demo"))

	status, ok := mgr.GetStatus("demo")
	require.True(t, ok)
	assert.Equal(t, "RUNNING", status.State)

	require.NoError(t, mgr.Stop("demo"))
	status, _ = mgr.GetStatus("demo")
	assert.Equal(t, "STOPPED", status.State)
}

func TestManagerStartUnregisteredFails(t *testing.T) {
	mgr := NewManager(&fakeLoader{}, nil, DefaultManagerConfig())
	err := mgr.Start("ghost")
	require.Error(t, err)
}

func TestManagerUnregisterRemovesApp(t *testing.T) {
	mgr := NewManager(&fakeLoader{ctor: ctorFor(&fakeModule{})}, nil, DefaultManagerConfig())
	require.NoError(t, mgr.Init("demo", Info{Name: "demo"}, "demo.1.js"))

	require.NoError(t, mgr.Unregister("demo"))
	_, ok := mgr.Get("demo")
	assert.False(t, ok)
}

func TestManagerStartAllStopAllAggregatesErrors(t *testing.T) {
	mgr := NewManager(&fakeLoader{ctor: ctorFor(&fakeModule{})}, nil, DefaultManagerConfig())
	require.NoError(t, mgr.Init("a", Info{Name: "a"}, "a.1.js"))
	require.NoError(t, mgr.Init("b", Info{Name: "b"}, "b.1.js"))

	require.NoError(t, mgr.StartAll())
	assert.Len(t, mgr.List(), 2)
	require.NoError(t, mgr.StopAll())
}

func TestManagerLoadIdempotentInit(t *testing.T) {
	mgr := NewManager(&fakeLoader{ctor: ctorFor(&fakeModule{})}, nil, DefaultManagerConfig())
	infos := []Info{{Name: "a", Version: "1"}, {Name: "b", Version: "1"}}

	err := mgr.Load(infos, func(i Info) string { return i.Name + ".js" })
	require.NoError(t, err)
	assert.Len(t, mgr.List(), 2)
}

func TestManagerLoadReportsPerAppErrors(t *testing.T) {
	mgr := NewManager(&fakeLoader{err: errors.New("bad module")}, nil, DefaultManagerConfig())
	infos := []Info{{Name: "a"}}

	err := mgr.Load(infos, func(i Info) string { return i.Name + ".js" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}

func TestHealthCheckAutoRestartRespectsCap(t *testing.T) {
	cfg := ManagerConfig{
		HealthCheckInterval: 20 * time.Millisecond,
		AutoRestart:         true,
		MaxRestartAttempts:  3,
	}
	failing := &fakeModule{runErr: errors.New("boom")}
	mgr := NewManager(&fakeLoader{ctor: ctorFor(failing)}, nil, cfg)
	require.NoError(t, mgr.Init("b", Info{Name: "b"}, "b.1.js"))
	require.Error(t, mgr.Start("b")) // first run fails immediately, before warmup

	mgr.StartHealthCheck()
	defer mgr.StopHealthCheck()

	time.Sleep(250 * time.Millisecond)

	a, ok := mgr.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, a.Stats().RestartCount)
}
