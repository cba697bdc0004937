package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrove/apphost/internal/console"
	"github.com/nodegrove/apphost/internal/loader"
)

// fakeModule is a hand-written Module test double (per the testify-based
// but codegen-free test style used throughout this module).
type fakeModule struct {
	initErr error
	runErr  error
	stopErr error
	runFn   func()
	initN   int
	runN    int
	stopN   int
}

func (f *fakeModule) Init() error { f.initN++; return f.initErr }
func (f *fakeModule) Run() error {
	f.runN++
	if f.runFn != nil {
		f.runFn()
	}
	return f.runErr
}
func (f *fakeModule) Stop() error { f.stopN++; return f.stopErr }

func ctorFor(mod *fakeModule) loader.ModuleCtor {
	return func(self map[string]any, con *console.Console, wrap *loader.Wrapper) (loader.Module, error) {
		return mod, nil
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	a := New("demo")
	mod := &fakeModule{}

	require.NoError(t, a.Init(Info{Name: "demo", Version: "1"}, ctorFor(mod)))
	assert.Equal(t, StateInitialized, a.State())

	require.NoError(t, a.Run())
	assert.Equal(t, StateRunning, a.State())
	assert.Equal(t, 1, mod.runN)

	require.NoError(t, a.Stop())
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, 1, mod.stopN)
	assert.True(t, a.Stats().Uptime >= 0)
}

func TestInitForbiddenWhileRunning(t *testing.T) {
	a := New("demo")
	mod := &fakeModule{runFn: func() { time.Sleep(2 * time.Second) }}
	require.NoError(t, a.Init(Info{Name: "demo"}, ctorFor(mod)))
	require.NoError(t, a.Run())
	assert.Equal(t, StateRunning, a.State())

	err := a.Init(Info{Name: "demo"}, ctorFor(&fakeModule{}))
	assert.Error(t, err)

	require.NoError(t, a.Stop())
}

func TestStopIsNoOpFromStopped(t *testing.T) {
	a := New("demo")
	require.NoError(t, a.Stop())
	assert.Equal(t, StateUninitialized, a.State())
}

func TestRunErrorTransitionsToStopped(t *testing.T) {
	a := New("demo")
	mod := &fakeModule{runErr: errors.New("boom")}
	require.NoError(t, a.Init(Info{Name: "demo"}, ctorFor(mod)))

	err := a.Run()
	require.Error(t, err)
	assert.Equal(t, StateStopped, a.State())
	assert.Contains(t, a.Stats().LastError, "boom")
}

func TestRestartIncrementsCount(t *testing.T) {
	a := New("demo")
	mod := &fakeModule{}
	require.NoError(t, a.Init(Info{Name: "demo"}, ctorFor(mod)))
	require.NoError(t, a.Run())

	require.NoError(t, a.Restart())
	assert.Equal(t, 1, a.Stats().RestartCount)
	require.NoError(t, a.Stop())
}

// cancelAwareModule blocks its Run() on the *loader.Wrapper handed to it
// at construction time, exercising the same Await path user scripts
// reach through the "wrapper(v)" JS bridge.
type cancelAwareModule struct {
	wrap    *loader.Wrapper
	awaited chan error
}

func (m *cancelAwareModule) Init() error { return nil }
func (m *cancelAwareModule) Run() error {
	never := make(chan any)
	_, err := m.wrap.Await(never)
	m.awaited <- err
	return err
}
func (m *cancelAwareModule) Stop() error { return nil }

func TestCancellationLivenessAcrossStop(t *testing.T) {
	a := New("demo")
	mod := &cancelAwareModule{awaited: make(chan error, 1)}
	ctor := loader.ModuleCtor(func(self map[string]any, con *console.Console, wrap *loader.Wrapper) (loader.Module, error) {
		mod.wrap = wrap
		return mod, nil
	})
	require.NoError(t, a.Init(Info{Name: "demo"}, ctor))

	// Run() returns at the 1s warmup boundary since the module's run()
	// never resolves on its own; the goroutine is still parked in Await.
	require.NoError(t, a.Run())
	require.NoError(t, a.Stop())

	select {
	case err := <-mod.awaited:
		require.Error(t, err)
		assert.Equal(t, "App stopped", err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("wrapper await did not observe cancellation after stop()")
	}
}
