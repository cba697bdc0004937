// Package loader implements the dynamic module loading capability the
// App FSM depends on: compiling and instantiating a user-authored
// script into a running module. It embeds goja as the scripting
// engine, satisfying the abstract Loader: path -> ModuleCtor contract.
package loader

import (
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"

	"github.com/nodegrove/apphost/internal/apperr"
	"github.com/nodegrove/apphost/internal/console"
	"github.com/nodegrove/apphost/internal/resilience"
)

// Module is the running instance produced by a ModuleCtor: the
// user-level init/run/stop contract the App FSM drives.
type Module interface {
	Init() error
	Run() error
	Stop() error
}

// ModuleCtor constructs a Module for one App, given its info, its
// Console, and the cancellation-aware Wrapper primitive to inject into
// the script's global scope.
type ModuleCtor func(self map[string]any, con *console.Console, wrap *Wrapper) (Module, error)

// Loader compiles a script at path into a ModuleCtor. Implementations
// must be safe to call concurrently for distinct paths.
type Loader interface {
	Load(path string) (ModuleCtor, error)
}

// GojaLoader is a Loader backed by an embedded goja JavaScript runtime.
// Every call to Load reads and compiles the source fresh (no program
// cache), so a changed file on disk is always picked up by the next
// init.
type GojaLoader struct {
	breaker *resilience.Breaker[ModuleCtor]
	timeout time.Duration
}

// New creates a GojaLoader. timeout bounds the constructor's synchronous
// execution (goja is interrupted if a script's top-level or constructor
// code runs longer than this); a value <= 0 uses a 5 second default.
func New(timeout time.Duration) *GojaLoader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	breaker := resilience.New[ModuleCtor]("loader.import", resilience.Settings{
		MaxRequests:            1,
		Interval:               30 * time.Second,
		Timeout:                10 * time.Second,
		MaxConsecutiveFailures: 3,
	})
	return &GojaLoader{breaker: breaker, timeout: timeout}
}

// Load reads and compiles the script at path, guarded by a circuit
// breaker shared by every path this loader compiles: once read or
// compile failures (a missing file, bad syntax) trip it, further Load
// calls fail fast until its timeout elapses. Constructor errors surface
// later, when the returned ModuleCtor runs, and are not counted.
func (l *GojaLoader) Load(path string) (ModuleCtor, error) {
	ctor, err := l.breaker.Execute(func() (ModuleCtor, error) {
		return l.compile(path)
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return nil, apperr.Wrap(apperr.KindUser, "loader.Load", fmt.Errorf("module %q: %w (breaker open after repeated import failures)", path, err))
		}
		return nil, apperr.Wrap(apperr.KindUser, "loader.Load", err)
	}
	return ctor, nil
}

func (l *GojaLoader) compile(path string) (ModuleCtor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "loader.compile", err)
	}

	program, err := goja.Compile(path, string(src), false)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "loader.compile", err)
	}

	timeout := l.timeout
	ctor := ModuleCtor(func(self map[string]any, con *console.Console, wrap *Wrapper) (Module, error) {
		vm := goja.New()
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

		timer := time.AfterFunc(timeout, func() { vm.Interrupt("module constructor timed out") })
		defer timer.Stop()

		setupGlobals(vm, con, wrap)

		if _, err := vm.RunProgram(program); err != nil {
			return nil, apperr.Wrap(apperr.KindUser, "loader.ctor", err)
		}

		factory, ok := goja.AssertFunction(vm.Get("App"))
		if !ok {
			return nil, apperr.New(apperr.KindUser, "loader.ctor", fmt.Errorf("module %q does not define a global App constructor function", path))
		}

		ctx := vm.NewObject()
		_ = ctx.Set("self", self)
		_ = ctx.Set("console", buildConsoleBridge(vm, con))
		_ = ctx.Set("wrapper", buildWrapperBridge(vm, wrap))

		instanceVal, err := factory(goja.Undefined(), ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUser, "loader.ctor", err)
		}
		instance := instanceVal.ToObject(vm)

		return &jsModule{vm: vm, instance: instance}, nil
	})

	return ctor, nil
}

func setupGlobals(vm *goja.Runtime, con *console.Console, wrap *Wrapper) {
	_ = vm.Set("require", goja.Undefined())
	_ = vm.Set("process", goja.Undefined())
	_ = vm.Set("sleep", buildSleepBridge(vm))
	_ = vm.Set("wrap", buildWrapperBridge(vm, wrap))
}

// jsModule adapts a goja object exposing init/run/stop methods to the
// Module interface.
type jsModule struct {
	vm       *goja.Runtime
	instance *goja.Object
}

func (m *jsModule) call(name string) error {
	fn, ok := goja.AssertFunction(m.instance.Get(name))
	if !ok {
		// A module need not implement every lifecycle method.
		return nil
	}
	_, err := fn(m.instance)
	if err != nil {
		return apperr.Wrap(apperr.KindUser, "jsModule."+name, err)
	}
	return nil
}

func (m *jsModule) Init() error { return m.call("init") }
func (m *jsModule) Run() error  { return m.call("run") }
func (m *jsModule) Stop() error { return m.call("stop") }
