package loader

import (
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/nodegrove/apphost/internal/console"
)

// Token is a one-shot cancellation signal: it begins Unset and can be
// Set exactly once (further Sets are no-ops), per the App FSM's
// "cancellation token" (spec section 4.4).
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken returns a fresh, Unset token.
func NewToken() *Token { return &Token{ch: make(chan struct{})} }

// Set fires the token, idempotently.
func (t *Token) Set() { t.once.Do(func() { close(t.ch) }) }

// Done returns a channel that is closed once the token is Set.
func (t *Token) Done() <-chan struct{} { return t.ch }

// Wrapper holds the current cancellation token for one App and exposes
// it to user code as the "wrapper(v)" await primitive: wrapper(v)
// resolves to v if v resolves first, otherwise fails with "App
// stopped" once the token is Set. A fresh token is installed on every
// RUNNING entry so a restarted app never observes a stale
// already-fired token.
type Wrapper struct {
	mu    sync.RWMutex
	token *Token
}

// NewWrapper creates a Wrapper with a fresh, Unset token.
func NewWrapper() *Wrapper { return &Wrapper{token: NewToken()} }

// Reset installs and returns a fresh Unset token.
func (w *Wrapper) Reset() *Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = NewToken()
	return w.token
}

// Fire sets the current token, releasing every pending Await/JS wrapper
// call with an "App stopped" outcome.
func (w *Wrapper) Fire() {
	w.mu.RLock()
	token := w.token
	w.mu.RUnlock()
	token.Set()
}

func (w *Wrapper) current() *Token {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.token
}

// errAppStopped is the error every outstanding wrapper await resolves
// to once stop() Sets the cancellation token.
var errAppStopped = errAppStoppedType{}

type errAppStoppedType struct{}

func (errAppStoppedType) Error() string { return "App stopped" }

// Await races a Go channel-producing computation against the current
// cancellation token, for Go-side callers (as opposed to the JS bridge
// in buildWrapperBridge, used by user scripts).
func (w *Wrapper) Await(result <-chan any) (any, error) {
	token := w.current()
	select {
	case v := <-result:
		return v, nil
	case <-token.Done():
		return nil, errAppStopped
	}
}

// Awaitable is a pending value a host function (e.g. sleep) hands back
// to script code; wrapper(awaitable) races it against cancellation.
type Awaitable struct {
	done chan struct{}
	val  goja.Value
}

func newSleepAwaitable(vm *goja.Runtime, d time.Duration) *Awaitable {
	a := &Awaitable{done: make(chan struct{})}
	time.AfterFunc(d, func() {
		a.val = goja.Undefined()
		close(a.done)
	})
	return a
}

// buildWrapperBridge returns the JS-callable "wrapper" function bound to
// wrap. A value that is not an *Awaitable resolves immediately (a plain
// value or an already-computed result); an *Awaitable races against the
// current cancellation token and throws a JS exception carrying "App
// stopped" if the token fires first.
func buildWrapperBridge(vm *goja.Runtime, wrap *Wrapper) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		arg := call.Arguments[0]
		exported := arg.Export()
		awaitable, ok := exported.(*Awaitable)
		if !ok {
			return arg
		}

		token := wrap.current()
		select {
		case <-awaitable.done:
			return awaitable.val
		case <-token.Done():
			panic(vm.ToValue(errAppStopped.Error()))
		}
	}
}

// buildSleepBridge returns the JS-callable "sleep" function: sleep(ms)
// returns an Awaitable that resolves after ms milliseconds, meant to be
// passed straight to wrapper(), matching the reference idiom
// `wrapper(sleep(1000))`.
func buildSleepBridge(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		ms := int64(0)
		if len(call.Arguments) > 0 {
			ms = call.Arguments[0].ToInteger()
		}
		return vm.ToValue(newSleepAwaitable(vm, time.Duration(ms)*time.Millisecond))
	}
}

func buildConsoleBridge(vm *goja.Runtime, con *console.Console) goja.Value {
	obj := vm.NewObject()
	mk := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			con.Log(level, args...)
			return goja.Undefined()
		}
	}
	_ = obj.Set("log", mk("log"))
	_ = obj.Set("info", mk("info"))
	_ = obj.Set("warn", mk("warn"))
	_ = obj.Set("error", mk("error"))
	return obj
}
