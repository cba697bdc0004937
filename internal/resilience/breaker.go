// Package resilience implements a circuit breaker (the closed /
// open / half-open state machine popularized by sony/gobreaker),
// scoped to the one place this repo needs it: internal/loader's goja
// import step. Module sources that repeatedly fail to read or compile
// trip the breaker, so repeated import attempts (startup load, PUT,
// RELOAD) against a broken module fail fast instead of re-running the
// goja compiler each time.
//
// Breaker is generic over the guarded operation's result type (in this
// repo, Breaker[loader.ModuleCtor]) so Execute returns the compiled
// value directly instead of boxing it in interface{} and forcing the
// caller to type-assert it back out, and the trip rule is a concrete
// MaxConsecutiveFailures count rather than an arbitrary Counts
// predicate, since every breaker this package guards trips on the
// same thing: too many failures in a row.
package resilience

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned by Execute while the breaker is open,
	// e.g. a module stuck failing to compile within its cooldown window.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when more than Settings.MaxRequests
	// import attempts race a half-open breaker's single trial slot.
	ErrTooManyRequests = errors.New("too many requests")
)

// State is one circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// defaultMaxConsecutiveFailures is used when Settings.MaxConsecutiveFailures
// is zero.
const defaultMaxConsecutiveFailures = 6

// Settings configures one Breaker.
type Settings struct {
	// MaxRequests bounds how many import attempts are allowed through
	// while the breaker is half-open, probing whether the module compiles
	// again.
	MaxRequests uint32
	// Interval is how often a closed breaker's failure streak resets.
	Interval time.Duration
	// Timeout is how long an open breaker waits before allowing a
	// half-open probe attempt.
	Timeout time.Duration
	// MaxConsecutiveFailures trips a closed breaker open once this many
	// requests have failed in a row. internal/loader sets this to 3
	// (three failed compile/construct attempts in a row).
	MaxConsecutiveFailures uint32
	// OnStateChange, if set, is called whenever the state changes.
	OnStateChange func(name string, from State, to State)
}

// Counts holds one breaker's running statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards one named operation with a closed/open/half-open state
// machine, returning results of type T directly from Execute.
type Breaker[T any] struct {
	name     string
	settings Settings

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a Breaker[T] named name (surfaced to Settings.OnStateChange
// and useful in logs when more than one breaker is in play).
func New[T any](name string, settings Settings) *Breaker[T] {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = 1
	}
	if settings.Interval == 0 {
		settings.Interval = 60 * time.Second
	}
	if settings.Timeout == 0 {
		settings.Timeout = 60 * time.Second
	}
	if settings.MaxConsecutiveFailures == 0 {
		settings.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}

	return &Breaker[T]{
		name:     name,
		settings: settings,
		state:    StateClosed,
		expiry:   time.Now().Add(settings.Interval),
	}
}

// State returns the breaker's current state.
func (b *Breaker[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)
	return state
}

// Counts returns a copy of the internal counts.
func (b *Breaker[T]) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Execute runs req if the breaker accepts it, returning req's result
// directly or the zero value of T alongside ErrCircuitOpen /
// ErrTooManyRequests if it doesn't.
func (b *Breaker[T]) Execute(req func() (T, error)) (T, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		var zero T
		return zero, err
	}

	defer func() {
		e := recover()
		if e != nil {
			b.afterRequest(generation, false)
			panic(e)
		}
	}()

	result, err := req()
	b.afterRequest(generation, err == nil)
	return result, err
}

// beforeRequest checks whether a new request may proceed.
func (b *Breaker[T]) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}

	if state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

// afterRequest records the outcome of a request that beforeRequest let
// through, provided the breaker hasn't since moved to a new generation
// (e.g. its Interval elapsed and reset counts underneath it).
func (b *Breaker[T]) afterRequest(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if generation != before {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker[T]) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.counts.ConsecutiveSuccesses >= b.settings.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker[T]) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.TotalFailures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.counts.ConsecutiveFailures >= b.settings.MaxConsecutiveFailures {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances the state machine for the passage of time (a
// closed breaker's interval elapsing, an open breaker's timeout
// elapsing) before returning the now-current state and generation.
func (b *Breaker[T]) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.resetCounts()
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}

	return b.state, uint64(b.expiry.UnixNano())
}

func (b *Breaker[T]) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	b.resetCounts()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.settings.Interval)
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, prev, state)
	}
}

func (b *Breaker[T]) resetCounts() {
	b.counts = Counts{}
}
