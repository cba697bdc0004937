package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loaderSettings mirrors internal/loader.New's breaker configuration,
// scaled down so the tests don't wait on real Interval/Timeout values.
func loaderSettings(timeout time.Duration) Settings {
	return Settings{
		MaxRequests:            1,
		Interval:               time.Minute,
		Timeout:                timeout,
		MaxConsecutiveFailures: 3,
	}
}

// compile stands in for GojaLoader.compile: it "succeeds" by returning
// a module-ctor placeholder, or "fails" the way a syntax error would.
func compile(ok bool) (string, error) {
	if ok {
		return "module-ctor", nil
	}
	return "", errors.New("SyntaxError: unexpected token")
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		settings      Settings
		imports       []bool // true = compiles, false = compile error
		expectedState State
	}{
		{
			name:          "stays closed while imports keep compiling",
			settings:      loaderSettings(time.Minute),
			imports:       []bool{true, true, true},
			expectedState: StateClosed,
		},
		{
			name:          "opens after three consecutive compile failures",
			settings:      loaderSettings(time.Minute),
			imports:       []bool{false, false, false},
			expectedState: StateOpen,
		},
		{
			name:          "two failures alone aren't enough to trip",
			settings:      loaderSettings(time.Minute),
			imports:       []bool{false, false},
			expectedState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New[string]("loader.import", tt.settings)

			for _, ok := range tt.imports {
				_, _ = breaker.Execute(func() (string, error) {
					return compile(ok)
				})
			}

			assert.Equal(t, tt.expectedState, breaker.State())
		})
	}
}

func TestBreakerCounts(t *testing.T) {
	breaker := New[string]("loader.import", loaderSettings(time.Minute))

	ctor, err := breaker.Execute(func() (string, error) {
		return compile(true)
	})
	require.NoError(t, err)
	assert.Equal(t, "module-ctor", ctor)

	counts := breaker.Counts()
	assert.Equal(t, uint32(1), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.ConsecutiveSuccesses)
	assert.Equal(t, uint32(0), counts.TotalFailures)

	_, err = breaker.Execute(func() (string, error) {
		return compile(false)
	})
	assert.Error(t, err)

	counts = breaker.Counts()
	assert.Equal(t, uint32(2), counts.Requests)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(0), counts.ConsecutiveSuccesses)
}

// TestBreakerOpenStopsRecompiling checks the exact scenario the loader
// uses the breaker for: a module that keeps failing to compile
// shouldn't have every repeated import attempt re-invoke the goja
// compiler once the breaker has seen enough consecutive failures.
func TestBreakerOpenStopsRecompiling(t *testing.T) {
	breaker := New[string]("loader.import", loaderSettings(time.Minute))

	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (string, error) {
			return compile(false)
		})
	}
	assert.Equal(t, StateOpen, breaker.State())

	compiled := false
	ctor, err := breaker.Execute(func() (string, error) {
		compiled = true
		return compile(true)
	})
	assert.Equal(t, ErrCircuitOpen, err)
	assert.Equal(t, "", ctor, "a rejected Execute must return the zero value, not a partial result")
	assert.False(t, compiled, "breaker should short-circuit without invoking the compiler")
}

func TestBreakerHalfOpenRecoversAfterFixedModule(t *testing.T) {
	breaker := New[string]("loader.import", loaderSettings(50*time.Millisecond))

	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (string, error) {
			return compile(false)
		})
	}
	assert.Equal(t, StateOpen, breaker.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, breaker.State())

	// The module's source got fixed; the next import attempt succeeds
	// and MaxRequests=1 means that single success is enough to close.
	ctor, err := breaker.Execute(func() (string, error) {
		return compile(true)
	})
	require.NoError(t, err)
	assert.Equal(t, "module-ctor", ctor)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerHalfOpenReopensOnRepeatFailure(t *testing.T) {
	breaker := New[string]("loader.import", loaderSettings(10*time.Millisecond))

	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (string, error) {
			return compile(false)
		})
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	_, err := breaker.Execute(func() (string, error) {
		return compile(false)
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreakerCallbacksRecordTransitions(t *testing.T) {
	var transitions []string

	settings := loaderSettings(10 * time.Millisecond)
	settings.OnStateChange = func(name string, from State, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	breaker := New[string]("loader.import", settings)

	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (string, error) {
			return compile(false)
		})
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, breaker.State())

	assert.Contains(t, transitions, "closed->open")
	assert.Contains(t, transitions, "open->half-open")
}

// TestBreakerDefaultMaxConsecutiveFailures pins the fallback threshold
// used when Settings.MaxConsecutiveFailures is left unset.
func TestBreakerDefaultMaxConsecutiveFailures(t *testing.T) {
	breaker := New[string]("loader.import", Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
	})

	for i := 0; i < defaultMaxConsecutiveFailures-1; i++ {
		_, _ = breaker.Execute(func() (string, error) {
			return compile(false)
		})
	}
	assert.Equal(t, StateClosed, breaker.State())

	_, _ = breaker.Execute(func() (string, error) {
		return compile(false)
	})
	assert.Equal(t, StateOpen, breaker.State())
}
