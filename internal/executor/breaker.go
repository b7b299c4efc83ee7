// Package executor implements the invocation executor's pre-admission and
// worker-execution pipeline: rate limiter, circuit breaker, bulkhead
// handoff, context snapshot/replay, and timeout/cancellation.
//
// The circuit breaker wraps github.com/sony/gobreaker/v2 the way
// infrastructure/resilience.CircuitBreaker does, preserving a wider API:
// gobreaker only models three states (closed/open/half-open), so
// FORCED-OPEN and DISABLED are layered on top as an override checked before
// any call reaches gobreaker. gobreaker's own ReadyToTrip sees a rolling
// window we maintain ourselves (failure-rate OR slow-call-rate over the
// last N samples) rather than gobreaker's built-in consecutive-failure
// counts, since the trip condition here is a sliding window, not a
// consecutive-failure streak.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	kerrors "github.com/lingframe/lingcore/internal/errors"
)

// BreakerState names all five states this breaker can be in; gobreaker
// natively expresses only the first three (closed/open/half-open).
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
	StateForcedOpen
	StateDisabled
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	case StateForcedOpen:
		return "forced-open"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// BreakerConfig configures one per-fqsid breaker.
type BreakerConfig struct {
	FailureThresholdPct float64 // e.g. 50.0
	SlowThresholdPct    float64
	SlowCallDuration    time.Duration
	MinCalls            int
	WindowSize          int // sliding window sample capacity
	WaitDuration        time.Duration
	HalfOpenMaxProbes   int
	OnStateChange       func(fqsid string, from, to BreakerState)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThresholdPct: 50,
		SlowThresholdPct:    100,
		SlowCallDuration:    time.Second,
		MinCalls:            10,
		WindowSize:          100,
		WaitDuration:        200 * time.Millisecond,
		HalfOpenMaxProbes:   3,
	}
}

type sample struct {
	failed bool
	slow   bool
}

type slidingWindow struct {
	mu      sync.Mutex
	samples []sample
	cap     int
	next    int
	filled  bool
}

func newSlidingWindow(capacity int) *slidingWindow {
	if capacity <= 0 {
		capacity = 100
	}
	return &slidingWindow{samples: make([]sample, capacity), cap: capacity}
}

func (w *slidingWindow) record(failed, slow bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = sample{failed: failed, slow: slow}
	w.next = (w.next + 1) % w.cap
	if w.next == 0 {
		w.filled = true
	}
}

func (w *slidingWindow) rates() (count int, failPct, slowPct float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.filled {
		n = w.cap
	}
	if n == 0 {
		return 0, 0, 0
	}
	var failed, slow int
	for i := 0; i < n; i++ {
		if w.samples[i].failed {
			failed++
		}
		if w.samples[i].slow {
			slow++
		}
	}
	return n, 100 * float64(failed) / float64(n), 100 * float64(slow) / float64(n)
}

// CircuitBreaker is one per-fqsid breaker instance.
type CircuitBreaker struct {
	fqsid  string
	cfg    BreakerConfig
	window *slidingWindow
	gb     *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	override BreakerState // StateClosed means "no override, defer to gobreaker"
}

func NewCircuitBreaker(fqsid string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = 10
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 200 * time.Millisecond
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}

	cb := &CircuitBreaker{fqsid: fqsid, cfg: cfg, window: newSlidingWindow(cfg.WindowSize)}

	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMaxProbes),
		Interval:    0,
		Timeout:     cfg.WaitDuration,
		ReadyToTrip: func(gobreaker.Counts) bool {
			n, failPct, slowPct := cb.window.rates()
			if n < cfg.MinCalls {
				return false
			}
			return failPct >= cfg.FailureThresholdPct || slowPct >= cfg.SlowThresholdPct
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(fqsid, mapGBState(from), mapGBState(to))
		}
	}
	cb.gb = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

func mapGBState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// State reports the effective state, accounting for a manual override.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	override := cb.override
	cb.mu.Unlock()
	if override == StateForcedOpen || override == StateDisabled {
		return override
	}
	return mapGBState(cb.gb.State())
}

// ForceOpen / Disable / Reset manage the two states gobreaker cannot model.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.override = StateForcedOpen
}

func (cb *CircuitBreaker) Disable() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.override = StateDisabled
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.override = StateClosed
}

type slowSuccess struct{ value interface{} }

func (slowSuccess) Error() string { return "slow call recorded against the breaker window" }

// Execute runs fn under the breaker. A slow-but-successful call still
// returns its value to the caller while counting toward the slow-call rate
// that can trip the breaker on the next evaluation.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	switch cb.State() {
	case StateDisabled:
		return fn(ctx)
	case StateForcedOpen:
		return nil, kerrors.CallNotPermittedErr(cb.fqsid)
	}

	start := time.Now()
	result, err := cb.gb.Execute(func() (interface{}, error) {
		v, callErr := fn(ctx)
		elapsed := time.Since(start)
		slow := cb.cfg.SlowCallDuration > 0 && elapsed >= cb.cfg.SlowCallDuration

		if callErr != nil {
			cb.window.record(true, slow)
			return nil, callErr
		}
		cb.window.record(false, slow)
		if slow {
			return nil, slowSuccess{value: v}
		}
		return v, nil
	})

	var ss slowSuccess
	if errors.As(err, &ss) {
		return ss.value, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, kerrors.CallNotPermittedErr(cb.fqsid)
	}
	return result, err
}
