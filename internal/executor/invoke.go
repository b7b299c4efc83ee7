package executor

import (
	"context"
	"sync"
	"time"

	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/spi"
)

// PerUnit bundles the rate limiter, breaker set, bulkhead, and worker pool
// owned by a single unit id. One instance per unit.
type PerUnit struct {
	UnitID      string
	RateLimiter *RateLimiter
	Bulkhead    *Bulkhead
	Pool        *WorkerPool
	Propagators []spi.Propagator

	breakersMu sync.RWMutex
	breakers   map[string]*CircuitBreaker
	breakerCfg BreakerConfig
}

func NewPerUnit(unitID string, rl RateLimiterConfig, bulkheadMax int, poolSize int, breakerCfg BreakerConfig, propagators []spi.Propagator) *PerUnit {
	return &PerUnit{
		UnitID:      unitID,
		RateLimiter: NewRateLimiter(rl),
		Bulkhead:    NewBulkhead(bulkheadMax),
		Pool:        NewWorkerPool(poolSize),
		Propagators: propagators,
		breakers:    make(map[string]*CircuitBreaker),
		breakerCfg:  breakerCfg,
	}
}

func (u *PerUnit) breakerFor(fqsid string) *CircuitBreaker {
	u.breakersMu.RLock()
	cb, ok := u.breakers[fqsid]
	u.breakersMu.RUnlock()
	if ok {
		return cb
	}

	u.breakersMu.Lock()
	defer u.breakersMu.Unlock()
	if cb, ok := u.breakers[fqsid]; ok {
		return cb
	}
	cb = NewCircuitBreaker(fqsid, u.breakerCfg)
	u.breakers[fqsid] = cb
	return cb
}

func (u *PerUnit) Breaker(fqsid string) *CircuitBreaker { return u.breakerFor(fqsid) }

// InvokeOpts parameterizes one call through the executor.
type InvokeOpts struct {
	FQSID            string
	Timeout          time.Duration
	BulkheadAcquire  time.Duration
	Transactional    bool
	TraceID          string
	ActiveUnitID     string
	Labels           map[string]string
	Target           func(ctx context.Context) (interface{}, error)
}

// Invoke runs the full pre-admission -> bulkhead handoff -> worker
// execution -> wait & finalize sequence.
func (u *PerUnit) Invoke(ctx context.Context, opts InvokeOpts) (interface{}, error) {
	if !u.RateLimiter.Allow() {
		return nil, kerrors.RateLimitedErr(opts.FQSID)
	}

	cb := u.breakerFor(opts.FQSID)

	if opts.Transactional {
		// Bypass bulkhead and cross-worker handoff entirely to preserve
		// transactional semantics: run synchronously on the caller's
		// goroutine.
		return cb.Execute(ctx, opts.Target)
	}

	// Breaker state must gate the call before a bulkhead permit is taken,
	// so an open breaker fails fast without consuming bulkhead or pool
	// capacity a call that's about to be rejected has no use for.
	if state := cb.State(); state == StateOpen || state == StateForcedOpen {
		return nil, kerrors.CallNotPermittedErr(opts.FQSID)
	}

	snap, err := Capture(ctx, opts.TraceID, opts.ActiveUnitID, opts.Labels, u.Propagators)
	if err != nil {
		return nil, err
	}

	release, err := u.Bulkhead.Acquire(ctx, opts.BulkheadAcquire)
	if err != nil {
		return nil, kerrors.BulkheadFullErr(opts.FQSID)
	}
	defer release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := u.Pool.Submit(func() (interface{}, error) {
		workerCtx, tokens, err := Replay(callCtx, snap, u.Propagators)
		defer Restore(workerCtx, tokens, u.Propagators)
		if err != nil {
			return nil, err
		}
		return cb.Execute(workerCtx, opts.Target)
	})

	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-callCtx.Done():
		return nil, kerrors.TimeoutErr(opts.FQSID)
	}
}

func (u *PerUnit) Shutdown() {
	u.Pool.Shutdown()
}
