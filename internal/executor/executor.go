package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/spi"
)

// RateLimiterConfig mirrors infrastructure/ratelimit.RateLimitConfig, scoped
// to the token-bucket step of pre-admission.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{RequestsPerSecond: 100, Burst: 200}
}

// RateLimiter wraps golang.org/x/time/rate the same way
// infrastructure/ratelimit.RateLimiter does.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

func (r *RateLimiter) Allow() bool { return r.limiter.Allow() }

// Bulkhead is a per-unit bounded-concurrency gate with a timed acquire,
// backed by a buffered channel used as a counting semaphore.
type Bulkhead struct {
	permits chan struct{}
}

func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bulkhead{permits: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks up to timeout for a free permit.
func (b *Bulkhead) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b.permits <- struct{}{}:
		released := false
		var mu sync.Mutex
		return func() {
			mu.Lock()
			defer mu.Unlock()
			if !released {
				released = true
				<-b.permits
			}
		}, nil
	case <-timer.C:
		return nil, kerrors.BulkheadFullErr("")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bulkhead) InFlight() int { return len(b.permits) }

// Snapshot is the ambient state captured before a bulkhead handoff and
// replayed on the worker goroutine.
type Snapshot struct {
	TraceID      string
	ActiveUnitID string
	Labels       map[string]string
	Propagated   []interface{}
}

// Capture runs every registered propagator's Capture and bundles the
// results alongside the trace fields passed in by the caller.
func Capture(ctx context.Context, traceID, activeUnitID string, labels map[string]string, propagators []spi.Propagator) (Snapshot, error) {
	snap := Snapshot{TraceID: traceID, ActiveUnitID: activeUnitID, Labels: labels}
	for _, p := range propagators {
		v, err := p.Capture(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Propagated = append(snap.Propagated, v)
	}
	return snap, nil
}

// Replay runs each propagator's Replay with its captured value and returns
// ctx unchanged together with the restore tokens, to be passed to Restore
// on every exit path. The snapshot's TraceID, ActiveUnitID and Labels are
// not written onto ctx.
func Replay(ctx context.Context, snap Snapshot, propagators []spi.Propagator) (context.Context, []interface{}, error) {
	tokens := make([]interface{}, 0, len(propagators))
	for i, p := range propagators {
		var arg interface{}
		if i < len(snap.Propagated) {
			arg = snap.Propagated[i]
		}
		token, err := p.Replay(ctx, arg)
		if err != nil {
			return ctx, tokens, err
		}
		tokens = append(tokens, token)
	}
	return ctx, tokens, nil
}

// Restore runs every propagator's Restore with its captured token, in
// reverse registration order, the way defers unwind.
func Restore(ctx context.Context, tokens []interface{}, propagators []spi.Propagator) {
	for i := len(propagators) - 1; i >= 0; i-- {
		if i < len(tokens) {
			propagators[i].Restore(ctx, tokens[i])
		}
	}
}

// WorkerPool is the per-unit bounded thread pool invocations are handed off
// to after a bulkhead permit is acquired.
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	quit  chan struct{}
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{tasks: make(chan func(), size*4), quit: make(chan struct{})}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			return
		}
	}
}

// Submit enqueues fn and returns a channel that receives its result.
func (p *WorkerPool) Submit(fn func() (interface{}, error)) <-chan Result {
	out := make(chan Result, 1)
	p.tasks <- func() {
		v, err := fn()
		out <- Result{Value: v, Err: err}
	}
	return out
}

func (p *WorkerPool) Shutdown() {
	close(p.quit)
	p.wg.Wait()
}

type Result struct {
	Value interface{}
	Err   error
}
