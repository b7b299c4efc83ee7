package governance

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lingframe/lingcore/internal/audit"
	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/metrics"
	"github.com/lingframe/lingcore/internal/permission"
	"github.com/lingframe/lingcore/internal/trace"
)

// InvocationRequest is everything the kernel needs to govern one call.
type InvocationRequest struct {
	CallerID      string // may be "" (host-originated)
	TargetUnitID  string
	DeclaringType string
	Method        string
	ResourceType  string // RPC / HTTP / WEB
	ResourceID    string
	Args          []interface{}
	Labels        map[string]string
	FQSID         string

	// Target performs the actual call once permission and pre-admission
	// have cleared. It is normally executor.PerUnit.Invoke wired up by the
	// caller (kept as a plain func here so governance does not import
	// executor, avoiding a cycle).
	Target func(ctx context.Context, timeout time.Duration) (interface{}, error)
}

// Kernel wraps every cross-boundary invocation.
type Kernel struct {
	mu              sync.RWMutex
	hostProviders   []Provider
	dynamicProviders []Provider
	unitProviders   map[string]Provider

	permissions *permission.Service
	auditPipe   *audit.Pipeline
	bus         *events.Bus
	log         *logging.Logger
	metrics     *metrics.Metrics
	results     *resultCache

	devMode bool
}

func NewKernel(perm *permission.Service, auditPipe *audit.Pipeline, bus *events.Bus, log *logging.Logger, m *metrics.Metrics, devMode bool) *Kernel {
	if log == nil {
		log = logging.Default()
	}
	return &Kernel{
		unitProviders: make(map[string]Provider),
		permissions:   perm,
		auditPipe:     auditPipe,
		bus:           bus,
		log:           log,
		metrics:       m,
		results:       newResultCache(0),
		devMode:       devMode,
	}
}

func (k *Kernel) AddHostProvider(p Provider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hostProviders = append(k.hostProviders, p)
}

func (k *Kernel) SetDynamicProviders(ps []Provider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dynamicProviders = ps
}

func (k *Kernel) RegisterUnitPolicy(unitID string, p Provider) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unitProviders[unitID] = p
}

func (k *Kernel) RemoveUnitPolicy(unitID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.unitProviders, unitID)
}

func (k *Kernel) chainFor(unitID string) *Chain {
	k.mu.RLock()
	defer k.mu.RUnlock()

	providers := make([]Provider, 0, len(k.hostProviders)+len(k.dynamicProviders)+1)
	providers = append(providers, k.hostProviders...)
	providers = append(providers, k.dynamicProviders...)
	if p, ok := k.unitProviders[unitID]; ok {
		providers = append(providers, p)
	}
	return NewChain(providers...)
}

// Invoke runs the full per-invocation flow: trace setup, decision
// arbitration, permission check, retrying execution, fallback on
// exhaustion, audit submission, and trace cleanup on root exit.
func (k *Kernel) Invoke(ctx context.Context, req InvocationRequest) (interface{}, error) {
	start := time.Now()

	// Step 1: trace-root detection / ingress event.
	ctx, _, isRoot := trace.Start(ctx)
	ctx = trace.WithActiveUnit(ctx, req.TargetUnitID)
	depth := trace.Depth(ctx)
	traceID := trace.ID(ctx)

	defer func() {
		// Step 8: decrement depth / clear trace context on root exit.
		trace.Clear(ctx, isRoot)
	}()

	_ = k.bus.Publish(ctx, events.Event{
		Type:       "trace.ingress",
		SourceUnit: req.TargetUnitID,
		Payload: map[string]interface{}{
			"trace_id": traceID, "caller": req.CallerID, "target": req.TargetUnitID,
			"resource": req.ResourceID, "depth": depth,
		},
	})

	// Step 2: arbitrate decision.
	chain := k.chainFor(req.TargetUnitID)
	decision := chain.Arbitrate(req.DeclaringType, req.Method)

	// Step 3: permission check, always against the caller id, falling
	// back to the target id if the caller is absent (host-originated).
	checkedCaller := req.CallerID
	if checkedCaller == "" {
		checkedCaller = req.TargetUnitID
	}
	perm := k.permissions.IsAllowed(checkedCaller, decision.RequiredPermission, decision.AccessType)

	devBypassed := false
	if !perm.Allowed {
		if k.devMode {
			devBypassed = true
			k.log.WithContext(ctx).WithField("caller", checkedCaller).
				WithField("capability", decision.RequiredPermission).
				Warn("dev-mode: permission denied but bypassed")
		} else {
			k.log.LogPermissionDenied(ctx, checkedCaller, decision.RequiredPermission, string(decision.AccessType), perm.SourceTag)
			if k.metrics != nil {
				k.metrics.RecordPermissionDenial(decision.RequiredPermission)
			}
			k.recordAudit(ctx, traceID, checkedCaller, decision, req, audit.OutcomeDenied, start, true)
			return nil, kerrors.PermissionDeniedErr(checkedCaller, decision.RequiredPermission, string(decision.AccessType), string(perm.Granted), perm.SourceTag)
		}
	}

	// Step 4: execute with retry; permission errors are never retried
	// (already handled above — they return before reaching here).
	timeout := time.Duration(decision.Timeout) * time.Millisecond
	result, err := k.executeWithRetry(ctx, decision.RetryCount, func() (interface{}, error) {
		return req.Target(ctx, timeout)
	})

	outcome := audit.OutcomeSuccess
	traceOutcome := "RETURN"

	if err != nil {
		if kerrors.Is(err, kerrors.PermissionDenied) {
			// A permission-denied surfaced from inside the target (e.g. a
			// nested call) is never retried and propagates unchanged.
			traceOutcome = "ERROR"
			outcome = audit.OutcomeError
		} else if decision.HasFallback {
			// Step 5: fallback on exhaustion.
			result = decision.FallbackValue
			err = nil
			traceOutcome = "FALLBACK"
			outcome = audit.OutcomeHandled
		} else if cached, ok := k.results.recall(req.FQSID); ok {
			// No static fallback declared; offer the last-known-good result
			// for this fqsid instead of failing outright.
			result = cached
			err = nil
			traceOutcome = "FALLBACK"
			outcome = audit.OutcomeHandled
		} else {
			traceOutcome = "ERROR"
			outcome = audit.OutcomeError
		}
	} else {
		k.results.remember(req.FQSID, result)
	}

	// Step 6: egress trace event.
	_ = k.bus.Publish(ctx, events.Event{
		Type:       "trace.egress",
		SourceUnit: req.TargetUnitID,
		Payload:    map[string]interface{}{"trace_id": traceID, "kind": traceOutcome, "depth": depth},
	})

	if k.metrics != nil {
		k.metrics.RecordInvocation(req.FQSID, string(outcome), time.Since(start))
	}
	k.log.LogInvocation(ctx, req.FQSID, time.Since(start), err)

	// Step 7: audit submission. The dev-mode bypass flag must never be
	// observable in the record — it always reflects the real decision.
	if decision.AuditEnabled && !devBypassed {
		k.recordAudit(ctx, traceID, checkedCaller, decision, req, outcome, start, false)
	} else if devBypassed {
		// The record must still show the real (denied) decision, even
		// though dev mode let the call itself proceed.
		k.recordAudit(ctx, traceID, checkedCaller, decision, req, audit.OutcomeDenied, start, true)
	}

	return result, err
}

func (k *Kernel) recordAudit(ctx context.Context, traceID, caller string, decision *Decision, req InvocationRequest, outcome audit.Outcome, start time.Time, force bool) {
	if !decision.AuditEnabled && !force {
		return
	}
	k.auditPipe.AsyncRecord(audit.Record{
		TraceID:    traceID,
		Caller:     caller,
		Action:     decision.AuditAction,
		Resource:   req.ResourceID,
		CostNanos:  time.Since(start).Nanoseconds(),
		Outcome:    outcome,
		ArgPreview: audit.TruncateArgs(req.Args),
	})
}

// executeWithRetry runs fn once, then up to retryCount additional times on
// failure, using cenkalti/backoff's bounded exponential backoff the way
// infrastructure/resilience.Retry wraps the same library.
func (k *Kernel) executeWithRetry(ctx context.Context, retryCount int, fn func() (interface{}, error)) (interface{}, error) {
	if retryCount <= 0 {
		return fn()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(bo, uint64(retryCount))
	withCtx := backoff.WithContext(withMax, ctx)

	var result interface{}
	var lastErr error
	_ = backoff.Retry(func() error {
		v, err := fn()
		if err != nil {
			if kerrors.Is(err, kerrors.PermissionDenied) {
				// Never retry permission errors; stop immediately.
				lastErr = err
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		result = v
		lastErr = nil
		return nil
	}, withCtx)

	return result, lastErr
}
