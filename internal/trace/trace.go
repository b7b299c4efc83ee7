// Package trace implements the kernel's per-invocation trace context. Go
// has no ambient thread-local storage, so "worker-local" state is carried
// explicitly on a context.Context chain rather than a thread-local map.
package trace

import (
	"context"

	"github.com/google/uuid"

	"github.com/lingframe/lingcore/internal/logging"
)

type ctxKey string

const activeUnitKey ctxKey = "trace_active_unit"

// Context is the value threaded on every call: trace id, nesting depth, and
// the unit id currently executing on this call chain.
type Context struct {
	TraceID    string
	Depth      int
	ActiveUnit string
	Labels     map[string]string
}

// Start begins a new root trace if ctx carries none, or returns ctx
// unmodified with depth incremented if one is already active. The boolean
// return reports whether this call is the trace root (the caller must call
// Clear when it unwinds past the root).
func Start(ctx context.Context) (context.Context, *Context, bool) {
	if tc, ok := fromContext(ctx); ok {
		tc.Depth++
		return ctx, tc, false
	}
	tc := &Context{TraceID: newID(), Depth: 1}
	ctx = withContext(ctx, tc)
	ctx = logging.WithTraceID(ctx, tc.TraceID)
	return ctx, tc, true
}

// SetTraceID overrides the trace id of an already-active trace context,
// e.g. when propagating a caller-supplied correlation id.
func SetTraceID(ctx context.Context, id string) context.Context {
	if tc, ok := fromContext(ctx); ok {
		tc.TraceID = id
	}
	return logging.WithTraceID(ctx, id)
}

// WithActiveUnit records which unit namespace is executing on this call
// chain, on the trace context and as a log field.
func WithActiveUnit(ctx context.Context, unitID string) context.Context {
	if tc, ok := fromContext(ctx); ok {
		tc.ActiveUnit = unitID
	}
	return context.WithValue(logging.WithUnitID(ctx, unitID), activeUnitKey, unitID)
}

func ActiveUnit(ctx context.Context) string {
	v, _ := ctx.Value(activeUnitKey).(string)
	return v
}

// Clear must run on every call's exit path. A non-root unwind decrements
// the shared depth counter back to what it was on entry; the root unwind
// resets the whole trace context so depth reads 0 once the root itself has
// exited, matching Start's pairing of one increment per entry.
func Clear(ctx context.Context, isRoot bool) {
	tc, ok := fromContext(ctx)
	if !ok {
		return
	}
	if isRoot {
		tc.Depth = 0
		tc.ActiveUnit = ""
		tc.Labels = nil
		return
	}
	if tc.Depth > 0 {
		tc.Depth--
	}
}

// ID returns the active trace id, or "" if no trace is active.
func ID(ctx context.Context) string {
	if tc, ok := fromContext(ctx); ok {
		return tc.TraceID
	}
	return logging.GetTraceID(ctx)
}

func Depth(ctx context.Context) int {
	if tc, ok := fromContext(ctx); ok {
		return tc.Depth
	}
	return 0
}

type holderKey struct{}

func withContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, holderKey{}, tc)
}

func fromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(holderKey{}).(*Context)
	return tc, ok
}

func newID() string {
	return uuid.New().String()
}
