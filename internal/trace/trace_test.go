package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartFirstCallIsRootWithDepthOne(t *testing.T) {
	ctx, tc, isRoot := Start(context.Background())
	assert.True(t, isRoot)
	assert.Equal(t, 1, tc.Depth)
	assert.Equal(t, 1, Depth(ctx))
	assert.NotEmpty(t, ID(ctx))
}

func TestStartNestedCallIncrementsDepthWithoutNewRoot(t *testing.T) {
	ctx, _, isRoot := Start(context.Background())
	require.True(t, isRoot)

	ctx, _, isRoot = Start(ctx)
	assert.False(t, isRoot)
	assert.Equal(t, 2, Depth(ctx))
}

func TestClearDecrementsDepthOnNonRootUnwind(t *testing.T) {
	ctx, _, _ := Start(context.Background())
	ctx, _, isRoot := Start(ctx)
	require.Equal(t, 2, Depth(ctx))
	require.False(t, isRoot)

	Clear(ctx, isRoot)
	assert.Equal(t, 1, Depth(ctx), "a nested call's exit must give back the depth its entry added")
}

func TestClearResetsTraceContextOnRootUnwind(t *testing.T) {
	ctx, _, isRoot := Start(context.Background())
	ctx = WithActiveUnit(ctx, "some-unit")
	require.True(t, isRoot)

	Clear(ctx, isRoot)
	assert.Equal(t, 0, Depth(ctx), "the root's own exit must leave depth at zero")
}

func TestClearOnContextWithNoActiveTraceIsNoop(t *testing.T) {
	assert.NotPanics(t, func() { Clear(context.Background(), true) })
}

func TestWithActiveUnitRecordsUnitIDOnTraceContext(t *testing.T) {
	ctx, tc, _ := Start(context.Background())
	ctx = WithActiveUnit(ctx, "echo")
	assert.Equal(t, "echo", ActiveUnit(ctx))
	assert.Equal(t, "echo", tc.ActiveUnit)
}
