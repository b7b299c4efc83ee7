package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/pool"
	"github.com/lingframe/lingcore/internal/unit"
)

func readyInstance(unitID, version string, labels map[string]string) *unit.Instance {
	def := &unit.Definition{ID: unitID, Version: version}
	inst := unit.NewInstance(def, nil, nil, labels)
	inst.MarkReady()
	return inst
}

func newTestPool(unitID string) *pool.Pool {
	bus := events.NewBus(logging.Default())
	return pool.New(unitID, pool.DefaultConfig(), nil, bus, logging.Default())
}

func TestRegisterResolveUnregister(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	ref, ok := r.Resolve("echo.Service#Echo")
	require.True(t, ok)
	assert.Equal(t, "echo", ref.UnitID)
	assert.Equal(t, "echo.Service", ref.InterfaceName)
	assert.Same(t, p, r.PoolFor("echo"))

	r.Unregister("echo.Service#Echo")
	_, ok = r.Resolve("echo.Service#Echo")
	assert.False(t, ok)
	// Unregistering a single fqsid leaves the unit's pool intact.
	assert.Same(t, p, r.PoolFor("echo"))
}

func TestResolveInterfaceReturnsSoleImplementor(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	ref, ok := r.ResolveInterface("echo.Service")
	require.True(t, ok)
	assert.Equal(t, "echo", ref.UnitID)
}

func TestResolveInterfaceUnknownNameReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.ResolveInterface("no.Such.Interface")
	assert.False(t, ok)
}

func TestResolveInterfaceConflictResolvesToSmallestUnitID(t *testing.T) {
	r := New()
	pb := newTestPool("echo-b")
	pa := newTestPool("echo-a")
	r.RegisterProtocolService("echo-b.Service#Echo", "echo-b", "echo.Service", pb)
	r.RegisterProtocolService("echo-a.Service#Echo", "echo-a", "echo.Service", pa)

	ref, ok := r.ResolveInterface("echo.Service")
	require.True(t, ok)
	assert.Equal(t, "echo-a", ref.UnitID, "the lexicographically smallest unit id must win a conflict")

	// Repeated calls must return the same cached winner.
	ref2, ok := r.ResolveInterface("echo.Service")
	require.True(t, ok)
	assert.Same(t, ref, ref2)
}

func TestResolveInterfaceConflictRecomputesAfterWinnerUnregisters(t *testing.T) {
	r := New()
	pb := newTestPool("echo-b")
	pa := newTestPool("echo-a")
	r.RegisterProtocolService("echo-b.Service#Echo", "echo-b", "echo.Service", pb)
	r.RegisterProtocolService("echo-a.Service#Echo", "echo-a", "echo.Service", pa)

	ref, ok := r.ResolveInterface("echo.Service")
	require.True(t, ok)
	require.Equal(t, "echo-a", ref.UnitID)

	r.UnregisterUnit("echo-a")

	ref, ok = r.ResolveInterface("echo.Service")
	require.True(t, ok)
	assert.Equal(t, "echo-b", ref.UnitID)
}

func TestUnregisterUnitRemovesEverything(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)
	r.RegisterProtocolService("echo.Service#Ping", "echo", "echo.Service", p)
	r.SetCanary("echo", CanaryConfig{Percent: 50})

	r.UnregisterUnit("echo")

	_, ok := r.Resolve("echo.Service#Echo")
	assert.False(t, ok)
	_, ok = r.Resolve("echo.Service#Ping")
	assert.False(t, ok)
	assert.Nil(t, r.PoolFor("echo"))
	_, ok = r.GetCanary("echo")
	assert.False(t, ok)
}

func TestPickInstanceReturnsDefaultWhenNoCanaryConfigured(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	def := readyInstance("echo", "1.0.0", nil)
	p.InsertAsDefault(def)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	got, err := r.PickInstance("echo", nil)
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestPickInstanceNoPoolReturnsServiceNotFound(t *testing.T) {
	r := New()
	_, err := r.PickInstance("missing", nil)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceNotFound))
}

func TestPickInstanceNoActiveInstancesReturnsUnavailable(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	_, err := r.PickInstance("echo", nil)
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceUnavailable))
}

func TestPickInstanceLabelMatchFiltersToQualifyingInstance(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	def := readyInstance("echo", "1.0.0", map[string]string{"region": "us"})
	canary := readyInstance("echo", "1.1.0", map[string]string{"region": "eu"})
	p.InsertAsDefault(def)
	p.InsertCanary(canary)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	got, err := r.PickInstance("echo", map[string]string{"region": "eu"})
	require.NoError(t, err)
	assert.Same(t, canary, got)
}

func TestPickInstanceLabelMatchWithNoQualifyingInstanceReturnsUnavailable(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	p.InsertAsDefault(readyInstance("echo", "1.0.0", map[string]string{"region": "us"}))
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	_, err := r.PickInstance("echo", map[string]string{"region": "eu"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceUnavailable))
}

func TestPickInstanceCanaryAtFullPercentAlwaysRoutesToCanary(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	def := readyInstance("echo", "1.0.0", nil)
	canary := readyInstance("echo", "1.1.0", map[string]string{"canary": "true"})
	p.InsertAsDefault(def)
	p.InsertCanary(canary)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)
	r.SetCanary("echo", CanaryConfig{Percent: 100, Labels: map[string]string{"canary": "true"}})

	for i := 0; i < 20; i++ {
		got, err := r.PickInstance("echo", nil)
		require.NoError(t, err)
		assert.Same(t, canary, got)
	}
}

func TestPickInstanceCanaryAtZeroPercentNeverRoutesToCanary(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	def := readyInstance("echo", "1.0.0", nil)
	canary := readyInstance("echo", "1.1.0", map[string]string{"canary": "true"})
	p.InsertAsDefault(def)
	p.InsertCanary(canary)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)
	r.SetCanary("echo", CanaryConfig{Percent: 0, Labels: map[string]string{"canary": "true"}})

	for i := 0; i < 20; i++ {
		got, err := r.PickInstance("echo", nil)
		require.NoError(t, err)
		assert.Same(t, def, got)
	}
}

func TestPickInstanceCanaryWithNoLabelMatchFallsBackToDefault(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	def := readyInstance("echo", "1.0.0", nil)
	p.InsertAsDefault(def)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)
	r.SetCanary("echo", CanaryConfig{Percent: 100, Labels: map[string]string{"canary": "true"}})

	got, err := r.PickInstance("echo", nil)
	require.NoError(t, err)
	assert.Same(t, def, got)
}

func TestPickInstanceTieBreaksLexicographicallyAmongReadyInstances(t *testing.T) {
	r := New()
	p := newTestPool("echo")
	a := readyInstance("echo", "2.0.0", map[string]string{"tier": "x"})
	b := readyInstance("echo", "1.0.0", map[string]string{"tier": "x"})
	c := readyInstance("echo", "1.5.0", map[string]string{"tier": "x"})
	p.InsertAsDefault(a)
	p.InsertCanary(b)
	p.InsertCanary(c)
	r.RegisterProtocolService("echo.Service#Echo", "echo", "echo.Service", p)

	got, err := r.PickInstance("echo", map[string]string{"tier": "x"})
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestSetCanaryThenClearCanaryRemovesSplit(t *testing.T) {
	r := New()
	r.SetCanary("echo", CanaryConfig{Percent: 25})
	cfg, ok := r.GetCanary("echo")
	require.True(t, ok)
	assert.Equal(t, 25, cfg.Percent)

	r.ClearCanary("echo")
	_, ok = r.GetCanary("echo")
	assert.False(t, ok)
}

func TestInvocationContextPoolResetsFieldsOnRelease(t *testing.T) {
	ic := AcquireInvocationContext()
	ic.FQSID = "echo.Service#Echo"
	ic.CallerID = "caller"
	ic.Args = []interface{}{1, 2}
	ic.Labels = map[string]string{"a": "b"}

	ReleaseInvocationContext(ic)

	assert.Empty(t, ic.FQSID)
	assert.Empty(t, ic.CallerID)
	assert.Nil(t, ic.Args)
	assert.Nil(t, ic.Labels)
}
