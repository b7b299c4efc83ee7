package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/isolation"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/spi"
	"github.com/lingframe/lingcore/internal/unit"
)

type stubContainer struct{ stopErr error }

func (c *stubContainer) Start(spi.UnitContext) error                { return nil }
func (c *stubContainer) Stop() error                                { return c.stopErr }
func (c *stubContainer) IsActive() bool                              { return true }
func (c *stubContainer) GetBeanByType(interface{}) (interface{}, bool) { return nil, false }
func (c *stubContainer) GetBeanByName(string) (interface{}, bool)    { return nil, false }
func (c *stubContainer) BeanNames() []string                        { return nil }
func (c *stubContainer) Namespace() spi.Namespace                   { return nil }

func newReadyInstance(t *testing.T, version string) *unit.Instance {
	t.Helper()
	forced := isolation.NewForcedParentPrefixes()
	contract := isolation.NewContractTier(isolation.NewHostTier())
	ns := isolation.NewUnitNamespace("unit-a", forced, contract)
	inst := unit.NewInstance(&unit.Definition{ID: "unit-a", Version: version}, ns, &stubContainer{}, nil)
	inst.MarkReady()
	return inst
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	bus := events.NewBus(logging.New("test", "error", "text"))
	return New("unit-a", Config{MaxDying: 2, LeakCheckDelay: 10 * time.Millisecond, ForceCleanupDelay: 200 * time.Millisecond}, nil, bus, logging.New("test", "error", "text"))
}

func TestInsertAsDefaultPerformsBlueGreenSwap(t *testing.T) {
	p := newTestPool(t)
	v1 := newReadyInstance(t, "1.0.0")
	p.InsertAsDefault(v1)
	assert.Same(t, v1, p.Default())

	v2 := newReadyInstance(t, "2.0.0")
	p.InsertAsDefault(v2)

	assert.Same(t, v2, p.Default(), "the new instance must become the default")
	assert.Equal(t, unit.StateDying, v1.State(), "the previous default must be marked dying")
	assert.Equal(t, 1, p.DyingCount())

	active := p.Active()
	require.Len(t, active, 1)
	assert.Same(t, v2, active[0])
}

func TestAdmitInstallRefusesAtMaxDying(t *testing.T) {
	p := newTestPool(t)
	for i := 0; i < 2; i++ {
		v := newReadyInstance(t, "v")
		p.InsertAsDefault(v)
		v2 := newReadyInstance(t, "v")
		p.InsertAsDefault(v2) // demotes v to dying
	}

	err := p.AdmitInstall()
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceUnavailable))
}

func TestDrainTickDestroysOnlyZeroRefcountInstances(t *testing.T) {
	p := newTestPool(t)
	v1 := newReadyInstance(t, "1.0.0")
	p.InsertAsDefault(v1)
	v1.Enter() // hold a reference so it cannot be destroyed yet

	v2 := newReadyInstance(t, "2.0.0")
	p.InsertAsDefault(v2)

	require.Equal(t, 1, p.DyingCount())
	p.DrainTick(context.Background())
	assert.Equal(t, 1, p.DyingCount(), "an instance with outstanding refs must not be destroyed")

	v1.Exit()
	p.DrainTick(context.Background())
	assert.Equal(t, 0, p.DyingCount())
	assert.Equal(t, unit.StateDestroyed, v1.State())
}

func TestShutdownDrainForceDestroysAfterDeadline(t *testing.T) {
	p := newTestPool(t)
	v1 := newReadyInstance(t, "1.0.0")
	p.InsertAsDefault(v1)
	v1.Enter() // never released, forcing the deadline path

	p.ShutdownDrain(context.Background())
	assert.Equal(t, unit.StateDestroyed, v1.State())
	assert.Equal(t, 0, p.DyingCount())
}

func TestDestroyLogsButDoesNotFailOnContainerStopError(t *testing.T) {
	p := newTestPool(t)
	forced := isolation.NewForcedParentPrefixes()
	contract := isolation.NewContractTier(isolation.NewHostTier())
	ns := isolation.NewUnitNamespace("unit-a", forced, contract)
	inst := unit.NewInstance(&unit.Definition{ID: "unit-a", Version: "1"}, ns, &stubContainer{stopErr: errors.New("stop failed")}, nil)
	inst.MarkReady()

	p.InsertAsDefault(inst)
	p.InsertAsDefault(newReadyInstance(t, "2"))

	assert.NotPanics(t, func() { p.DrainTick(context.Background()) })
	assert.Equal(t, unit.StateDestroyed, inst.State())
}
