package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterFailsFastUnlessReady(t *testing.T) {
	inst := NewInstance(&Definition{ID: "u", Version: "1"}, nil, nil, nil)
	assert.False(t, inst.Enter(), "a LOADING instance must reject Enter")

	inst.MarkReady()
	assert.True(t, inst.Enter())
	assert.EqualValues(t, 1, inst.RefCount())
}

func TestExitPanicsOnUnderflow(t *testing.T) {
	inst := NewInstance(&Definition{ID: "u", Version: "1"}, nil, nil, nil)
	inst.MarkReady()
	assert.Panics(t, func() { inst.Exit() })
}

func TestMarkDyingRejectsFurtherEnter(t *testing.T) {
	inst := NewInstance(&Definition{ID: "u", Version: "1"}, nil, nil, nil)
	inst.MarkReady()
	inst.MarkDying()
	assert.False(t, inst.Enter())
	assert.Equal(t, StateDying, inst.State())
}

func TestInflightHighWaterTracksPeak(t *testing.T) {
	inst := NewInstance(&Definition{ID: "u", Version: "1"}, nil, nil, nil)
	inst.MarkReady()

	require.True(t, inst.Enter())
	require.True(t, inst.Enter())
	assert.EqualValues(t, 2, inst.InflightHighWater())

	inst.Exit()
	assert.EqualValues(t, 2, inst.InflightHighWater(), "high-water mark must not decrease on exit")
}

func TestLabelsSupersede(t *testing.T) {
	inst := NewInstance(&Definition{ID: "u", Version: "1"}, nil, nil, map[string]string{"canary": "true", "region": "us"})

	assert.True(t, inst.LabelsSupersede(map[string]string{"canary": "true"}))
	assert.False(t, inst.LabelsSupersede(map[string]string{"canary": "false"}))
	assert.True(t, inst.LabelsSupersede(nil))
}

func TestCanaryFromManifestPropertiesFallback(t *testing.T) {
	def := &Definition{ID: "u", Properties: map[string]interface{}{"canary": true}}
	assert.True(t, def.Canary())

	def2 := &Definition{ID: "u"}
	assert.False(t, def2.Canary())
}
