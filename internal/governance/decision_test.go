package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingframe/lingcore/internal/manifest"
)

func TestInferFromNameClassifiesReadWriteExecute(t *testing.T) {
	cases := []struct {
		method   string
		wantType manifest.AccessType
		wantAudit bool
	}{
		{"getOrder", manifest.AccessRead, false},
		{"listOrders", manifest.AccessRead, false},
		{"saveOrder", manifest.AccessWrite, true},
		{"deleteOrder", manifest.AccessWrite, true},
		{"processPayment", manifest.AccessExecute, true},
	}
	for _, c := range cases {
		d := InferFromName("OrderService", c.method)
		assert.Equal(t, c.wantType, d.AccessType, c.method)
		assert.Equal(t, c.wantAudit, d.AuditEnabled, c.method)
	}
}

func TestChainArbitrateMergesByOrderAndFillsDefaults(t *testing.T) {
	host := NewStaticProvider(OrderHostRules, &Decision{Timeout: 5000})
	unitPolicy := NewStaticProvider(OrderUnitPolicy, &Decision{RequiredPermission: "orders:write", RetryCount: 3})

	chain := NewChain(unitPolicy, host) // deliberately out of order; Chain must sort
	d := chain.Arbitrate("OrderService", "saveOrder")

	assert.Equal(t, "orders:write", d.RequiredPermission, "the higher-priority unit policy's permission must win")
	assert.EqualValues(t, 5000, d.Timeout, "the host rule is merged first, so its timeout is the one kept")
	assert.EqualValues(t, 3, d.RetryCount)
	assert.Equal(t, "unit-policy", d.SourceTag, "source tag must record the provider that supplied the required permission")
}

func TestChainArbitrateFallsBackToNamePrefixThenDefault(t *testing.T) {
	chain := NewChain()
	d := chain.Arbitrate("OrderService", "getOrder")

	assert.Equal(t, manifest.AccessRead, d.AccessType)
	assert.Equal(t, "OrderService:READ", d.RequiredPermission)
	assert.Equal(t, "name-prefix-inference", d.SourceTag)
}

func TestChainArbitrateUsesDefaultWhenNameGivesNoSignal(t *testing.T) {
	chain := NewChain()
	d := chain.Arbitrate("OrderService", "xyz123")

	assert.Equal(t, manifest.AccessExecute, d.AccessType)
	assert.True(t, d.AuditEnabled)
}

func TestManifestPolicyProviderMatchesGlobPatterns(t *testing.T) {
	g := manifest.Governance{
		Permissions: []manifest.PermissionRule{
			{MethodPattern: "save*", PermissionID: "orders:write"},
		},
		Audits: []manifest.AuditRule{
			{MethodPattern: "delete*", Enabled: true, Action: "delete*"},
		},
	}
	p, err := NewManifestPolicyProvider(OrderUnitPolicy, g)
	require.NoError(t, err)

	d, ok := p.Resolve("OrderService", "saveOrder")
	require.True(t, ok)
	assert.Equal(t, "orders:write", d.RequiredPermission)

	_, ok = p.Resolve("OrderService", "getOrder")
	assert.False(t, ok, "a method matching no rule must report no opinion")
}

func TestManifestPolicyProviderRejectsInvalidGlob(t *testing.T) {
	g := manifest.Governance{
		Permissions: []manifest.PermissionRule{{MethodPattern: "[", PermissionID: "x"}},
	}
	_, err := NewManifestPolicyProvider(OrderUnitPolicy, g)
	assert.Error(t, err)
}

func TestStaticProviderWithNilDecisionHasNoOpinion(t *testing.T) {
	p := NewStaticProvider(OrderHostRules, nil)
	_, ok := p.Resolve("T", "m")
	assert.False(t, ok)
}
