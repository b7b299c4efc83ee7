package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingframe/lingcore/internal/config"
	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/permission"
	"github.com/lingframe/lingcore/internal/spi"
	echo "github.com/lingframe/lingcore/examples/unit/echo"
)

type stubSource struct{}

func (stubSource) Location() string { return "inline" }
func (stubSource) DevMode() bool    { return true }

func newTestManager(t *testing.T, devMode bool) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.DevMode = devMode
	cfg.Runtime.DyingCheckInterval = 20 * time.Millisecond
	log := logging.New("test", "error", "text")
	return New(cfg, Deps{
		ContainerFactory: echo.Factory{},
		Invoker:          echo.Invoker{},
	}, log)
}

const echoManifest = `
id: echo
version: "1.0.0"
main-entry: echo.Service
governance:
  capabilities:
    - capability: "echo.Service:EXECUTE"
      access-type: "EXECUTE"
`

func installEcho(t *testing.T, m *Manager, manifestData string) {
	t.Helper()
	inst, err := m.Install(context.Background(), InstallOpts{
		UnitID:       "echo",
		Version:      "1.0.0",
		Source:       stubSource{},
		ManifestData: []byte(manifestData),
	})
	require.NoError(t, err)
	require.NotNil(t, inst)
	m.RegisterProtocolService("echo", "echo.Service#Echo", echo.BeanName)
}

func TestInstallThenInvokeServiceSucceedsWithGrantedCapability(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	v, err := m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", v)
}

func TestInvokeServiceDeniedWithoutGrant(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, `
id: echo
version: "1.0.0"
main-entry: echo.Service
`)

	_, err := m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"hello"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PermissionDenied))
}

func TestInvokeServiceDevModeBypassesDeniedPermission(t *testing.T) {
	m := newTestManager(t, true)
	defer m.Shutdown(context.Background())
	installEcho(t, m, `
id: echo
version: "1.0.0"
main-entry: echo.Service
`)

	v, err := m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"hi"})
	require.NoError(t, err, "dev mode must let the call through despite the denied decision")
	assert.Equal(t, "echo: hi", v)
}

func TestInstallTwiceSwapsDefaultViaBlueGreen(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	_, err := m.Install(context.Background(), InstallOpts{
		UnitID:       "echo",
		Version:      "2.0.0",
		Source:       stubSource{},
		ManifestData: []byte(echoManifest),
	})
	require.NoError(t, err)

	p := m.registry.PoolFor("echo")
	require.NotNil(t, p)
	assert.Equal(t, "2.0.0", p.Default().Def.Version)
	assert.Equal(t, 1, p.DyingCount())
}

func TestDeployCanaryRoutesByPercentSplit(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	_, err := m.DeployCanary(context.Background(), InstallOpts{
		UnitID:       "echo",
		Version:      "2.0.0-canary",
		Source:       stubSource{},
		ManifestData: []byte(echoManifest),
		Labels:       map[string]string{"canary": "true"},
	})
	require.NoError(t, err)

	m.SetCanary("echo", 100, map[string]string{"canary": "true"})

	inst, err := m.registry.PickInstance("echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-canary", inst.Def.Version, "a 100%% canary split must always route to the canary instance")
}

func TestUninstallDrainsAndRemovesRouting(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	require.NoError(t, m.Uninstall(context.Background(), "echo"))

	_, err := m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"x"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceNotFound))
}

func TestInstallFailsWhenSecurityVerificationRejects(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	m.deps.Security = rejectingVerifier{}

	_, err := m.Install(context.Background(), InstallOpts{
		UnitID:       "echo",
		Version:      "1.0.0",
		Source:       stubSource{},
		ManifestData: []byte(echoManifest),
	})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.InstallFailure))
}

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(unitID string, source spi.Source) error {
	return kerrors.New(kerrors.InstallFailure, "untrusted source")
}

func TestGrantThenRevokeDeniesSubsequentCalls(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	_, err := m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"ok"})
	require.NoError(t, err)

	m.permissions.Revoke("echo", "echo.Service:EXECUTE")
	_, err = m.InvokeService(context.Background(), "", "echo.Service#Echo", []interface{}{"ok"})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.PermissionDenied))
}

func TestGetServiceResolvesBeanByInterfaceName(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	bean, err := m.GetService(context.Background(), echo.BeanName)
	require.NoError(t, err)
	svc, ok := bean.(*echo.Service)
	require.True(t, ok)

	out, err := svc.Echo(context.Background(), "direct")
	require.NoError(t, err)
	assert.Equal(t, "echo: direct", out)
}

func TestGetServiceUnknownInterfaceReturnsServiceNotFound(t *testing.T) {
	m := newTestManager(t, false)
	defer m.Shutdown(context.Background())
	installEcho(t, m, echoManifest)

	_, err := m.GetService(context.Background(), "no.Such.Interface")
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.ServiceNotFound))
}

func TestHostCallerBypassesPermissionsWhenCheckPermissionsDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.HostGovernance.CheckPermissions = false
	log := logging.New("test", "error", "text")
	m := New(cfg, Deps{ContainerFactory: echo.Factory{}, Invoker: echo.Invoker{}}, log)
	defer m.Shutdown(context.Background())
	installEcho(t, m, `
id: echo
version: "1.0.0"
main-entry: echo.Service
`)

	v, err := m.InvokeService(context.Background(), permission.HostCallerID(), "echo.Service#Echo", []interface{}{"host"})
	require.NoError(t, err)
	assert.Equal(t, "echo: host", v)
}
