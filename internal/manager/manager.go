// Package manager implements the unit manager: install, install-dev,
// deploy-canary, reload, uninstall, get-service, invoke-service, and
// register-protocol-service, wiring together every other internal package
// into the host-facing surface.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lingframe/lingcore/internal/audit"
	"github.com/lingframe/lingcore/internal/config"
	kerrors "github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/executor"
	"github.com/lingframe/lingcore/internal/governance"
	"github.com/lingframe/lingcore/internal/isolation"
	"github.com/lingframe/lingcore/internal/logging"
	"github.com/lingframe/lingcore/internal/manifest"
	"github.com/lingframe/lingcore/internal/metrics"
	"github.com/lingframe/lingcore/internal/permission"
	"github.com/lingframe/lingcore/internal/pool"
	"github.com/lingframe/lingcore/internal/registry"
	"github.com/lingframe/lingcore/internal/spi"
	"github.com/lingframe/lingcore/internal/unit"
)

// Deps bundles the host-supplied SPI implementations the manager needs. Only
// ContainerFactory and Invoker are required; the rest default to
// conservative no-ops.
type Deps struct {
	ContainerFactory spi.ContainerFactory
	Security         spi.SecurityVerifier
	ResourceGuard    spi.ResourceGuard
	Invoker          spi.ServiceInvoker
	Transactions     spi.TransactionVerifier
	Propagators      []spi.Propagator
}

// Manager is the process-wide governance microkernel entry point.
type Manager struct {
	cfg *config.HostConfig

	host     *isolation.HostTier
	contract *isolation.ContractTier
	forced   *isolation.ForcedParentPrefixes

	registry    *registry.Registry
	permissions *permission.Service
	bus         *events.Bus
	auditPipe   *audit.Pipeline
	kernel      *governance.Kernel
	scheduler   *pool.Scheduler
	metrics     *metrics.Metrics
	log         *logging.Logger

	deps Deps

	mu        sync.Mutex
	units     map[string]*unit.Definition
	pools     map[string]*pool.Pool
	executors map[string]*executor.PerUnit
	budget    *threadBudget
}

// New wires every package in the core together from a loaded HostConfig.
func New(cfg *config.HostConfig, deps Deps, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	host := isolation.NewHostTier()
	contract := isolation.NewContractTier(host)
	forced := isolation.NewForcedParentPrefixes("lingcore.", "java.lang.", "runtime.")

	bus := events.NewBus(log)
	auditPipe := audit.NewPipeline(bus, log, 0)
	auditPipe.Start()

	perm := permission.New(permission.Config{ContractPrefix: "contract:", BypassHostCaller: !cfg.HostGovernance.CheckPermissions})
	// Each Manager gets its own Prometheus registry rather than the global
	// default one, so constructing more than one in the same process (a
	// second host instance, or a test) never collides on a duplicate
	// collector registration.
	m := metrics.NewWithRegistry("lingcore", prometheus.NewRegistry())
	reg := registry.New()

	k := governance.NewKernel(perm, auditPipe, bus, log, m, cfg.DevMode)

	scheduler := pool.NewScheduler()
	_ = scheduler.Start(cfg.Runtime.DyingCheckInterval)

	return &Manager{
		cfg:         cfg,
		host:        host,
		contract:    contract,
		forced:      forced,
		registry:    reg,
		permissions: perm,
		bus:         bus,
		auditPipe:   auditPipe,
		kernel:      k,
		scheduler:   scheduler,
		metrics:     m,
		log:         log,
		deps:        deps,
		units:       make(map[string]*unit.Definition),
		pools:       make(map[string]*pool.Pool),
		executors:   make(map[string]*executor.PerUnit),
		budget:      newThreadBudget(cfg.GlobalMaxLingThreads, cfg.DefaultThreadsPerLing, cfg.MaxThreadsPerLing),
	}
}

// InstallOpts parameterizes Install / InstallDev / DeployCanary.
type InstallOpts struct {
	UnitID       string
	Version      string
	Source       spi.Source
	ManifestData []byte
	Labels       map[string]string
	Canary       bool
	Threads      int // 0 = use default-threads-per-ling
}

func (m *Manager) poolFor(unitID string) *pool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[unitID]; ok {
		return p
	}
	p := pool.New(unitID, pool.Config{
		MaxDying:           8,
		DyingCheckInterval: m.cfg.Runtime.DyingCheckInterval,
		ForceCleanupDelay:  m.cfg.Runtime.ForceCleanupDelay,
		LeakCheckDelay:     5 * time.Second,
	}, m.deps.ResourceGuard, m.bus, m.log)
	m.pools[unitID] = p
	m.scheduler.Register(p)
	return p
}

func (m *Manager) executorFor(unitID, threads int) *executor.PerUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executors[unitID]; ok {
		return e
	}
	e := executor.NewPerUnit(
		unitID,
		executor.DefaultRateLimiterConfig(),
		m.cfg.Runtime.BulkheadMaxConcurrent,
		threads,
		executor.DefaultBreakerConfig(),
		m.deps.Propagators,
	)
	m.executors[unitID] = e
	return e
}

// Install runs the full install algorithm: verify, start the new instance,
// re-check back-pressure, swap it in as the default (blue-green), apply
// permission grants, and publish "installed". Any
// failure after the container has been created rolls back by stopping and
// discarding it; nothing already serving traffic is ever disturbed by a
// failed install.
func (m *Manager) Install(ctx context.Context, opts InstallOpts) (*unit.Instance, error) {
	def, err := m.buildDefinition(opts)
	if err != nil {
		return nil, err
	}

	// Step 1: security verification.
	if m.deps.Security != nil {
		if err := m.deps.Security.Verify(opts.UnitID, opts.Source); err != nil {
			return nil, kerrors.InstallFailureErr(opts.UnitID, err)
		}
	}

	threads, err := m.budget.allocate(opts.UnitID, opts.Threads)
	if err != nil {
		return nil, err
	}

	p := m.poolFor(opts.UnitID)

	// Step 2 (existing-upgrade marking happens implicitly: InsertAsDefault
	// below demotes whatever is currently default to DYING).

	// Step 3: namespace + container creation and start.
	ns := isolation.NewUnitNamespace(opts.UnitID, m.forced, m.contract)
	m.forced.Freeze()

	if m.deps.ContainerFactory == nil {
		m.budget.release(opts.UnitID)
		return nil, kerrors.InstallFailureErr(opts.UnitID, kerrors.New(kerrors.InstallFailure, "no container factory configured"))
	}
	container, err := m.deps.ContainerFactory.New(opts.UnitID, opts.Source, ns)
	if err != nil {
		m.budget.release(opts.UnitID)
		return nil, kerrors.InstallFailureErr(opts.UnitID, err)
	}

	inst := unit.NewInstance(def, ns, container, opts.Labels)
	ucx := &unitContext{unitID: opts.UnitID, m: m}

	if err := container.Start(ucx); err != nil {
		_ = ns.Close()
		m.budget.release(opts.UnitID)
		return nil, kerrors.InstallFailureErr(opts.UnitID, err)
	}
	inst.MarkReady()

	// Step 4: back-pressure re-check, now that the expensive work is done.
	if err := p.AdmitInstall(); err != nil {
		_ = container.Stop()
		_ = ns.Close()
		m.budget.release(opts.UnitID)
		return nil, err
	}

	// Step 5: pool insertion + blue-green swap (or canary side-channel).
	if opts.Canary || def.Canary() {
		p.InsertCanary(inst)
	} else {
		p.InsertAsDefault(inst)
	}

	m.executorFor(opts.UnitID, threads)

	// Step 6: apply the manifest's declared capability grants.
	if def.Manifest != nil {
		for _, grant := range def.Manifest.Governance.Capabilities {
			m.permissions.Grant(opts.UnitID, grant.Capability, grant.AccessType)
		}
		if policy, err := governance.NewManifestPolicyProvider(governance.OrderUnitPolicy, def.Manifest.Governance); err == nil {
			m.kernel.RegisterUnitPolicy(opts.UnitID, policy)
		} else {
			m.log.WithContext(ctx).WithError(err).WithField("unit_id", opts.UnitID).Warn("manifest governance rules rejected, unit runs under default policy only")
		}
	}

	m.mu.Lock()
	m.units[opts.UnitID] = def
	m.mu.Unlock()

	// Step 7: publish "installed".
	_ = m.bus.Publish(ctx, events.Event{Type: pool.EventInstalled, SourceUnit: opts.UnitID, Payload: def.Version})
	m.log.LogInstall(ctx, opts.UnitID, def.Version, nil)

	return inst, nil
}

// InstallDev installs from an unpackaged, filesystem-backed source with
// security verification skipped.
func (m *Manager) InstallDev(ctx context.Context, opts InstallOpts) (*unit.Instance, error) {
	savedSecurity := m.deps.Security
	m.deps.Security = nil
	defer func() { m.deps.Security = savedSecurity }()
	return m.Install(ctx, opts)
}

// DeployCanary installs a second, labeled instance alongside the existing
// default without disturbing routing until a canary split is configured via
// SetCanary.
func (m *Manager) DeployCanary(ctx context.Context, opts InstallOpts) (*unit.Instance, error) {
	opts.Canary = true
	return m.Install(ctx, opts)
}

// SetCanary configures the traffic split routed to a unit's canary instance.
func (m *Manager) SetCanary(unitID string, percent int, labels map[string]string) {
	m.registry.SetCanary(unitID, registry.CanaryConfig{Percent: percent, Labels: labels})
}

func (m *Manager) ClearCanary(unitID string) {
	m.registry.ClearCanary(unitID)
}

// Reload re-installs a unit at a new version by calling Install with opts:
// labels and the thread request come from opts, a new budget share is
// allocated as Install does, and the same blue-green swap is performed.
func (m *Manager) Reload(ctx context.Context, opts InstallOpts) (*unit.Instance, error) {
	return m.Install(ctx, opts)
}

// Uninstall deregisters routing, revokes permissions and unsubscribes
// events, begins draining every instance, and releases the unit's thread
// budget. Instance destruction itself happens asynchronously via the
// drain scheduler.
func (m *Manager) Uninstall(ctx context.Context, unitID string) error {
	m.mu.Lock()
	p, ok := m.pools[unitID]
	m.mu.Unlock()
	if !ok {
		return kerrors.ServiceNotFoundErr(unitID)
	}

	_ = m.bus.Publish(ctx, events.Event{Type: pool.EventUninstalling, SourceUnit: unitID})

	m.registry.UnregisterUnit(unitID)
	m.permissions.RemoveUnit(unitID)
	m.kernel.RemoveUnitPolicy(unitID)
	m.bus.UnsubscribeUnit(unitID)

	p.BeginUninstall()

	m.mu.Lock()
	if e, ok := m.executors[unitID]; ok {
		e.Shutdown()
		delete(m.executors, unitID)
	}
	delete(m.units, unitID)
	m.mu.Unlock()

	m.budget.release(unitID)

	_ = m.bus.Publish(ctx, events.Event{Type: pool.EventUninstalled, SourceUnit: unitID})
	m.log.LogUninstall(ctx, unitID)
	return nil
}

// GetService resolves a bean by interface name without going through the
// governance kernel. Lookup is by interface name, never by type reference;
// when more than one installed unit exposes the same interface, the
// lexicographically smallest unit id wins.
func (m *Manager) GetService(ctx context.Context, ifaceName string) (interface{}, error) {
	ref, ok := m.registry.ResolveInterface(ifaceName)
	if !ok {
		return nil, kerrors.ServiceNotFoundErr(ifaceName)
	}
	inst, err := m.registry.PickInstance(ref.UnitID, nil)
	if err != nil {
		return nil, err
	}
	bean, ok := inst.Container.GetBeanByName(ref.InterfaceName)
	if !ok {
		return nil, kerrors.ServiceNotFoundErr(ifaceName)
	}
	return bean, nil
}

// RegisterProtocolService exposes fqsid under unitID's routing table, used by
// a container at Start time to publish the services it implements.
func (m *Manager) RegisterProtocolService(unitID, fqsid, interfaceName string) {
	p := m.poolFor(unitID)
	m.registry.RegisterProtocolService(fqsid, unitID, interfaceName, p)
}

// InvokeService is the single entry point every cross-unit, host-to-unit,
// and protocol-adapter call funnels through: it delegates to the
// governance kernel, which in turn calls the invocation executor.
func (m *Manager) InvokeService(ctx context.Context, callerID, fqsid string, args []interface{}) (interface{}, error) {
	ref, ok := m.registry.Resolve(fqsid)
	if !ok {
		return nil, kerrors.ServiceNotFoundErr(fqsid)
	}

	ic := registry.AcquireInvocationContext()
	ic.FQSID = fqsid
	ic.CallerID = callerID
	ic.Args = args
	defer registry.ReleaseInvocationContext(ic)

	exec := m.executorFor(ref.UnitID, m.budget.allocated(ref.UnitID))

	declaringType, method := splitFQSID(fqsid)
	transactional := m.deps.Transactions != nil && m.deps.Transactions.IsTransactional(declaringType, method)

	req := governance.InvocationRequest{
		CallerID:      callerID,
		TargetUnitID:  ref.UnitID,
		DeclaringType: declaringType,
		Method:        method,
		ResourceID:    fqsid,
		Args:          args,
		FQSID:         fqsid,
		Target: func(callCtx context.Context, timeout time.Duration) (interface{}, error) {
			inst, err := m.registry.PickInstance(ref.UnitID, nil)
			if err != nil {
				return nil, err
			}
			if !inst.Enter() {
				return nil, kerrors.ServiceUnavailableErr(ref.UnitID, "instance not ready")
			}
			defer inst.Exit()

			bean, ok := inst.Container.GetBeanByName(ref.InterfaceName)
			if !ok {
				return nil, kerrors.ServiceNotFoundErr(fqsid)
			}

			return exec.Invoke(callCtx, executor.InvokeOpts{
				FQSID:           fqsid,
				Timeout:         timeout,
				BulkheadAcquire: m.cfg.Runtime.BulkheadAcquireTimeout,
				Transactional:   transactional,
				Target: func(innerCtx context.Context) (interface{}, error) {
					if m.deps.Invoker == nil {
						return nil, kerrors.InvocationFailureErr(fqsid, kerrors.New(kerrors.InvocationFailure, "no service invoker configured"))
					}
					return m.deps.Invoker.Invoke(innerCtx, inst, bean, method, args)
				},
			})
		},
	}

	return m.kernel.Invoke(ctx, req)
}

// Shutdown drains every pool synchronously and stops background workers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.scheduler.Stop()
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	execs := make([]*executor.PerUnit, 0, len(m.executors))
	for _, e := range m.executors {
		execs = append(execs, e)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.ShutdownDrain(ctx)
	}
	for _, e := range execs {
		e.Shutdown()
	}
	m.auditPipe.Stop()
}

func (m *Manager) buildDefinition(opts InstallOpts) (*unit.Definition, error) {
	def := &unit.Definition{ID: opts.UnitID, Version: opts.Version}
	if len(opts.ManifestData) == 0 {
		return def, nil
	}
	mf, err := manifest.Parse(opts.ManifestData)
	if err != nil {
		return nil, kerrors.InstallFailureErr(opts.UnitID, err)
	}
	def.Manifest = mf
	def.MainEntry = mf.MainEntry
	def.Properties = mf.Properties
	if def.Version == "" {
		def.Version = mf.Version
	}
	return def, nil
}

// splitFQSID separates "unit-id.Type#method" style identifiers into the
// declaring type and bare method name the decision chain matches against.
func splitFQSID(fqsid string) (declaringType, method string) {
	hashIdx := -1
	for i := len(fqsid) - 1; i >= 0; i-- {
		if fqsid[i] == '#' {
			hashIdx = i
			break
		}
	}
	if hashIdx < 0 {
		return fqsid, fqsid
	}
	return fqsid[:hashIdx], fqsid[hashIdx+1:]
}
