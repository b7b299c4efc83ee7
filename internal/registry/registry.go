// Package registry implements the service registry and routing proxy: a
// global fqsid -> unit-id map, a per-unit interface-name map, an
// interface-name -> implementing-units index for get-service lookups,
// canary-aware instance selection, and a pooled invocation-context object so
// the routing proxy does not allocate on every call.
package registry

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/pool"
	"github.com/lingframe/lingcore/internal/unit"
)

// ServiceRef is one registered service endpoint.
type ServiceRef struct {
	FQSID         string
	UnitID        string
	InterfaceName string
}

// CanaryConfig controls traffic split for a unit that has a canary instance
// installed alongside its default.
type CanaryConfig struct {
	Percent int               // 0-100, share of traffic routed to canary-labeled instances
	Labels  map[string]string // required labels an instance must carry to be "the canary"
}

// Registry is the process-wide service directory. One instance is shared by
// every unit's UnitContext and by the manager's install/uninstall paths.
type Registry struct {
	mu      sync.RWMutex
	byFQSID map[string]*ServiceRef
	byUnit  map[string]map[string]*ServiceRef
	pools   map[string]*pool.Pool
	canary  map[string]*CanaryConfig

	// byInterface indexes every unit currently exposing a given interface
	// name, keyed interfaceName -> unitID -> ref, so get-service can
	// resolve a bare interface name to one of potentially several
	// implementing units.
	byInterface map[string]map[string]*ServiceRef
	// interfaceCache memoizes the conflict-resolved winner per interface
	// name (the lexicographically smallest unit id among implementors),
	// invalidated on any registration or unregistration that touches that
	// interface name.
	interfaceCache map[string]*ServiceRef
}

func New() *Registry {
	return &Registry{
		byFQSID:        make(map[string]*ServiceRef),
		byUnit:         make(map[string]map[string]*ServiceRef),
		pools:          make(map[string]*pool.Pool),
		canary:         make(map[string]*CanaryConfig),
		byInterface:    make(map[string]map[string]*ServiceRef),
		interfaceCache: make(map[string]*ServiceRef),
	}
}

// RegisterProtocolService exposes one fqsid for unitID, resolved by interface
// name rather than by type reference so the registry survives a blue-green
// swap to a new concrete instance without re-registration.
func (r *Registry) RegisterProtocolService(fqsid, unitID, interfaceName string, p *pool.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := &ServiceRef{FQSID: fqsid, UnitID: unitID, InterfaceName: interfaceName}
	r.byFQSID[fqsid] = ref
	if r.byUnit[unitID] == nil {
		r.byUnit[unitID] = make(map[string]*ServiceRef)
	}
	r.byUnit[unitID][fqsid] = ref
	r.pools[unitID] = p

	if r.byInterface[interfaceName] == nil {
		r.byInterface[interfaceName] = make(map[string]*ServiceRef)
	}
	r.byInterface[interfaceName][unitID] = ref
	delete(r.interfaceCache, interfaceName)
}

// Unregister removes a single fqsid from the registry.
func (r *Registry) Unregister(fqsid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byFQSID[fqsid]
	if !ok {
		return
	}
	delete(r.byFQSID, fqsid)
	if m := r.byUnit[ref.UnitID]; m != nil {
		delete(m, fqsid)
		if len(m) == 0 {
			delete(r.byUnit, ref.UnitID)
		}
	}
	r.removeFromInterfaceIndexLocked(ref)
}

// UnregisterUnit removes every fqsid a unit exposed, plus its pool and
// canary entry, called on uninstall.
func (r *Registry) UnregisterUnit(unitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fqsid, ref := range r.byUnit[unitID] {
		delete(r.byFQSID, fqsid)
		r.removeFromInterfaceIndexLocked(ref)
	}
	delete(r.byUnit, unitID)
	delete(r.pools, unitID)
	delete(r.canary, unitID)
}

// removeFromInterfaceIndexLocked drops ref's entry from the interface index
// and invalidates that interface name's cached resolution. Callers must
// already hold r.mu.
func (r *Registry) removeFromInterfaceIndexLocked(ref *ServiceRef) {
	if units := r.byInterface[ref.InterfaceName]; units != nil {
		delete(units, ref.UnitID)
		if len(units) == 0 {
			delete(r.byInterface, ref.InterfaceName)
		}
	}
	delete(r.interfaceCache, ref.InterfaceName)
}

// Resolve looks up a fqsid, re-resolved fresh on every call so a unit reload
// or blue-green swap is picked up without a stale cached reference.
func (r *Registry) Resolve(fqsid string) (*ServiceRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.byFQSID[fqsid]
	return ref, ok
}

// ResolveInterface resolves a bare interface name (e.g. "echo.Service") to
// the service it should dispatch to, for get-service lookups rather than
// fqsid-keyed invocation lookups. When more than one installed unit exposes
// the same interface name, the lexicographically smallest unit id wins,
// matching the conflict rule get-service documents. The winner is cached per
// interface name until a registration or unregistration touching it
// invalidates the cache.
func (r *Registry) ResolveInterface(interfaceName string) (*ServiceRef, bool) {
	r.mu.RLock()
	if cached, ok := r.interfaceCache[interfaceName]; ok {
		r.mu.RUnlock()
		return cached, true
	}
	units := r.byInterface[interfaceName]
	if len(units) == 0 {
		r.mu.RUnlock()
		return nil, false
	}
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	winner := units[ids[0]]
	r.mu.RUnlock()

	r.mu.Lock()
	r.interfaceCache[interfaceName] = winner
	r.mu.Unlock()

	return winner, true
}

// PoolFor returns the instance pool backing unitID, or nil.
func (r *Registry) PoolFor(unitID string) *pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pools[unitID]
}

// SetCanary installs or replaces the canary split for a unit.
func (r *Registry) SetCanary(unitID string, cfg CanaryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := cfg
	r.canary[unitID] = &c
}

func (r *Registry) GetCanary(unitID string) (CanaryConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.canary[unitID]
	if !ok {
		return CanaryConfig{}, false
	}
	return *c, true
}

func (r *Registry) ClearCanary(unitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.canary, unitID)
}

// PickInstance selects which live instance should serve one call to
// unitID: label-match first, then a percent-roll against the unit's
// canary split, falling back to the default instance, with ties among
// equally-eligible instances broken lexicographically by version so
// selection is deterministic given the same active set and roll.
func (r *Registry) PickInstance(unitID string, requiredLabels map[string]string) (*unit.Instance, error) {
	p := r.PoolFor(unitID)
	if p == nil {
		return nil, errors.ServiceNotFoundErr(unitID)
	}

	active := p.Active()
	if len(active) == 0 {
		return nil, errors.ServiceUnavailableErr(unitID, "no active instances")
	}

	if len(requiredLabels) > 0 {
		matched := filterByLabels(active, requiredLabels)
		if len(matched) == 0 {
			return nil, errors.ServiceUnavailableErr(unitID, "no instance matches required labels")
		}
		return tieBreak(matched), nil
	}

	canary, hasCanary := r.GetCanary(unitID)
	if hasCanary && canary.Percent > 0 {
		candidates := filterByLabels(active, canary.Labels)
		if len(candidates) > 0 && rand.Intn(100) < canary.Percent {
			return tieBreak(candidates), nil
		}
	}

	def := p.Default()
	if def != nil {
		return def, nil
	}
	return tieBreak(active), nil
}

func filterByLabels(instances []*unit.Instance, required map[string]string) []*unit.Instance {
	var out []*unit.Instance
	for _, inst := range instances {
		if inst.LabelsSupersede(required) {
			out = append(out, inst)
		}
	}
	return out
}

// tieBreak picks the lexicographically lowest version among ready instances,
// a stable deterministic choice when more than one instance is eligible.
func tieBreak(instances []*unit.Instance) *unit.Instance {
	ready := make([]*unit.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.State() == unit.StateReady {
			ready = append(ready, inst)
		}
	}
	if len(ready) == 0 {
		ready = instances
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Def.Version < ready[j].Def.Version })
	return ready[0]
}

// InvocationContext is the per-call routing state handed to a worker. It is
// pooled so the routing proxy's hot path does not allocate one per call;
// Release nils every field that could otherwise pin a caller's argument
// slice or label map alive past the call's lifetime.
type InvocationContext struct {
	FQSID    string
	CallerID string
	Args     []interface{}
	Labels   map[string]string
}

var invocationContextPool = sync.Pool{New: func() interface{} { return &InvocationContext{} }}

func AcquireInvocationContext() *InvocationContext {
	return invocationContextPool.Get().(*InvocationContext)
}

func ReleaseInvocationContext(ic *InvocationContext) {
	ic.FQSID = ""
	ic.CallerID = ""
	ic.Args = nil
	ic.Labels = nil
	invocationContextPool.Put(ic)
}
