package manager

import (
	"sort"

	"github.com/lingframe/lingcore/internal/executor"
	"github.com/lingframe/lingcore/internal/unit"
)

// UnitSummary is a read-only snapshot of one installed unit, the shape
// lingctl prints.
type UnitSummary struct {
	ID             string
	Version        string
	AllocatedThreads int
	ActiveCount    int
	DyingCount     int
}

// ListUnits returns every installed unit id in lexicographic order.
func (m *Manager) ListUnits() []UnitSummary {
	m.mu.Lock()
	ids := make([]string, 0, len(m.units))
	for id := range m.units {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]UnitSummary, 0, len(ids))
	for _, id := range ids {
		m.mu.Lock()
		def := m.units[id]
		p := m.pools[id]
		m.mu.Unlock()

		s := UnitSummary{ID: id, AllocatedThreads: m.budget.allocated(id)}
		if def != nil {
			s.Version = def.Version
		}
		if p != nil {
			s.ActiveCount = len(p.Active())
			s.DyingCount = p.DyingCount()
		}
		out = append(out, s)
	}
	return out
}

// InstancesFor returns every active instance of unitID.
func (m *Manager) InstancesFor(unitID string) []*unit.Instance {
	m.mu.Lock()
	p := m.pools[unitID]
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Active()
}

// Breaker returns the circuit breaker backing fqsid, creating it under its
// owning unit's default configuration if it does not exist yet.
func (m *Manager) Breaker(fqsid string) (*executor.CircuitBreaker, bool) {
	ref, ok := m.registry.Resolve(fqsid)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	exec, ok := m.executors[ref.UnitID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return exec.Breaker(fqsid), true
}

func (m *Manager) CanaryFor(unitID string) (percent int, labels map[string]string, ok bool) {
	cfg, found := m.registry.GetCanary(unitID)
	if !found {
		return 0, nil, false
	}
	return cfg.Percent, cfg.Labels, true
}
