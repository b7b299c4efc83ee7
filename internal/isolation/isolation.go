// Package isolation implements a three-tier namespace resolver: a host
// tier, a process-wide shared-contract tier, and a per-instance unit tier
// with child-first resolution and forced-parent delegation for contract
// prefixes. Go has no dynamic classloader, so each "tier" is a plain
// string-keyed table.
package isolation

import (
	"runtime"
	"sort"
	"sync"
)

// HostTier is the embedding process's own resolver: it owns names the host
// binary links in directly (runtime intrinsics, logging, serialization, and
// the governance contract package itself).
type HostTier struct {
	mu    sync.RWMutex
	names map[string]interface{}
}

func NewHostTier() *HostTier {
	return &HostTier{names: make(map[string]interface{})}
}

func (h *HostTier) Define(name string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[name] = value
}

func (h *HostTier) Resolve(name string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.names[name]
	return v, ok
}

// ContractTier is the process-wide singleton holding every contract type
// loaded from the configured preload sources. First definition of a name
// wins; later conflicting definitions are rejected with the caller told so
// it can log a warning.
type ContractTier struct {
	mu       sync.RWMutex
	names    map[string]interface{}
	prefixes map[string]bool
	parent   *HostTier
}

func NewContractTier(parent *HostTier) *ContractTier {
	return &ContractTier{
		names:    make(map[string]interface{}),
		prefixes: make(map[string]bool),
		parent:   parent,
	}
}

// Load registers one archive's contract entries. It returns the subset of
// names that conflicted with an already-loaded definition (and were
// therefore rejected) so the caller can log them.
func (c *ContractTier) Load(packagePrefix string, entries map[string]interface{}) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rejected []string
	for name, value := range entries {
		if _, exists := c.names[name]; exists {
			rejected = append(rejected, name)
			continue
		}
		c.names[name] = value
	}
	c.prefixes[packagePrefix] = true
	sort.Strings(rejected)
	return rejected
}

func (c *ContractTier) OwnsPrefix(prefix string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.prefixes[prefix]
}

func (c *ContractTier) Resolve(name string) (interface{}, bool) {
	c.mu.RLock()
	v, ok := c.names[name]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.Resolve(name)
	}
	return nil, false
}

// ForcedParentPrefixes is the mutable-at-startup, read-only-thereafter list
// of name prefixes a unit tier must always delegate upward for, regardless
// of local definitions: runtime intrinsics, logging facades, the contract
// package, and any shared-contract prefixes or user-configured additions.
type ForcedParentPrefixes struct {
	mu     sync.RWMutex
	frozen bool
	list   []string
}

func NewForcedParentPrefixes(initial ...string) *ForcedParentPrefixes {
	return &ForcedParentPrefixes{list: append([]string(nil), initial...)}
}

// Add appends a prefix. It panics if the list has already been frozen by
// the first unit install, matching the "mutable at startup only" invariant.
func (f *ForcedParentPrefixes) Add(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen {
		panic("isolation: forced-parent prefix list is frozen after first unit install")
	}
	f.list = append(f.list, prefix)
}

func (f *ForcedParentPrefixes) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
}

func (f *ForcedParentPrefixes) Matches(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.list {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}

// UnitNamespace is the per-instance resolver: child-first for everything
// except forced-parent prefixes, which always delegate upward to the
// contract tier.
type UnitNamespace struct {
	mu       sync.RWMutex
	unitID   string
	local    map[string]interface{}
	resources map[string]interface{}
	forced   *ForcedParentPrefixes
	contract *ContractTier
	closed   bool
}

func NewUnitNamespace(unitID string, forced *ForcedParentPrefixes, contract *ContractTier) *UnitNamespace {
	return &UnitNamespace{
		unitID:    unitID,
		local:     make(map[string]interface{}),
		resources: make(map[string]interface{}),
		forced:    forced,
		contract:  contract,
	}
}

func (u *UnitNamespace) Define(name string, value interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.local[name] = value
}

func (u *UnitNamespace) DefineResource(name string, value interface{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.resources[name] = value
}

// Resolve implements the tier's resolution order: forced-parent prefixes
// delegate upward unconditionally; everything else resolves locally first,
// falling back to the contract tier on miss.
func (u *UnitNamespace) Resolve(name string) (interface{}, bool) {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return nil, false
	}

	if u.forced.Matches(name) {
		return u.contract.Resolve(name)
	}

	u.mu.RLock()
	v, ok := u.local[name]
	u.mu.RUnlock()
	if ok {
		return v, true
	}
	return u.contract.Resolve(name)
}

// ResolveResource looks a resource (config file, resource bundle) up in the
// unit's own resources only; a name missing there is not looked up in the
// contract or host tier.
func (u *UnitNamespace) ResolveResource(name string) (interface{}, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return nil, false
	}
	v, ok := u.resources[name]
	return v, ok
}

// Close releases all local state, marks the namespace poisoned so further
// resolution fails, and drops this instance's last strong reference so the
// garbage collector can reclaim it. Leak detection registers a cleanup
// callback (the closest Go analog to a weak-reference probe) rather than
// holding one itself, since that would itself pin the namespace alive.
func (u *UnitNamespace) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.local = nil
	u.resources = nil
	return nil
}

func (u *UnitNamespace) Closed() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.closed
}

func (u *UnitNamespace) UnitID() string { return u.unitID }

// RegisterLeakProbe arranges for onCollected to run once the runtime
// actually reclaims ns. A finalizer only fires once the object is
// unreachable, so callers pair this with a timer: if onCollected has not
// fired by the grace delay, the namespace was still reachable at that
// point and Pool.scheduleLeakCheck logs a leak warning.
func RegisterLeakProbe(ns *UnitNamespace, onCollected func()) {
	runtime.SetFinalizer(ns, func(*UnitNamespace) { onCollected() })
}
