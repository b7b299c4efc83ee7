package manager

import (
	"sync"

	"github.com/lingframe/lingcore/internal/errors"
)

// threadBudget is the global-max-ling-threads CAS allocator: every unit
// gets default-threads-per-ling unless it requests another count, capped at
// max-threads-per-ling and at what remains of the global budget, so the sum
// across all units can never exceed global-max-ling-threads.
type threadBudget struct {
	mu             sync.Mutex
	globalMax      int
	defaultPerUnit int
	maxPerUnit     int
	used           int
	perUnit        map[string]int
}

func newThreadBudget(globalMax, defaultPerUnit, maxPerUnit int) *threadBudget {
	return &threadBudget{
		globalMax:      globalMax,
		defaultPerUnit: defaultPerUnit,
		maxPerUnit:     maxPerUnit,
		perUnit:        make(map[string]int),
	}
}

// allocate reserves threads for unitID, returning the exact count granted.
// A request above max-threads-per-ling, or above what is left of the global
// budget, is clamped; a host already at its global ceiling fails the install
// outright rather than silently starving an existing unit.
func (b *threadBudget) allocate(unitID string, requested int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := requested
	if want <= 0 {
		want = b.defaultPerUnit
	}
	if want > b.maxPerUnit {
		want = b.maxPerUnit
	}
	if remaining := b.globalMax - b.used; want > remaining {
		want = remaining
	}
	if want < 1 {
		return 0, errors.InstallFailureErr(unitID, errors.New(errors.InstallFailure, "global thread budget exhausted"))
	}

	b.used += want
	b.perUnit[unitID] = want
	return want, nil
}

// release returns unitID's exact reserved count to the pool, called on
// uninstall or on install rollback.
func (b *threadBudget) release(unitID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.perUnit[unitID]; ok {
		b.used -= n
		delete(b.perUnit, unitID)
	}
}

func (b *threadBudget) allocated(unitID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.perUnit[unitID]
}
