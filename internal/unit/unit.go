// Package unit defines the core data model: unit definitions, live
// instances, and their state machine.
package unit

import (
	"sync/atomic"

	"github.com/lingframe/lingcore/internal/isolation"
	"github.com/lingframe/lingcore/internal/manifest"
	"github.com/lingframe/lingcore/internal/spi"
)

// State is an instance's lifecycle state.
type State int32

const (
	StateLoading State = iota
	StateReady
	StateDying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateReady:
		return "READY"
	case StateDying:
		return "DYING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Definition is the immutable unit descriptor.
type Definition struct {
	ID         string
	Version    string
	MainEntry  string
	Manifest   *manifest.Manifest
	Properties map[string]interface{}
}

func (d *Definition) Canary() bool {
	if d.Manifest != nil {
		return d.Manifest.Canary()
	}
	v, _ := d.Properties["canary"].(bool)
	return v
}

// Instance is one live realization of a unit.
type Instance struct {
	Def       *Definition
	Namespace *isolation.UnitNamespace
	Container spi.Container
	Labels    map[string]string

	state          int32 // atomic, State
	refcount       int64 // atomic, saturating
	inflightHWM    int64 // atomic high-water mark
}

func NewInstance(def *Definition, ns *isolation.UnitNamespace, container spi.Container, labels map[string]string) *Instance {
	return &Instance{
		Def:       def,
		Namespace: ns,
		Container: container,
		Labels:    labels,
		state:     int32(StateLoading),
	}
}

func (i *Instance) State() State { return State(atomic.LoadInt32(&i.state)) }

func (i *Instance) setState(s State) { atomic.StoreInt32(&i.state, int32(s)) }

// MarkReady transitions LOADING -> READY after a successful container
// start. It is a no-op if the instance is already past LOADING.
func (i *Instance) MarkReady() {
	atomic.CompareAndSwapInt32(&i.state, int32(StateLoading), int32(StateReady))
}

// MarkDying transitions to DYING, rejecting any further enter() calls.
func (i *Instance) MarkDying() {
	for {
		cur := State(atomic.LoadInt32(&i.state))
		if cur == StateDying || cur == StateDestroyed {
			return
		}
		if atomic.CompareAndSwapInt32(&i.state, int32(cur), int32(StateDying)) {
			return
		}
	}
}

func (i *Instance) MarkDestroyed() { i.setState(StateDestroyed) }

// Enter increments the reference count iff the instance is READY. It
// returns false (without incrementing) if the instance is not ready, so
// callers fail fast instead of blocking on a dying or loading instance.
func (i *Instance) Enter() bool {
	if i.State() != StateReady {
		return false
	}
	n := atomic.AddInt64(&i.refcount, 1)
	for {
		hwm := atomic.LoadInt64(&i.inflightHWM)
		if n <= hwm || atomic.CompareAndSwapInt64(&i.inflightHWM, hwm, n) {
			break
		}
	}
	return true
}

// Exit decrements the reference count. It panics on underflow, since that
// indicates an unpaired Enter/Exit — a caller bug.
func (i *Instance) Exit() int64 {
	n := atomic.AddInt64(&i.refcount, -1)
	if n < 0 {
		panic("unit: refcount underflow: exit() without matching enter()")
	}
	return n
}

func (i *Instance) RefCount() int64      { return atomic.LoadInt64(&i.refcount) }
func (i *Instance) InflightHighWater() int64 { return atomic.LoadInt64(&i.inflightHWM) }

// LabelsSupersede reports whether this instance's label set is a superset
// of required, used by canary routing's label-match step.
func (i *Instance) LabelsSupersede(required map[string]string) bool {
	for k, v := range required {
		if i.Labels[k] != v {
			return false
		}
	}
	return true
}
