// Package spi defines the interfaces the core consumes from its host
// embedding. The core never depends on a concrete container, DI framework,
// or transaction manager — only on these contracts.
package spi

import "context"

// ContainerFactory builds the DI-like container a unit instance runs in.
type ContainerFactory interface {
	New(unitID string, source Source, ns Namespace) (Container, error)
}

// Source locates a unit's packaged or unpackaged code, passed opaquely
// through install/install-dev/deploy-canary/reload.
type Source interface {
	Location() string
	DevMode() bool
}

// Namespace is a unit's isolated class/name resolver.
type Namespace interface {
	Resolve(name string) (interface{}, bool)
	Define(name string, value interface{})
	Close() error
	Closed() bool
}

// Container is the DI-like context holding a unit's beans.
type Container interface {
	Start(ctx UnitContext) error
	Stop() error
	IsActive() bool
	GetBeanByType(t interface{}) (interface{}, bool)
	GetBeanByName(name string) (interface{}, bool)
	BeanNames() []string
	Namespace() Namespace
}

// UnitContext is handed back to a unit's container at Start, giving it a
// narrow window back into the kernel.
type UnitContext interface {
	UnitID() string
	Invoke(ctx context.Context, fqsid string, args []interface{}) (interface{}, error)
	GetService(ctx context.Context, ifaceName string) (interface{}, error)
	PublishEvent(ctx context.Context, eventType string, payload interface{}) error
	IsAllowed(capability string, required string) bool
}

// SecurityVerifier runs over a unit's source before install proceeds.
type SecurityVerifier interface {
	Verify(unitID string, source Source) error
}

// TransactionVerifier decides whether a target method participates in an
// ambient transaction. Implementers without a transaction manager should
// conservatively return false, accepting lost transaction propagation
// across the bulkhead boundary rather than mis-detecting transactional
// calls.
type TransactionVerifier interface {
	IsTransactional(declaringType, method string) bool
}

// ServiceInvoker performs the actual call against a resolved bean/method.
type ServiceInvoker interface {
	Invoke(ctx context.Context, instance interface{}, bean interface{}, method string, args []interface{}) (interface{}, error)
}

// Propagator captures ambient state before a bulkhead handoff and restores
// it on the worker goroutine.
type Propagator interface {
	Capture(ctx context.Context) (snapshot interface{}, err error)
	Replay(ctx context.Context, snapshot interface{}) (restoreToken interface{}, err error)
	Restore(ctx context.Context, restoreToken interface{})
}

// ResourceGuard reverses global side effects a unit's container may have
// caused and probes for namespace leaks after destruction: DetectLeak runs
// onCollected once ns has been reclaimed.
type ResourceGuard interface {
	Cleanup(unitID string, ns Namespace) error
	DetectLeak(unitID string, ns Namespace, onCollected func())
}

// GovernancePolicyProvider is one link in the decision-pipeline chain.
// Lower Order wins and fills whichever decision fields it has an opinion
// on; "no opinion" is signalled by a nil return with nil error.
type GovernancePolicyProvider interface {
	Order() int
	Resolve(ctx context.Context, declaringType, method string, invocationCtx interface{}) (decision interface{}, err error)
}
