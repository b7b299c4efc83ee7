package manager

import (
	"context"

	"github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/events"
	"github.com/lingframe/lingcore/internal/manifest"
)

// unitContext is the narrow window a container gets back into the kernel,
// implementing spi.UnitContext. Every call re-enters the manager so a
// reload or blue-green swap that happens mid-lifetime is always honored.
type unitContext struct {
	unitID string
	m      *Manager
}

func (c *unitContext) UnitID() string { return c.unitID }

func (c *unitContext) Invoke(ctx context.Context, fqsid string, args []interface{}) (interface{}, error) {
	return c.m.InvokeService(ctx, c.unitID, fqsid, args)
}

func (c *unitContext) GetService(ctx context.Context, ifaceName string) (interface{}, error) {
	ref, ok := c.m.registry.ResolveInterface(ifaceName)
	if !ok {
		return nil, errors.ServiceNotFoundErr(ifaceName)
	}
	inst, err := c.m.registry.PickInstance(ref.UnitID, nil)
	if err != nil {
		return nil, err
	}
	bean, ok := inst.Container.GetBeanByName(ref.InterfaceName)
	if !ok {
		return nil, errors.ServiceNotFoundErr(ifaceName)
	}
	return bean, nil
}

func (c *unitContext) PublishEvent(ctx context.Context, eventType string, payload interface{}) error {
	return c.m.bus.Publish(ctx, events.Event{Type: eventType, SourceUnit: c.unitID, Payload: payload})
}

func (c *unitContext) IsAllowed(capability string, required string) bool {
	d := c.m.permissions.IsAllowed(c.unitID, capability, manifest.AccessType(required))
	return d.Allowed
}
