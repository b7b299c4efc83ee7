// Package events implements the kernel's typed event bus: synchronous
// publish, per-subscription ownership by unit id, and mandatory
// bulk-unsubscribe on unit uninstall. Publication is synchronous, with
// handler panics recovered and logged at the publish call site rather than
// propagated — an async broadcast queue could not observe them there.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/logging"
)

// Event is one published occurrence.
type Event struct {
	Type      string
	Timestamp time.Time
	SourceUnit string
	Payload   interface{}
}

// Handler processes one event. A non-nil error is logged and swallowed
// unless it is (or wraps) an errors.FatalError, in which case it is
// re-raised to the publisher.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id        uint64
	ownerUnit string
	eventType string
	handler   Handler
}

// Bus is the process-wide event bus. One instance is shared by the unit
// manager and every installed unit's UnitContext.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
	byType map[string]map[uint64]struct{}
	byUnit map[string]map[uint64]struct{}
	log    *logging.Logger
}

func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		byType: make(map[string]map[uint64]struct{}),
		byUnit: make(map[string]map[uint64]struct{}),
		log:    log,
	}
}

// Subscribe registers handler for eventType, owned by ownerUnit. The
// returned id can be passed to Unsubscribe directly.
func (b *Bus) Subscribe(ownerUnit, eventType string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, ownerUnit: ownerUnit, eventType: eventType, handler: handler}
	b.subs[id] = sub

	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[uint64]struct{})
	}
	b.byType[eventType][id] = struct{}{}

	if b.byUnit[ownerUnit] == nil {
		b.byUnit[ownerUnit] = make(map[uint64]struct{})
	}
	b.byUnit[ownerUnit][id] = struct{}{}

	return id
}

func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id uint64) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	delete(b.byType[sub.eventType], id)
	if len(b.byType[sub.eventType]) == 0 {
		delete(b.byType, sub.eventType)
	}
	delete(b.byUnit[sub.ownerUnit], id)
	if len(b.byUnit[sub.ownerUnit]) == 0 {
		delete(b.byUnit, sub.ownerUnit)
	}
}

// UnsubscribeUnit removes every subscription owned by unitID. Called on
// uninstall; mandatory, since skipping it leaves handlers holding closures
// over the unit's namespace/container.
func (b *Bus) UnsubscribeUnit(unitID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.byUnit[unitID]
	n := len(ids)
	for id := range ids {
		b.removeLocked(id)
	}
	return n
}

// Publish dispatches ev synchronously to every handler subscribed to its
// type. Handler panics and errors are caught, logged, and swallowed unless
// they carry errors.FatalError, which is re-raised to the caller after all
// other handlers have run.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.byType[ev.Type]))
	for id := range b.byType[ev.Type] {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		if sub, ok := b.subs[id]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	var fatal error
	for _, h := range handlers {
		if err := b.invoke(ctx, h, ev); err != nil {
			if errors.IsFatal(err) {
				fatal = err
				continue
			}
			b.log.WithContext(ctx).WithError(err).WithField("event_type", ev.Type).
				Warn("event handler failed, swallowed")
		}
	}
	return fatal
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h(ctx, ev)
}

// SubscriptionCount reports the total number of live subscriptions, used by
// diagnostics and tests.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
