package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingframe/lingcore/internal/errors"
	"github.com/lingframe/lingcore/internal/logging"
)

func newTestBus() *Bus {
	return NewBus(logging.New("test", "error", "text"))
}

func TestPublishDispatchesToMatchingType(t *testing.T) {
	bus := newTestBus()
	var got Event
	bus.Subscribe("unit-a", "widget.created", func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	})

	err := bus.Publish(context.Background(), Event{Type: "widget.created", Payload: 42})
	require.NoError(t, err)
	assert.Equal(t, 42, got.Payload)
}

func TestUnsubscribeUnitRemovesAllItsSubscriptions(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("unit-a", "t1", func(context.Context, Event) error { return nil })
	bus.Subscribe("unit-a", "t2", func(context.Context, Event) error { return nil })
	bus.Subscribe("unit-b", "t1", func(context.Context, Event) error { return nil })

	removed := bus.UnsubscribeUnit("unit-a")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, bus.SubscriptionCount())
}

func TestPublishSwallowsOrdinaryHandlerErrors(t *testing.T) {
	bus := newTestBus()
	calledSecond := false
	bus.Subscribe("unit-a", "t", func(context.Context, Event) error {
		return assert.AnError
	})
	bus.Subscribe("unit-a", "t", func(context.Context, Event) error {
		calledSecond = true
		return nil
	})

	err := bus.Publish(context.Background(), Event{Type: "t"})
	assert.NoError(t, err)
	assert.True(t, calledSecond, "an ordinary handler error must not stop other handlers from running")
}

func TestPublishRePropagatesFatalErrorAfterAllHandlersRun(t *testing.T) {
	bus := newTestBus()
	ranOther := false
	bus.Subscribe("unit-a", "t", func(context.Context, Event) error {
		return errors.Fatal(assert.AnError)
	})
	bus.Subscribe("unit-a", "t", func(context.Context, Event) error {
		ranOther = true
		return nil
	})

	err := bus.Publish(context.Background(), Event{Type: "t"})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.True(t, ranOther, "every handler must still run before a fatal error is re-raised")
}

func TestPublishRecoversHandlerPanic(t *testing.T) {
	bus := newTestBus()
	bus.Subscribe("unit-a", "t", func(context.Context, Event) error {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), Event{Type: "t"})
	})
}
