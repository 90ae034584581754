package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var order []int
	bus.Subscribe(KindReady, func(Event) { order = append(order, 1) })
	bus.Subscribe(KindReady, func(Event) { order = append(order, 2) })
	bus.Subscribe(KindReady, func(Event) { order = append(order, 3) })

	bus.Publish(Event{Kind: KindReady})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublish_KindsAreIndependent(t *testing.T) {
	bus := NewBus(nil)

	var got []Kind
	bus.Subscribe(KindError, func(e Event) { got = append(got, e.Kind) })

	bus.Publish(Event{Kind: KindReady})
	bus.Publish(Event{Kind: KindError, Op: "add", Err: errors.New("boom")})

	assert.Equal(t, []Kind{KindError}, got)
}

func TestPublish_PanickingSubscriberIsIsolated(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe(KindError, func(Event) { panic("subscriber bug") })
	bus.Subscribe(KindError, func(Event) { delivered = true })

	bus.Publish(Event{Kind: KindError})
	assert.True(t, delivered, "later subscribers must still receive the event")
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	cancel := bus.Subscribe(KindClosed, func(Event) { count++ })

	bus.Publish(Event{Kind: KindClosed})
	cancel()
	bus.Publish(Event{Kind: KindClosed})

	assert.Equal(t, 1, count)

	// Double-cancel is harmless.
	cancel()
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := NewBus(nil)
	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: KindMigration})
	})
}
