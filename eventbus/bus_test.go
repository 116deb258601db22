package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beer-garden/beer-garden/eventbus"
	"github.com/beer-garden/beer-garden/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(time.Second) })
	return bus
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := startedBus(t)

	var mu sync.Mutex
	var got []model.EventName
	done := make(chan struct{})

	bus.Subscribe(func(e model.Event) {
		mu.Lock()
		got = append(got, e.Name)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	bus.Publish(model.NewEvent(model.EventRequestCreated, "local", "request", nil))
	bus.Publish(model.NewEvent(model.EventRequestStarted, "local", "request", nil))
	bus.Publish(model.NewEvent(model.EventRequestCompleted, "local", "request", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventName{
		model.EventRequestCreated,
		model.EventRequestStarted,
		model.EventRequestCompleted,
	}, got)
}

func TestBusSubscribeNamesFilters(t *testing.T) {
	bus := startedBus(t)

	matched := make(chan model.EventName, 4)
	bus.SubscribeNames(func(e model.Event) {
		matched <- e.Name
	}, model.EventJobCreated, model.EventJobDeleted)

	bus.Publish(model.NewEvent(model.EventJobCreated, "local", "job", nil))
	bus.Publish(model.NewEvent(model.EventRequestCreated, "local", "request", nil))
	bus.Publish(model.NewEvent(model.EventJobDeleted, "local", "job", nil))

	assert.Equal(t, model.EventJobCreated, <-matched)
	assert.Equal(t, model.EventJobDeleted, <-matched)

	select {
	case name := <-matched:
		t.Fatalf("unexpected delivery: %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := startedBus(t)

	first := make(chan struct{}, 1)
	unsub := bus.Subscribe(func(model.Event) { first <- struct{}{} })

	// A second always-on subscriber proves delivery still happens.
	second := make(chan struct{}, 2)
	bus.Subscribe(func(model.Event) { second <- struct{}{} })

	bus.Publish(model.NewEvent(model.EventTopicCreated, "local", "topic", nil))
	<-first
	<-second

	unsub()
	bus.Publish(model.NewEvent(model.EventTopicRemoved, "local", "topic", nil))
	<-second

	select {
	case <-first:
		t.Fatal("unsubscribed handler still invoked")
	default:
	}
}

func TestBusPublishFromHandler(t *testing.T) {
	bus := startedBus(t)

	done := make(chan struct{})
	bus.Subscribe(func(e model.Event) {
		switch e.Name {
		case model.EventRequestCreated:
			bus.Publish(model.NewEvent(model.EventRequestStarted, "local", "request", nil))
		case model.EventRequestStarted:
			close(done)
		}
	})

	bus.Publish(model.NewEvent(model.EventRequestCreated, "local", "request", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant publish not delivered")
	}
}

func TestBusHandlerPanicContained(t *testing.T) {
	bus := startedBus(t)

	bus.Subscribe(func(model.Event) { panic("broken handler") })

	delivered := make(chan struct{})
	bus.Subscribe(func(model.Event) { close(delivered) })

	bus.Publish(model.NewEvent(model.EventSystemCreated, "local", "system", nil))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking handler stalled delivery")
	}
}

func TestBusLifecycle(t *testing.T) {
	bus := eventbus.New(nil)

	assert.Error(t, bus.Stop(time.Second))

	require.NoError(t, bus.Start(context.Background()))
	assert.Error(t, bus.Start(context.Background()))

	require.NoError(t, bus.Stop(time.Second))

	// Publish after stop is a silent no-op.
	bus.Publish(model.NewEvent(model.EventEntryStopped, "local", "", nil))
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := startedBus(t)

	got := make(chan model.Event, 1)
	bus.Subscribe(func(e model.Event) { got <- e })

	bus.Publish(model.Event{Name: model.EventGardenUpdated})

	e := <-got
	assert.False(t, e.Timestamp.IsZero())
}
