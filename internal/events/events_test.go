package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T) (Handler, func() []Event) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	h := func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	return h, func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeFiltersKinds(t *testing.T) {
	bus := NewBus(nil)
	h, got := collect(t)
	bus.Subscribe([]Kind{ItemAdded, ItemCompleted}, h)

	bus.PublishKind(ItemAdded, "a")
	bus.PublishKind(Paused, nil)
	bus.PublishKind(ItemCompleted, "b")

	eventually(t, func() bool { return len(got()) == 2 })
	evs := got()
	assert.Equal(t, ItemAdded, evs[0].Kind)
	assert.Equal(t, ItemCompleted, evs[1].Kind)
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	bus := NewBus(nil)
	h, got := collect(t)
	bus.Subscribe(nil, h)

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Kind: ItemStatus, ItemID: "x", Payload: i})
	}

	eventually(t, func() bool { return len(got()) == 20 })
	for i, ev := range got() {
		assert.Equal(t, i, ev.Payload, "events must arrive in publish order")
	}
}

func TestItemUpdatedCoalesces(t *testing.T) {
	bus := NewBus(nil)

	block := make(chan struct{})
	var mu sync.Mutex
	var got []Event
	bus.Subscribe(nil, func(ev Event) {
		<-block
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	// First event parks the delivery goroutine on block; the rest queue up.
	bus.Publish(Event{Kind: ItemUpdated, ItemID: "a", Payload: 1})
	eventually(t, func() bool {
		// Wait until the delivery goroutine has dequeued the first event.
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		for _, s := range bus.subs {
			s.mu.Lock()
			n := len(s.pending)
			s.mu.Unlock()
			return n == 0
		}
		return false
	})
	bus.Publish(Event{Kind: ItemUpdated, ItemID: "a", Payload: 2})
	bus.Publish(Event{Kind: ItemUpdated, ItemID: "a", Payload: 3})
	bus.Publish(Event{Kind: ItemUpdated, ItemID: "b", Payload: 4})
	close(block)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	// The buffered update for "a" was replaced by the newer one.
	assert.Equal(t, 1, got[0].Payload)
	assert.Equal(t, 3, got[1].Payload)
	assert.Equal(t, 4, got[2].Payload)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	h, got := collect(t)
	token := bus.Subscribe(nil, h)

	bus.PublishKind(Test, nil)
	eventually(t, func() bool { return len(got()) == 1 })

	bus.Unsubscribe(token)
	bus.PublishKind(Test, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	block := make(chan struct{})
	defer close(block)
	bus.Subscribe(nil, func(Event) { <-block })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferDepth*3; i++ {
			bus.Publish(Event{Kind: LogInfo, Payload: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
