// Package events is the in-process pub/sub bus. Delivery is at-most-once
// and best-effort: each subscriber gets its own bounded buffer drained by a
// dedicated goroutine, so a slow handler never blocks a publisher.
package events

import (
	"log/slog"
	"sync"
)

type Kind string

const (
	ItemAdded     Kind = "item_added"
	ItemUpdated   Kind = "item_updated"
	ItemCompleted Kind = "item_completed"
	ItemCancelled Kind = "item_cancelled"
	ItemDeleted   Kind = "item_deleted"
	ItemMoved     Kind = "item_moved"
	ItemStatus    Kind = "item_status"
	Paused        Kind = "paused"
	Resumed       Kind = "resumed"
	LogInfo       Kind = "log_info"
	LogSuccess    Kind = "log_success"
	LogWarning    Kind = "log_warning"
	LogError      Kind = "log_error"
	ConfigUpdate  Kind = "config_update"
	Connected     Kind = "connected"
	ActiveQueue   Kind = "active_queue"
	Test          Kind = "test"
)

// Event is one published record. ItemID is set for item-scoped events and
// drives coalescing of item_updated bursts.
type Event struct {
	Kind    Kind
	ItemID  string
	Payload any
}

type Handler func(Event)

// bufferDepth is the per-subscriber queue bound. item_updated events for an
// item already buffered are coalesced instead of growing the queue; anything
// else past the bound is dropped with a warning.
const bufferDepth = 64

type subscriber struct {
	id      int
	kinds   map[Kind]bool // nil = all kinds
	handler Handler

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	closed  bool
}

func (s *subscriber) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// offer appends ev to the pending queue, coalescing or dropping as needed.
// Returns false when the event was dropped.
func (s *subscriber) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	if ev.Kind == ItemUpdated && ev.ItemID != "" {
		for i := len(s.pending) - 1; i >= 0; i-- {
			p := s.pending[i]
			if p.Kind == ItemUpdated && p.ItemID == ev.ItemID {
				s.pending[i] = ev
				s.signal()
				return true
			}
		}
	}

	if len(s.pending) >= bufferDepth {
		return false
	}
	s.pending = append(s.pending, ev)
	s.signal()
	return true
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.handler(ev)
		}
	}
}

// Bus fans events out to subscribers. The zero value is not usable; use
// NewBus.
type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, subs: map[int]*subscriber{}}
}

// Subscription identifies one subscriber for Unsubscribe.
type Subscription struct {
	id int
}

// Subscribe registers handler for the given kinds; an empty kinds list
// subscribes to everything. The handler runs on the subscriber's own
// delivery goroutine, in publish order.
func (b *Bus) Subscribe(kinds []Kind, handler Handler) Subscription {
	var set map[Kind]bool
	if len(kinds) > 0 {
		set = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			set[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		kinds:   set,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return Subscription{id: sub.id}
}

func (b *Bus) Unsubscribe(token Subscription) {
	b.mu.Lock()
	sub, ok := b.subs[token.id]
	if ok {
		delete(b.subs, token.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.pending = nil
	sub.mu.Unlock()
	close(sub.wake)
}

// Publish delivers ev to every interested subscriber. It never blocks on
// slow consumers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		if !sub.offer(ev) {
			b.log.Warn("event dropped: subscriber buffer full",
				"kind", ev.Kind, "item", ev.ItemID, "subscriber", sub.id)
		}
	}
}

// PublishKind is shorthand for item-less events.
func (b *Bus) PublishKind(kind Kind, payload any) {
	b.Publish(Event{Kind: kind, Payload: payload})
}
