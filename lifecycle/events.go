package lifecycle

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/tierstore/tier"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCleanup   EventType = "cleanup"
	EventExpire    EventType = "expire"
	EventPromotion EventType = "promotion"
	EventDemotion  EventType = "demotion"
	EventLRUEvict  EventType = "lru_evict"
)

// Event describes one applied lifecycle decision. To is only meaningful for
// promotion and demotion.
type Event struct {
	ID        uuid.UUID
	Type      EventType
	Key       string
	From      tier.Tier
	To        tier.Tier
	Timestamp time.Time
	Metadata  map[string]any
}

// Handler receives events synchronously on the tick goroutine; keep it
// lightweight.
type Handler func(Event)

type subscription struct {
	id uuid.UUID
	fn Handler
}

// On subscribes h to events of type t and returns a func that unsubscribes.
func (m *Manager) On(t EventType, h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := uuid.New()
	m.evMu.Lock()
	m.handlers[t] = append(m.handlers[t], subscription{id: id, fn: h})
	m.evMu.Unlock()
	return func() {
		m.evMu.Lock()
		m.handlers[t] = slices.DeleteFunc(m.handlers[t], func(s subscription) bool { return s.id == id })
		m.evMu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.evMu.RLock()
	subs := slices.Clone(m.handlers[ev.Type])
	m.evMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	ev.ID = uuid.New()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}
	for _, s := range subs {
		m.dispatch(s, ev)
	}
}

func (m *Manager) dispatch(s subscription, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("lifecycle.handler_panic", "event", string(ev.Type), "key", ev.Key, "err", fmt.Sprint(p))
		}
	}()
	s.fn(ev)
}
