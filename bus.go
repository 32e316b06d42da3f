package raymond

import (
	"log/slog"
	"reflect"
	"sync"
)

// Bus is a synchronous typed publish/subscribe channel between the core and
// its observers. Emit calls every handler registered for the event's concrete
// type, in registration order, on the emitting goroutine. Handler panics are
// recovered and logged; they never reach the publisher. One Bus belongs to
// one workflow run and must not be shared across runs.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]*subscription
	logger   *slog.Logger
}

type subscription struct {
	fn func(Event)
}

// Subscription identifies a registered handler so it can be removed.
type Subscription struct {
	bus *Bus
	typ reflect.Type
	sub *subscription
}

// NewBus creates an empty Bus. A nil logger falls back to a no-op logger.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = nopLogger
	}
	return &Bus{
		handlers: make(map[reflect.Type][]*subscription),
		logger:   logger,
	}
}

// Subscribe registers fn for events of concrete type T and returns a handle
// for Cancel.
func Subscribe[T Event](b *Bus, fn func(T)) *Subscription {
	sub := &subscription{fn: func(e Event) { fn(e.(T)) }}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], sub)
	b.mu.Unlock()
	return &Subscription{bus: b, typ: typ, sub: sub}
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.handlers[s.typ]
	for i, sub := range subs {
		if sub == s.sub {
			s.bus.handlers[s.typ] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.bus = nil
}

// Emit dispatches e synchronously to every handler registered for its type.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := b.handlers[reflect.TypeOf(e)]
	// Copy under lock so a handler may subscribe or cancel without
	// invalidating this dispatch.
	snapshot := make([]*subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		b.dispatch(sub, e)
	}
}

func (b *Bus) dispatch(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", reflect.TypeOf(e).Name(), "panic", r)
		}
	}()
	sub.fn(e)
}
