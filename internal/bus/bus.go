// Package bus is the in-process event multiplexer that decouples the
// websocket transport from the components consuming its events.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/proto"
)

// Handler receives one event.
type Handler func(proto.Event)

// Subscription is the handle returned by On; pass it to Off to unsubscribe.
type Subscription struct {
	id      uint64
	name    string
	fn      Handler
	removed atomic.Bool
}

// Name returns the event name the subscription listens to.
func (s *Subscription) Name() string { return s.name }

// ListenerError describes a handler that panicked during Emit.
type ListenerError struct {
	Event string
	Value any
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener for %q panicked: %v", e.Event, e.Value)
}

// Bus fans events out to handlers registered by event name.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64
	log    *zerolog.Logger
}

// New creates an empty bus. A nil logger disables listener error logging.
func New(logger *zerolog.Logger) *Bus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bus{
		subs: make(map[string][]*Subscription),
		log:  logger,
	}
}

// On registers fn for events named name. Handlers run in registration order.
func (b *Bus) On(name string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, name: name, fn: fn}
	b.subs[name] = append(b.subs[name], sub)
	return sub
}

// On registers a handler typed to one event payload.
func On[T proto.Event](b *Bus, fn func(T)) *Subscription {
	var zero T
	return b.On(zero.EventName(), func(ev proto.Event) {
		if typed, ok := ev.(T); ok {
			fn(typed)
		}
	})
}

// Off removes a subscription. Removing twice, or removing nil, is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil || sub.removed.Swap(true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.name]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		// Copy instead of shifting in place: in-flight Emit calls hold the old slice.
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.name)
		} else {
			b.subs[sub.name] = next
		}
		return
	}
}

// Emit delivers ev synchronously to every handler registered for its name.
func (b *Bus) Emit(ev proto.Event) {
	if ev == nil {
		return
	}
	name := ev.EventName()

	b.mu.RLock()
	snapshot := b.subs[name]
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.removed.Load() {
			continue
		}
		b.dispatch(name, sub, ev)
	}
}

// Count returns the number of live handlers for name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) dispatch(name string, sub *Subscription, ev proto.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := &ListenerError{Event: name, Value: r}
			b.log.Error().Err(err).Uint64("subscription", sub.id).Msg("event listener failed")
		}
	}()
	sub.fn(ev)
}

// Group collects subscriptions so a component can release them together.
type Group struct {
	bus  *Bus
	mu   sync.Mutex
	subs []*Subscription
}

// NewGroup creates a subscription group bound to b.
func NewGroup(b *Bus) *Group {
	return &Group{bus: b}
}

// Add tracks subs for a later Close.
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

// Close unsubscribes everything in the group.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		g.bus.Off(s)
	}
}
