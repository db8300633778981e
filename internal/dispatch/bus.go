// Package dispatch routes inbound stanzas to subscribers through predicate
// filters.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Filter reports whether an event should reach a subscriber. A nil Filter
// matches every event.
type Filter[E any] func(E) bool

type Handler[E any] func(E)

// Subscription identifies one registration. The zero value matches nothing.
type Subscription struct {
	id uint64
}

func (s Subscription) Valid() bool {
	return s.id != 0
}

type subscriber[E any] struct {
	id      uint64
	filter  Filter[E]
	handler Handler[E]
	once    bool
}

// Bus is a typed publish/subscribe hub. Handlers run on the publisher's
// goroutine, outside the bus lock, so a handler may subscribe or
// unsubscribe.
type Bus[E any] struct {
	mu   sync.Mutex
	seq  uint64
	subs []*subscriber[E]
}

func NewBus[E any]() *Bus[E] {
	return &Bus[E]{}
}

func (b *Bus[E]) Subscribe(filter Filter[E], handler Handler[E]) Subscription {
	return b.add(filter, handler, false)
}

// SubscribeOnce registers a handler that is removed after its first match.
func (b *Bus[E]) SubscribeOnce(filter Filter[E], handler Handler[E]) Subscription {
	return b.add(filter, handler, true)
}

func (b *Bus[E]) add(filter Filter[E], handler Handler[E], once bool) Subscription {
	if handler == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subs = append(b.subs, &subscriber[E]{
		id:      b.seq,
		filter:  filter,
		handler: handler,
		once:    once,
	})
	return Subscription{id: b.seq}
}

func (b *Bus[E]) Unsubscribe(sub Subscription) bool {
	if !sub.Valid() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll drops every registration and returns how many were removed.
func (b *Bus[E]) UnsubscribeAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.subs)
	b.subs = nil
	return n
}

func (b *Bus[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers event to every matching subscriber once and returns the
// number of deliveries.
func (b *Bus[E]) Publish(event E) int {
	b.mu.Lock()
	matched := make([]*subscriber[E], 0, len(b.subs))
	kept := b.subs[:0]
	for _, s := range b.subs {
		hit := s.filter == nil || s.filter(event)
		if hit {
			matched = append(matched, s)
		}
		if hit && s.once {
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	b.mu.Unlock()

	for _, s := range matched {
		deliver(s, event)
	}
	return len(matched)
}

func deliver[E any](s *subscriber[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Uint64("subscription", s.id).Msgf("dispatch.Bus.Publish handler panic: %v", r)
		}
	}()
	s.handler(event)
}
