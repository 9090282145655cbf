// Package eventbus is the typed observer mechanism behind the wallet
// gateway's connection-lifecycle events. Subscribers register per event
// kind; publishing never blocks the publisher — a slow subscriber drops
// events rather than stalling the event loop.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Kind identifies a class of lifecycle event.
type Kind string

const (
	KindAccountChanged Kind = "account_changed"
	KindChainChanged   Kind = "chain_changed"
	KindDisconnected   Kind = "disconnected"
)

// Event is a published lifecycle event.
type Event struct {
	Kind    Kind
	Address string
	ChainID uint64
}

// subscriberBuffer bounds each subscription channel.
const subscriberBuffer = 16

// Bus is a small in-process publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Kind]map[int]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Kind]map[int]chan Event)}
}

// Subscribe registers interest in one event kind. The returned cancel
// function unregisters the subscription and closes the channel.
func (b *Bus) Subscribe(kind Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)

	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]chan Event)
	}
	b.subs[kind][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[kind][id]; ok {
			delete(b.subs[kind], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("kind", string(ev.Kind)).Msg("Subscriber channel full, dropping event")
		}
	}
}

// Close unregisters every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.subs, kind)
	}
}
