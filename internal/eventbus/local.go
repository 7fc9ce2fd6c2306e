package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrBusClosed         = errors.New("event bus closed")
	ErrSubscriberUnknown = errors.New("subscriber not found")
)

// Subscription receives the messages matching its filter.
type Subscription struct {
	ID     string
	C      <-chan Message
	filter Filter
	ch     chan Message
	sent   atomic.Uint64
	drops  atomic.Uint64
}

// Sent returns how many messages were queued for the subscriber.
func (s *Subscription) Sent() uint64 { return s.sent.Load() }

// Dropped returns how many messages were discarded because the subscriber
// queue was full.
func (s *Subscription) Dropped() uint64 { return s.drops.Load() }

// Local is an in-process bus. Publishing never blocks: a slow subscriber
// loses messages instead of stalling the session that emitted them.
type Local struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	published atomic.Uint64
	closed    bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber with a queue of the given size.
func (b *Local) Subscribe(f Filter, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan Message, buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		filter: f,
		ch:     ch,
	}
	b.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Local) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return ErrSubscriberUnknown
	}
	delete(b.subs, id)
	close(sub.ch)
	return nil
}

func (b *Local) Publish(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.filter.Match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
			sub.sent.Add(1)
		default:
			sub.drops.Add(1)
		}
	}
	return nil
}

// Published returns the total number of messages accepted by the bus.
func (b *Local) Published() uint64 { return b.published.Load() }

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
