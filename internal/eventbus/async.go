package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrQueueFull = errors.New("publish queue full")

// AsyncStats reports the queue counters of an Async publisher.
type AsyncStats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

// Async hands messages to next from a single worker goroutine. Publish never
// blocks: when the queue is full the message is dropped and counted. Order
// is preserved for the messages that are accepted.
type Async struct {
	name    string
	next    Publisher
	timeout time.Duration
	queue   chan Message
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	queued    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewAsync starts the worker. timeout bounds each delivery to next.
func NewAsync(name string, next Publisher, size int, timeout time.Duration) *Async {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		name:    name,
		next:    next,
		timeout: timeout,
		queue:   make(chan Message, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish ignores ctx beyond the enqueue; delivery uses its own deadline.
func (a *Async) Publish(_ context.Context, msg Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("%s: %w", a.name, ErrBusClosed)
	}
	select {
	case a.queue <- msg:
		a.queued.Add(1)
		return nil
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warn().Str("module", "eventbus").Str("publisher", a.name).Uint64("dropped", n).Msg("publish queue full, dropping events")
		}
		return fmt.Errorf("%s: %w", a.name, ErrQueueFull)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, msg)
		cancel()
		if err != nil {
			a.failed.Add(1)
			log.Warn().Str("module", "eventbus").Str("publisher", a.name).Str("type", msg.Type).Str("obj_id", msg.ObjectID).Err(err).Msg("event delivery failed")
			continue
		}
		a.delivered.Add(1)
	}
}

func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Queued:    a.queued.Load(),
		Delivered: a.delivered.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
		Pending:   len(a.queue),
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to
// expire. It does not close next.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	default:
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %d events not delivered: %w", a.name, len(a.queue), ctx.Err())
	}
}
