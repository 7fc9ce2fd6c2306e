package session

import "sync"

type reply struct {
	v   any
	err error
}

// envelope is one unit of work for the actor goroutine. A nil reply channel
// marks a fire-and-forget request.
type envelope struct {
	fn    func() (any, error)
	reply chan reply
}

// mailbox is an unbounded FIFO queue. Pushing never blocks, so two actors can
// message each other without risk of deadlock.
type mailbox struct {
	mu     sync.Mutex
	queue  []envelope
	ready  chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(e envelope) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) pop() (envelope, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue[0] = envelope{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e, true
		}
		if m.closed {
			m.mu.Unlock()
			return envelope{}, false
		}
		m.mu.Unlock()
		<-m.ready
	}
}

// close rejects further pushes and returns what was still queued.
func (m *mailbox) close() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	rest := m.queue
	m.queue = nil
	return rest
}

// compact releases the backing array grown by bursts of requests.
func (m *mailbox) compact() {
	m.mu.Lock()
	m.queue = append([]envelope(nil), m.queue...)
	m.mu.Unlock()
}
