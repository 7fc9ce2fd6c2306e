package links

import (
	"sync"

	"github.com/google/uuid"
)

// Handle is anything whose termination can be watched: a session actor, a
// websocket observer, a test recorder.
type Handle interface {
	ID() string
	// Done is closed once the handle has terminated.
	Done() <-chan struct{}
	// Err reports the termination reason. It is nil until Done is closed.
	Err() error
}

// Process is a minimal Handle that terminates when Exit is called.
type Process struct {
	id   string
	done chan struct{}
	once sync.Once
	err  error
}

// NewProcess returns a live Process. An empty id gets a generated one.
func NewProcess(id string) *Process {
	if id == "" {
		id = uuid.NewString()
	}
	return &Process{id: id, done: make(chan struct{})}
}

func (p *Process) ID() string { return p.id }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Exit terminates the process with reason. Only the first call has effect.
func (p *Process) Exit(reason error) {
	p.once.Do(func() {
		p.err = reason
		close(p.done)
	})
}
