package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/links"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 RTP/AVP 0\r\n"

type fakeBackend struct {
	BaseBackend

	mu         sync.Mutex
	inits      int
	stops      int
	terminates int
	events     []EventKind

	startResult  Result
	startErr     error
	answerResult Result
	answerFn     func(ctx context.Context, s *Session, answer Payload) (Result, error)
	updateFn     func(s *Session, op string, opts map[string]any) (Result, error)
	downDecision *Decision
}

func (b *fakeBackend) Init(s *Session) error {
	b.mu.Lock()
	b.inits++
	b.mu.Unlock()
	return b.BaseBackend.Init(s)
}

func (b *fakeBackend) Start(context.Context, *Session) (Result, error) {
	return b.startResult, b.startErr
}

func (b *fakeBackend) Answer(ctx context.Context, s *Session, answer Payload) (Result, error) {
	if b.answerFn != nil {
		return b.answerFn(ctx, s, answer)
	}
	return b.answerResult, nil
}

func (b *fakeBackend) Update(_ context.Context, s *Session, op string, opts map[string]any) (Result, error) {
	if b.updateFn == nil {
		return Result{}, ErrUnknownOperation
	}
	return b.updateFn(s, op, opts)
}

func (b *fakeBackend) Stop(*Session, error) {
	b.mu.Lock()
	b.stops++
	b.mu.Unlock()
}

func (b *fakeBackend) Event(_ *Session, ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev.Kind)
	b.mu.Unlock()
}

func (b *fakeBackend) HandleDown(s *Session, key links.Key, reason error) Decision {
	if b.downDecision != nil {
		return *b.downDecision
	}
	return b.BaseBackend.HandleDown(s, key, reason)
}

func (b *fakeBackend) Terminate(*Session, error) {
	b.mu.Lock()
	b.terminates++
	b.mu.Unlock()
}

func (b *fakeBackend) counts() (stops, terminates int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops, b.terminates
}

func (b *fakeBackend) initCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inits
}

// recorder is an observer handle keeping what it receives.
type recorder struct {
	*links.Process
	mu     sync.Mutex
	events []Event
	keys   []links.Key
}

func newRecorder(id string) *recorder {
	return &recorder{Process: links.NewProcess(id)}
}

func (p *recorder) Deliver(_ string, key links.Key, ev Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.keys = append(p.keys, key)
	p.mu.Unlock()
}

func (p *recorder) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

type testEnv struct {
	mgr     *Manager
	bus     *eventbus.Local
	sub     *eventbus.Subscription
	backend *fakeBackend
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	bus := eventbus.NewLocal()
	sub, err := bus.Subscribe(eventbus.Filter{Class: EventClass, Subclass: EventSubclass}, 1024)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	opts.Bus = bus
	mgr := NewManager(opts)
	env := &testEnv{mgr: mgr, bus: bus, sub: sub, backend: &fakeBackend{}}
	err = mgr.RegisterService(&Service{
		ID: "svcA",
		NewBackend: func(string) (Backend, error) {
			return env.backend, nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.StopAll(ctx, nil)
		_ = bus.Close()
	})
	return env
}

// start creates a session whose offer comes from the start config.
func (e *testEnv) start(t *testing.T, cfg StartConfig) *Actor {
	t.Helper()
	if cfg.Offer == nil {
		cfg.Offer = Payload{"sdp": testSDP}
	}
	a, _, err := e.mgr.Start(context.Background(), "svcA", "p2p", cfg)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a
}

func (e *testEnv) answered(t *testing.T, cfg StartConfig) *Actor {
	t.Helper()
	a := e.start(t, cfg)
	if _, err := a.SetAnswer(context.Background(), Payload{"sdp": testSDP}); err != nil {
		t.Fatalf("SetAnswer() error = %v", err)
	}
	return a
}

// waitEvent returns the next bus message of kind for the session.
func (e *testEnv) waitEvent(t *testing.T, sessionID string, kind EventKind, timeout time.Duration) eventbus.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-e.sub.C:
			if msg.ObjectID == sessionID && msg.Type == string(kind) {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s event for %s within %v", kind, sessionID, timeout)
			return eventbus.Message{}
		}
	}
}

// drain returns every message currently queued for the session.
func (e *testEnv) drain(sessionID string) []eventbus.Message {
	var out []eventbus.Message
	for {
		select {
		case msg := <-e.sub.C:
			if msg.ObjectID == sessionID {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func waitDone(t *testing.T, a *Actor, timeout time.Duration) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(timeout):
		t.Fatalf("session %s still running after %v", a.ID(), timeout)
	}
}
