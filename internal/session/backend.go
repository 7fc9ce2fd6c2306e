package session

import (
	"context"

	"github.com/ent0n29/mediacore/internal/links"
)

// Result is what a backend hook hands back for the core to merge into the
// session. Zero fields leave the session untouched.
type Result struct {
	Reply     any
	Offer     Payload
	Answer    Payload
	Type      string
	TypeExt   map[string]any
	Observer  links.Handle
	Hibernate bool
}

// Decision tells the actor what to do after a registered handle went down.
type Decision struct {
	Stop   bool
	Reason error
}

var Continue = Decision{}

func StopWith(reason error) Decision {
	return Decision{Stop: true, Reason: reason}
}

// Backend is the contract a media engine implements. Every method runs on
// the session's actor goroutine and must not block for long: a slow hook
// stalls that session, never the others.
//
// Errors returned from Start abort the session. Errors from Answer and
// Update stop the session unless they are validation errors (see
// IsValidation), which are handed back to the caller unchanged.
type Backend interface {
	Init(s *Session) error
	Start(ctx context.Context, s *Session) (Result, error)
	Answer(ctx context.Context, s *Session, answer Payload) (Result, error)
	Update(ctx context.Context, s *Session, op string, opts map[string]any) (Result, error)
	Stop(s *Session, reason error)
	Event(s *Session, ev Event)
	ObserverEvent(s *Session, e links.Entry[any], ev Event)
	HandleDown(s *Session, key links.Key, reason error) Decision
	Terminate(s *Session, reason error)
	UnknownCall(s *Session, req any) (any, error)
	UnknownCast(s *Session, msg any)
	UnknownInfo(s *Session, msg any)
}

// Receiver is implemented by observer handles that accept events directly.
// BaseBackend forwards observer events to them.
type Receiver interface {
	Deliver(sessionID string, key links.Key, ev Event)
}

// BaseBackend implements every hook with the default behaviour. Backends
// embed it and override what they need.
type BaseBackend struct{}

func (BaseBackend) Init(*Session) error { return nil }

func (BaseBackend) Start(context.Context, *Session) (Result, error) { return Result{}, nil }

func (BaseBackend) Answer(context.Context, *Session, Payload) (Result, error) {
	return Result{}, nil
}

func (BaseBackend) Update(_ context.Context, _ *Session, op string, _ map[string]any) (Result, error) {
	return Result{}, withMsg(ErrUnknownOperation, "%s", op)
}

func (BaseBackend) Stop(*Session, error) {}

func (BaseBackend) Event(*Session, Event) {}

func (BaseBackend) ObserverEvent(s *Session, e links.Entry[any], ev Event) {
	if r, ok := e.Handle.(Receiver); ok {
		r.Deliver(s.ID, e.Key, ev)
	}
}

// HandleDown stops the session when a peer is lost and ignores observers.
func (BaseBackend) HandleDown(_ *Session, key links.Key, reason error) Decision {
	if !key.IsPeer() {
		return Continue
	}
	if reason == nil {
		reason = ErrPeerStopped
	}
	return StopWith(reason)
}

func (BaseBackend) Terminate(*Session, error) {}

func (BaseBackend) UnknownCall(*Session, any) (any, error) { return nil, ErrUnknownOperation }

func (BaseBackend) UnknownCast(*Session, any) {}

func (BaseBackend) UnknownInfo(*Session, any) {}

// Service is a configured tenant: which backend serves its sessions and how
// its errors are presented.
type Service struct {
	ID string
	// NewBackend is called once per session at start time.
	NewBackend func(sessionType string) (Backend, error)
	// ResolveError normalizes stop reasons; nil means DefaultResolveError.
	ResolveError ErrorResolver
}

func (s *Service) resolve(reason error) (int, string) {
	if s.ResolveError != nil {
		return s.ResolveError(reason)
	}
	return DefaultResolveError(reason)
}
