package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/links"
)

// Actor runs one session. All state is touched only by the actor goroutine;
// the exported methods enqueue work and, for synchronous calls, wait for the
// reply. An Actor is also a links.Handle, which is how peers and the
// manager watch it terminate.
type Actor struct {
	id      string
	mgr     *Manager
	svc     *Service
	backend Backend
	mb      *mailbox
	done    chan struct{}
	err     error

	// ctx is handed to backend hooks. It lives as long as the session;
	// callers' contexts only bound how long they wait for a reply.
	ctx    context.Context
	cancel context.CancelFunc

	s            *Session
	links        *links.Registry[any]
	timer        *time.Timer
	timerGen     uint64
	deadline     time.Time
	waitTimeout  time.Duration
	readyTimeout time.Duration
	terminal     bool
	stopped      bool
}

func newActor(m *Manager, svc *Service, b Backend, s *Session, wait, ready time.Duration) *Actor {
	a := &Actor{
		id:           s.ID,
		mgr:          m,
		svc:          svc,
		backend:      b,
		mb:           newMailbox(),
		done:         make(chan struct{}),
		s:            s,
		waitTimeout:  wait,
		readyTimeout: ready,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.links = links.NewRegistry[any](a.linkDown)
	return a
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) Done() <-chan struct{} { return a.done }

// Err returns the stop reason once the actor has terminated.
func (a *Actor) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

func (a *Actor) run() {
	for {
		env, ok := a.mb.pop()
		if !ok {
			break
		}
		a.dispatch(env)
		if a.stopped {
			break
		}
		if a.s.Hibernate {
			a.mb.compact()
			a.s.Hibernate = false
		}
	}
	for _, env := range a.mb.close() {
		if env.reply != nil {
			env.reply <- reply{err: ErrSessionNotFound}
		}
	}
	close(a.done)
}

func (a *Actor) dispatch(env envelope) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := withMsg(ErrInternal, "panic: %v", r)
		log.Error().Str("module", "session").Str("session_id", a.id).Interface("panic", r).Msg("session operation panicked")
		if env.reply != nil {
			select {
			case env.reply <- reply{err: err}:
			default:
			}
		}
		a.stop(err)
	}()
	v, err := env.fn()
	if env.reply != nil {
		env.reply <- reply{v: v, err: err}
	}
}

func (a *Actor) call(ctx context.Context, fn func() (any, error)) (any, error) {
	rc := make(chan reply, 1)
	if !a.mb.push(envelope{fn: fn, reply: rc}) {
		return nil, ErrSessionNotFound
	}
	select {
	case r := <-rc:
		return r.v, r.err
	case <-a.done:
		select {
		case r := <-rc:
			return r.v, r.err
		default:
			return nil, ErrSessionNotFound
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCallTimeout, ctx.Err())
	}
}

func (a *Actor) cast(fn func()) bool {
	return a.mb.push(envelope{fn: func() (any, error) {
		fn()
		return nil, nil
	}})
}

func callAs[T any](ctx context.Context, a *Actor, fn func() (T, error)) (T, error) {
	v, err := a.call(ctx, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// SetAnswer hands an answer to the backend and completes negotiation once
// the merged answer carries a media description.
func (a *Actor) SetAnswer(ctx context.Context, answer Payload) (any, error) {
	return a.call(ctx, func() (any, error) { return a.setAnswer(answer) })
}

func (a *Actor) SetAnswerAsync(answer Payload) error {
	ok := a.cast(func() {
		if _, err := a.setAnswer(answer); err != nil {
			log.Debug().Str("module", "session").Str("session_id", a.id).Err(err).Msg("async set answer failed")
		}
	})
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Update runs a backend-defined operation on an answered session.
func (a *Actor) Update(ctx context.Context, op string, opts map[string]any) (any, error) {
	return a.call(ctx, func() (any, error) { return a.update(op, opts) })
}

func (a *Actor) UpdateAsync(op string, opts map[string]any) error {
	ok := a.cast(func() {
		if _, err := a.update(op, opts); err != nil {
			log.Debug().Str("module", "session").Str("session_id", a.id).Str("op", op).Err(err).Msg("async update failed")
		}
	})
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

func (a *Actor) Info(ctx context.Context, text string) error {
	_, err := a.call(ctx, func() (any, error) {
		a.emit(infoEvent(text))
		return nil, nil
	})
	return err
}

// Stop runs the stop sequence. Stopping a terminated actor is a no-op.
func (a *Actor) Stop(ctx context.Context, reason error) error {
	_, err := a.call(ctx, func() (any, error) {
		a.stop(reason)
		return nil, nil
	})
	if err != nil && CodeOf(err) == ErrSessionNotFound.Code {
		return nil
	}
	return err
}

func (a *Actor) StopAsync(reason error) {
	a.cast(func() { a.stop(reason) })
}

func (a *Actor) RegisterObserver(ctx context.Context, h links.Handle) error {
	if h == nil {
		return Validation("invalid_observer", "nil observer handle")
	}
	_, err := a.call(ctx, func() (any, error) {
		a.addObserver(h)
		return nil, nil
	})
	return err
}

func (a *Actor) UnregisterObserver(ctx context.Context, observerID string) error {
	_, err := a.call(ctx, func() (any, error) {
		a.links.Remove(links.ObserverKey(observerID))
		return nil, nil
	})
	return err
}

// LinkPeer makes peer this session's callee. The peer's caller record is
// queued on its mailbox before the call returns, so any later request to the
// peer sees it.
func (a *Actor) LinkPeer(ctx context.Context, peer *Actor) error {
	if peer == nil {
		return ErrPeerSessionNotFound
	}
	_, err := a.call(ctx, func() (any, error) { return nil, a.linkPeer(peer) })
	return err
}

// UnlinkPeer drops both peer relations on both sides.
func (a *Actor) UnlinkPeer(ctx context.Context) error {
	_, err := a.call(ctx, func() (any, error) {
		a.dropPeer(links.RoleCaller)
		a.dropPeer(links.RoleCallee)
		return nil, nil
	})
	return err
}

func (a *Actor) Session(ctx context.Context) (*Session, error) {
	return callAs(ctx, a, func() (*Session, error) { return a.s.clone(), nil })
}

func (a *Actor) Offer(ctx context.Context) (Payload, error) {
	return callAs(ctx, a, func() (Payload, error) { return a.s.Offer.Clone(), nil })
}

func (a *Actor) Answer(ctx context.Context) (Payload, error) {
	return callAs(ctx, a, func() (Payload, error) {
		if len(a.s.Answer) == 0 {
			return nil, ErrAnswerNotSet
		}
		return a.s.Answer.Clone(), nil
	})
}

func (a *Actor) TypeInfo(ctx context.Context) (TypeInfo, error) {
	return callAs(ctx, a, func() (TypeInfo, error) {
		return TypeInfo{
			Type:        a.s.Type,
			TypeExt:     cloneMap(a.s.TypeExt),
			RemainingMS: a.remaining(),
		}, nil
	})
}

// Call forwards a request the core does not interpret to the backend.
func (a *Actor) Call(ctx context.Context, req any) (any, error) {
	return a.call(ctx, func() (any, error) { return a.backend.UnknownCall(a.s, req) })
}

func (a *Actor) Cast(msg any) error {
	if !a.cast(func() { a.backend.UnknownCast(a.s, msg) }) {
		return ErrSessionNotFound
	}
	return nil
}

// Send delivers a raw message to the backend's info hook.
func (a *Actor) Send(msg any) error {
	if !a.cast(func() { a.backend.UnknownInfo(a.s, msg) }) {
		return ErrSessionNotFound
	}
	return nil
}

func (a *Actor) start(observer links.Handle) (any, error) {
	if observer != nil {
		a.addObserver(observer)
	}
	var (
		res Result
		err error
	)
	a.timed("start", func() error {
		res, err = a.backend.Start(a.ctx, a.s)
		return err
	})
	if err != nil {
		a.stop(err)
		return nil, err
	}
	a.apply(res)
	if !a.s.Offer.HasMedia() {
		a.stop(ErrMissingOffer)
		return nil, ErrMissingOffer
	}
	if a.s.HasAnswer {
		a.restartTimer(a.readyTimeout)
	} else {
		a.restartTimer(a.waitTimeout)
	}
	log.Info().Str("module", "session").Str("session_id", a.id).Str("service", a.s.ServiceID).Str("type", a.s.Type).Msg("session started")
	return res.Reply, nil
}

func (a *Actor) setAnswer(answer Payload) (any, error) {
	if a.s.HasAnswer {
		return nil, ErrAnswerAlreadySet
	}
	var (
		res Result
		err error
	)
	a.timed("answer", func() error {
		res, err = a.backend.Answer(a.ctx, a.s, answer.Clone())
		return err
	})
	if err != nil {
		return nil, a.hookFailed(err)
	}
	res.Answer = mergePayload(answer, res.Answer)
	if !mergePayload(a.s.Answer, res.Answer).HasMedia() {
		return nil, ErrInvalidAnswer
	}
	a.apply(res)
	return res.Reply, nil
}

func (a *Actor) update(op string, opts map[string]any) (any, error) {
	if !a.s.HasAnswer {
		return nil, ErrAnswerNotSet
	}
	var (
		res Result
		err error
	)
	a.timed("update", func() error {
		res, err = a.backend.Update(a.ctx, a.s, op, opts)
		return err
	})
	if err != nil {
		return nil, a.hookFailed(err)
	}
	a.apply(res)
	a.restartTimer(a.readyTimeout)
	return res.Reply, nil
}

func (a *Actor) hookFailed(err error) error {
	if !IsValidation(err) {
		a.stop(err)
	}
	return err
}

// apply merges a backend result into the session: observer first, then
// offer/answer fragments, then type and type extension.
func (a *Actor) apply(res Result) {
	if res.Observer != nil {
		a.addObserver(res.Observer)
	}
	if res.Offer != nil {
		a.s.Offer = mergePayload(a.s.Offer, res.Offer)
	}
	if res.Answer != nil {
		a.s.Answer = mergePayload(a.s.Answer, res.Answer)
		if !a.s.HasAnswer && a.s.Answer.HasMedia() {
			a.s.HasAnswer = true
			a.emit(answerEvent(a.s.Answer))
			a.restartTimer(a.readyTimeout)
		}
	}

	typ := a.s.Type
	if res.Type != "" {
		typ = res.Type
	}
	var ext map[string]any
	if typ == a.s.Type {
		ext = mergeMap(a.s.TypeExt, res.TypeExt)
	} else {
		ext = cloneMap(res.TypeExt)
	}
	if typ != a.s.Type || !sameMap(ext, a.s.TypeExt) {
		a.s.Type = typ
		a.s.TypeExt = ext
		a.emit(updatedTypeEvent(typ, ext))
	}
	if res.Hibernate {
		a.s.Hibernate = true
	}
}

func (a *Actor) addObserver(h links.Handle) {
	a.links.Add(links.ObserverKey(h.ID()), nil, h)
}

func (a *Actor) linkPeer(peer *Actor) error {
	if peer == a {
		return ErrInvalidPeer
	}
	if old := a.s.CalleePeer; old != "" && old != peer.id {
		a.dropPeer(links.RoleCallee)
	}
	a.links.Add(links.CalleeKey(peer.id), peer.id, peer)
	a.s.CalleePeer = peer.id
	if !peer.cast(func() { peer.linkedBy(a) }) {
		a.links.Remove(links.CalleeKey(peer.id))
		a.s.CalleePeer = ""
		return ErrPeerSessionNotFound
	}
	return nil
}

// linkedBy runs on the callee side of a new link.
func (a *Actor) linkedBy(caller *Actor) {
	if old := a.s.CallerPeer; old != "" && old != caller.id {
		a.dropPeer(links.RoleCaller)
	}
	a.links.Add(links.CallerKey(caller.id), caller.id, caller)
	a.s.CallerPeer = caller.id
}

// dropPeer removes the local half of a relation and asks the peer to remove
// the other half.
func (a *Actor) dropPeer(role links.Role) {
	var (
		id       string
		key      links.Key
		opposite links.Role
	)
	switch role {
	case links.RoleCaller:
		id, key, opposite = a.s.CallerPeer, links.CallerKey(a.s.CallerPeer), links.RoleCallee
		a.s.CallerPeer = ""
	case links.RoleCallee:
		id, key, opposite = a.s.CalleePeer, links.CalleeKey(a.s.CalleePeer), links.RoleCaller
		a.s.CalleePeer = ""
	default:
		return
	}
	if id == "" {
		return
	}
	e, ok := a.links.Remove(key)
	if !ok {
		return
	}
	if peer, ok := e.Handle.(*Actor); ok {
		self := a.id
		peer.cast(func() { peer.unlinkedBy(opposite, self) })
	}
}

func (a *Actor) unlinkedBy(role links.Role, peerID string) {
	switch role {
	case links.RoleCaller:
		if a.s.CallerPeer == peerID {
			a.s.CallerPeer = ""
			a.links.Remove(links.CallerKey(peerID))
		}
	case links.RoleCallee:
		if a.s.CalleePeer == peerID {
			a.s.CalleePeer = ""
			a.links.Remove(links.CalleeKey(peerID))
		}
	}
}

// linkDown is called from a registry monitor goroutine.
func (a *Actor) linkDown(h links.Handle) {
	a.cast(func() { a.handleDown(h) })
}

func (a *Actor) handleDown(h links.Handle) {
	reason := h.Err()
	for _, e := range a.links.HandleDown(h) {
		if e.Key.IsPeer() {
			if e.Key.Role == links.RoleCaller && a.s.CallerPeer == e.Key.ID {
				a.s.CallerPeer = ""
			}
			if e.Key.Role == links.RoleCallee && a.s.CalleePeer == e.Key.ID {
				a.s.CalleePeer = ""
			}
			a.emit(linkedDownEvent(a.svc, e.Key.ID, string(e.Key.Role), reason))
		}
		d := a.backend.HandleDown(a.s, e.Key, reason)
		if !d.Stop {
			continue
		}
		if d.Reason != nil {
			reason = d.Reason
		}
		a.stop(reason)
		return
	}
}

func (a *Actor) emit(ev Event) {
	if a.terminal {
		return
	}
	if ev.Kind == EventStop {
		a.terminal = true
	}
	observers := links.Fold(a.links, 0, func(e links.Entry[any], n int) int {
		if e.Key.Role != links.RoleObserver {
			return n
		}
		a.backend.ObserverEvent(a.s, e, ev)
		return n + 1
	})
	log.Debug().Str("module", "session").Str("session_id", a.id).Str("event", string(ev.Kind)).Int("observers", observers).Msg("session event")
	a.backend.Event(a.s, ev)
	a.mgr.publish(a.id, ev)
}

// stop runs at most once. The terminal event reaches observers, the backend
// and the bus before the actor releases anything.
func (a *Actor) stop(reason error) {
	if a.s.StopSent {
		return
	}
	a.s.StopSent = true
	if reason == nil {
		reason = ErrNormalTermination
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++

	a.safe("stop", func() {
		a.timed("stop", func() error {
			a.backend.Stop(a.s, reason)
			return nil
		})
	})
	a.safe("stop_event", func() { a.emit(stopEvent(a.svc, reason)) })
	a.links.Close()
	a.err = reason
	a.stopped = true
	a.mgr.unregister(a, a.s.clone(), reason)
	a.safe("terminate", func() { a.backend.Terminate(a.s, reason) })
	a.cancel()

	log.Info().Str("module", "session").Str("session_id", a.id).Str("reason", CodeOf(reason)).Msg("session stopped")
}

func (a *Actor) safe(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "session").Str("session_id", a.id).Str("hook", hook).Interface("panic", r).Msg("backend hook panicked while stopping")
		}
	}()
	fn()
}

func (a *Actor) timed(hook string, fn func() error) {
	start := time.Now()
	err := fn()
	a.mgr.observeHook(a.svc.ID, hook, time.Since(start), err)
}

// restartTimer replaces the single outstanding timeout.
func (a *Actor) restartTimer(d time.Duration) {
	if a.s.StopSent {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.deadline = time.Now().Add(d)
	a.timer = time.AfterFunc(d, func() {
		a.cast(func() {
			if gen == a.timerGen {
				a.stop(ErrSessionTimeout)
			}
		})
	})
}

func (a *Actor) remaining() int64 {
	ms := time.Until(a.deadline).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
