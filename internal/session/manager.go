package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/links"
)

const (
	DefaultWaitTimeout  = 60 * time.Second
	DefaultReadyTimeout = 24 * time.Hour
	DefaultCallTimeout  = 5 * time.Second
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	WaitTimeout  time.Duration
	ReadyTimeout time.Duration
	CallTimeout  time.Duration
	Bus          eventbus.Publisher
}

// Manager is the process-wide entry point: it owns the configured services
// and the id -> actor registry. It holds no session state itself, so
// operations on different sessions never contend beyond the map lookup.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Actor
	// starting holds ids between the duplicate check and registration.
	starting map[string]struct{}
	services map[string]*Service

	bus          eventbus.Publisher
	waitTimeout  time.Duration
	readyTimeout time.Duration
	callTimeout  time.Duration

	onStart func(string)
	onStop  func(*Session, error)
	onEvent func(string, EventKind)
	onHook  func(service, name string, d time.Duration, err error)
}

func NewManager(opts Options) *Manager {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Discard{}
	}
	return &Manager{
		sessions:     make(map[string]*Actor),
		starting:     make(map[string]struct{}),
		services:     make(map[string]*Service),
		bus:          opts.Bus,
		waitTimeout:  opts.WaitTimeout,
		readyTimeout: opts.ReadyTimeout,
		callTimeout:  opts.CallTimeout,
	}
}

// RegisterService adds or replaces a service.
func (m *Manager) RegisterService(svc *Service) error {
	if svc == nil || svc.ID == "" {
		return errors.New("service id is required")
	}
	if svc.NewBackend == nil {
		return fmt.Errorf("service %s: backend factory is required", svc.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = svc
	return nil
}

// SetStartHook is called with the session id after a successful start.
func (m *Manager) SetStartHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = hook
}

// SetStopHook is called once per session after its stop sequence ran.
func (m *Manager) SetStopHook(hook func(*Session, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = hook
}

// SetEventHook is called for every event a session emits.
func (m *Manager) SetEventHook(hook func(sessionID string, kind EventKind)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = hook
}

// SetHookTimer receives the duration and outcome of backend hook calls.
func (m *Manager) SetHookTimer(hook func(service, name string, d time.Duration, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHook = hook
}

// Start creates a session and waits for the backend start hook. On failure
// the session has already stopped.
func (m *Manager) Start(ctx context.Context, serviceID, sessionType string, cfg StartConfig) (*Actor, any, error) {
	m.mu.RLock()
	svc, ok := m.services[serviceID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrServiceNotFound
	}
	if sessionType == "" {
		sessionType = DefaultType
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := m.reserve(id); err != nil {
		return nil, nil, err
	}
	defer m.release(id)

	backend, err := svc.NewBackend(sessionType)
	if err != nil {
		return nil, nil, err
	}

	s := &Session{
		ID:        id,
		ServiceID: svc.ID,
		Type:      sessionType,
		TypeExt:   map[string]any{},
		Offer:     cfg.Offer.Clone(),
		StartedAt: time.Now().UTC(),
	}
	if cfg.Ext != nil {
		s.Ext = cloneMap(cfg.Ext)
	}
	if err := backend.Init(s); err != nil {
		return nil, nil, fmt.Errorf("backend init: %w", err)
	}

	wait, ready := cfg.WaitTimeout, cfg.ReadyTimeout
	if wait <= 0 {
		wait = m.waitTimeout
	}
	if ready <= 0 {
		ready = m.readyTimeout
	}
	a := newActor(m, svc, backend, s, wait, ready)

	m.mu.Lock()
	m.sessions[id] = a
	delete(m.starting, id)
	m.mu.Unlock()

	a.restartTimer(wait)
	go a.run()

	ctx, cancel := m.callContext(ctx)
	defer cancel()
	reply, err := a.call(ctx, func() (any, error) { return a.start(cfg.Observer) })
	if err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	hook := m.onStart
	m.mu.RUnlock()
	if hook != nil {
		hook(id)
	}
	return a, reply, nil
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return ErrDuplicatedID
	}
	if _, ok := m.starting[id]; ok {
		return ErrDuplicatedID
	}
	m.starting[id] = struct{}{}
	return nil
}

// release drops a reservation that never turned into a session.
func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.starting, id)
	m.mu.Unlock()
}

// Lookup resolves a session id to its actor.
func (m *Manager) Lookup(id string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return a, nil
}

// List returns every live session ordered by id.
func (m *Manager) List() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.sessions))
	for id, a := range m.sessions {
		out = append(out, Entry{ID: id, Actor: a})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) Stop(ctx context.Context, id string, reason error) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Stop(ctx, reason)
}

// StopAll stops every live session and waits for them to terminate.
func (m *Manager) StopAll(ctx context.Context, reason error) {
	entries := m.List()
	for _, e := range entries {
		e.Actor.StopAsync(reason)
	}
	for _, e := range entries {
		select {
		case <-e.Actor.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) SetAnswer(ctx context.Context, id string, answer Payload) (any, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.SetAnswer(ctx, answer)
}

func (m *Manager) SetAnswerAsync(id string, answer Payload) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	return a.SetAnswerAsync(answer)
}

func (m *Manager) Update(ctx context.Context, id, op string, opts map[string]any) (any, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Update(ctx, op, opts)
}

func (m *Manager) UpdateAsync(id, op string, opts map[string]any) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	return a.UpdateAsync(op, opts)
}

func (m *Manager) Info(ctx context.Context, id, text string) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Info(ctx, text)
}

func (m *Manager) RegisterObserver(ctx context.Context, id string, h links.Handle) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.RegisterObserver(ctx, h)
}

func (m *Manager) UnregisterObserver(ctx context.Context, id, observerID string) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.UnregisterObserver(ctx, observerID)
}

// LinkPeer makes otherID the callee of id and returns the callee's handle.
func (m *Manager) LinkPeer(ctx context.Context, id, otherID string) (*Actor, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	peer, err := m.Lookup(otherID)
	if err != nil {
		return nil, ErrPeerSessionNotFound
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	if err := a.LinkPeer(ctx, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

func (m *Manager) UnlinkPeer(ctx context.Context, id string) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.UnlinkPeer(ctx)
}

func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Session(ctx)
}

func (m *Manager) GetOffer(ctx context.Context, id string) (Payload, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Offer(ctx)
}

func (m *Manager) GetAnswer(ctx context.Context, id string) (Payload, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Answer(ctx)
}

func (m *Manager) GetType(ctx context.Context, id string) (TypeInfo, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return TypeInfo{}, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.TypeInfo(ctx)
}

func (m *Manager) Call(ctx context.Context, id string, req any) (any, error) {
	a, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.callContext(ctx)
	defer cancel()
	return a.Call(ctx, req)
}

func (m *Manager) Cast(id string, msg any) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	return a.Cast(msg)
}

func (m *Manager) Send(id string, msg any) error {
	a, err := m.Lookup(id)
	if err != nil {
		return err
	}
	return a.Send(msg)
}

// callContext bounds synchronous calls that carry no deadline of their own.
func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.callTimeout)
}

func (m *Manager) unregister(a *Actor, snapshot *Session, reason error) {
	m.mu.Lock()
	if cur, ok := m.sessions[a.id]; ok && cur == a {
		delete(m.sessions, a.id)
	}
	hook := m.onStop
	m.mu.Unlock()
	if hook != nil {
		hook(snapshot, reason)
	}
}

func (m *Manager) publish(sessionID string, ev Event) {
	m.mu.RLock()
	hook := m.onEvent
	m.mu.RUnlock()
	if hook != nil {
		hook(sessionID, ev.Kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout)
	defer cancel()
	if err := m.bus.Publish(ctx, busMessage(sessionID, ev)); err != nil {
		log.Warn().Str("module", "session").Str("session_id", sessionID).Str("event", string(ev.Kind)).Err(err).Msg("event bus publish failed")
	}
}

func (m *Manager) observeHook(service, name string, d time.Duration, err error) {
	m.mu.RLock()
	hook := m.onHook
	m.mu.RUnlock()
	if hook != nil {
		hook(service, name, d, err)
	}
}
