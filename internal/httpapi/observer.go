package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/links"
	"github.com/ent0n29/mediacore/internal/protocol"
	"github.com/ent0n29/mediacore/internal/session"
)

// wsObserver is the session-side handle of one websocket connection. The
// session delivers events on its own goroutine, so Deliver never blocks.
type wsObserver struct {
	*links.Process
	sessionID string
	out       chan any
	dropped   atomic.Int64
}

func newWSObserver(sessionID string) *wsObserver {
	return &wsObserver{
		Process:   links.NewProcess(""),
		sessionID: sessionID,
		out:       make(chan any, 256),
	}
}

func (o *wsObserver) Deliver(sessionID string, key links.Key, ev session.Event) {
	o.push(protocol.SessionEvent{
		Type:      protocol.TypeSessionEvent,
		SessionID: sessionID,
		Observer:  key.String(),
		Event:     string(ev.Kind),
		Body:      ev.Body,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (o *wsObserver) push(msg any) {
	select {
	case o.out <- msg:
	default:
		o.dropped.Add(1)
	}
}

func (o *wsObserver) pushError(code string, err error) {
	o.push(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.sessionID,
		Code:      code,
		Detail:    err.Error(),
	})
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.sessions.Lookup(id)
	if err != nil {
		respondSessionError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	obs := newWSObserver(id)
	// Terminating the handle removes it from the session's registry.
	defer obs.Exit(nil)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := s.sessions.RegisterObserver(ctx, id, obs); err != nil {
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: id,
			Code:      session.CodeOf(err),
			Detail:    err.Error(),
		})
		return
	}
	if s.metrics != nil {
		s.metrics.ObserverConns.Inc()
		defer s.metrics.ObserverConns.Dec()
	}
	obs.push(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: id,
		Code:      "observer_registered",
		Detail:    obs.ID(),
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		write := func(msg any) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			return conn.WriteJSON(msg) == nil
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-obs.out:
				if !write(msg) {
					cancel()
					return
				}
			case <-a.Done():
				// The terminal event was queued before the session finished.
			drain:
				for {
					select {
					case msg := <-obs.out:
						if !write(msg) {
							cancel()
							return
						}
					default:
						break drain
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, session.CodeOf(a.Err())),
					time.Now().Add(time.Second))
				cancel()
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data, id)
		if err != nil {
			obs.pushError("invalid_client_message", err)
			continue
		}
		s.handleClientMessage(ctx, a, obs, parsed)
	}

	cancel()
	<-writerDone
	if n := obs.dropped.Load(); n > 0 {
		log.Warn().Str("module", "httpapi").Str("session_id", id).Str("observer", obs.ID()).Int64("dropped", n).Msg("observer fell behind")
	}
}

func (s *Server) handleClientMessage(ctx context.Context, a *session.Actor, obs *wsObserver, msg any) {
	if d := s.clients.Decide(msg); !d.Allowed {
		err := errors.New(d.Reason)
		s.observe("client", err)
		obs.pushError("not_allowed", err)
		return
	}
	switch m := msg.(type) {
	case protocol.ClientInfo:
		err := s.sessions.Info(ctx, m.SessionID, m.Text)
		s.observe("info", err)
		if err != nil {
			obs.pushError(session.CodeOf(err), err)
		}
	case protocol.ClientStop:
		var reason error
		if m.Reason != "" {
			reason = session.Reason(m.Reason, "stopped by observer")
		}
		a.StopAsync(reason)
		s.observe("stop", nil)
	case protocol.ClientUpdate:
		_, err := s.sessions.Update(ctx, m.SessionID, m.Op, m.Options)
		s.observe("update", err)
		if err != nil {
			obs.pushError(session.CodeOf(err), err)
			return
		}
		obs.push(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: m.SessionID,
			Code:      "update_applied",
			Detail:    m.Op,
		})
	}
}
