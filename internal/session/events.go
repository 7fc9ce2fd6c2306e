package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mediacore/internal/eventbus"
)

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventAnswer      EventKind = "answer"
	EventUpdatedType EventKind = "updated_type"
	EventInfo        EventKind = "info"
	EventStop        EventKind = "stop"
	EventLinkedDown  EventKind = "linked_down"
)

const (
	EventClass    = "media"
	EventSubclass = "session"
)

// Event is what observers, the backend and the bus receive. Body is already
// normalized; Reason keeps the raw stop reason for backend hooks.
type Event struct {
	Kind   EventKind      `json:"type"`
	Body   map[string]any `json:"body"`
	Reason error          `json:"-"`
}

func answerEvent(answer Payload) Event {
	return Event{Kind: EventAnswer, Body: map[string]any{"answer": answer.Clone()}}
}

func updatedTypeEvent(typ string, ext map[string]any) Event {
	body := cloneMap(ext)
	body["type"] = typ
	return Event{Kind: EventUpdatedType, Body: body}
}

func infoEvent(text string) Event {
	return Event{Kind: EventInfo, Body: map[string]any{"info": text}}
}

func stopEvent(svc *Service, reason error) Event {
	code, text := svc.resolve(reason)
	return Event{
		Kind:   EventStop,
		Body:   map[string]any{"code": code, "reason": text},
		Reason: reason,
	}
}

func linkedDownEvent(svc *Service, peerID string, role string, reason error) Event {
	code, text := svc.resolve(reason)
	return Event{
		Kind: EventLinkedDown,
		Body: map[string]any{
			"peer_id": peerID,
			"role":    role,
			"code":    code,
			"reason":  text,
		},
		Reason: reason,
	}
}

// busMessage places an event on the session's stable channel.
func busMessage(sessionID string, ev Event) eventbus.Message {
	return eventbus.Message{
		ID:       uuid.NewString(),
		Class:    EventClass,
		Subclass: EventSubclass,
		Type:     string(ev.Kind),
		ObjectID: sessionID,
		Body:     ev.Body,
		Time:     time.Now().UTC(),
	}
}
