// Package protocol defines the JSON messages exchanged with websocket
// observers of a session.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientInfo   MessageType = "client_info"
	TypeClientStop   MessageType = "client_stop"
	TypeClientUpdate MessageType = "client_update"
	TypeSessionEvent MessageType = "session_event"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientInfo asks the session to emit an info event.
type ClientInfo struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientStop stops the session. Reason becomes the stop code.
type ClientStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// ClientUpdate runs a backend operation on the session.
type ClientUpdate struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Op        string         `json:"op"`
	Options   map[string]any `json:"options,omitempty"`
}

// SessionEvent carries one lifecycle event to an observer.
type SessionEvent struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Observer  string         `json:"observer"`
	Event     string         `json:"event"`
	Body      map[string]any `json:"body,omitempty"`
	TSMs      int64          `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes a client frame. sessionID is the session the
// socket observes; frames naming another session are rejected.
func ParseClientMessage(raw []byte, sessionID string) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientInfo:
		var msg ClientInfo
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_info")
		}
		if err := checkSession(&msg.SessionID, sessionID); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientStop:
		var msg ClientStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := checkSession(&msg.SessionID, sessionID); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientUpdate:
		var msg ClientUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Op == "" {
			return nil, errors.New("invalid client_update")
		}
		if err := checkSession(&msg.SessionID, sessionID); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

func checkSession(got *string, want string) error {
	if *got == "" {
		*got = want
		return nil
	}
	if *got != want {
		return fmt.Errorf("message for session %s on socket of %s", *got, want)
	}
	return nil
}
