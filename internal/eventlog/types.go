// Package eventlog archives session events published on the event bus so
// they can be queried after the session is gone.
package eventlog

import (
	"context"
	"time"

	"github.com/ent0n29/mediacore/internal/eventbus"
)

// Record is one archived bus message.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Class     string         `json:"class"`
	Subclass  string         `json:"subclass"`
	Type      string         `json:"type"`
	Body      map[string]any `json:"body,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists and retrieves archived events.
type Store interface {
	Append(ctx context.Context, record Record) error
	// BySession returns the newest limit records of a session in the order
	// they were published.
	BySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

func FromMessage(msg eventbus.Message) Record {
	return Record{
		ID:        msg.ID,
		SessionID: msg.ObjectID,
		Class:     msg.Class,
		Subclass:  msg.Subclass,
		Type:      msg.Type,
		Body:      msg.Body,
		CreatedAt: msg.Time,
	}
}
