package session

import (
	"time"

	"github.com/ent0n29/mediacore/internal/links"
)

// DefaultType is used when a start request names no type.
const DefaultType = "p2p"

// Session is the state of one call leg. It is owned by its actor; everything
// handed out of the actor is a copy.
type Session struct {
	ID         string         `json:"session_id"`
	ServiceID  string         `json:"service_id"`
	Type       string         `json:"type"`
	TypeExt    map[string]any `json:"type_ext"`
	Offer      Payload        `json:"offer,omitempty"`
	Answer     Payload        `json:"answer,omitempty"`
	CallerPeer string         `json:"caller_peer,omitempty"`
	CalleePeer string         `json:"callee_peer,omitempty"`
	HasAnswer  bool           `json:"has_answer"`
	StopSent   bool           `json:"stop_sent"`
	Hibernate  bool           `json:"hibernate"`
	StartedAt  time.Time      `json:"started_at"`

	// Ext holds backend-defined fields the core passes through untouched.
	Ext map[string]any `json:"ext,omitempty"`
	// BackendState is the backend's own typed side-table.
	BackendState any `json:"-"`
}

func (s *Session) clone() *Session {
	c := *s
	c.TypeExt = cloneMap(s.TypeExt)
	c.Offer = s.Offer.Clone()
	c.Answer = s.Answer.Clone()
	if s.Ext != nil {
		c.Ext = cloneMap(s.Ext)
	}
	return &c
}

// StartConfig carries the per-session options of a start request.
type StartConfig struct {
	ID           string
	Offer        Payload
	WaitTimeout  time.Duration
	ReadyTimeout time.Duration
	Ext          map[string]any
	// Observer, when set, is registered before the backend start hook runs.
	Observer links.Handle
}

// TypeInfo is the answer to a type query.
type TypeInfo struct {
	Type        string         `json:"type"`
	TypeExt     map[string]any `json:"type_ext"`
	RemainingMS int64          `json:"remaining_ms"`
}

// Entry is one row of the session listing.
type Entry struct {
	ID    string `json:"session_id"`
	Actor *Actor `json:"-"`
}
