// Package eventbus carries session lifecycle events to external listeners.
//
// Every message is addressed by (class, subclass, type, obj_id). Publishers
// are composable: an in-process Local bus for subscribers living in the same
// binary, an MQTT publisher for the outside world, and Multi to fan out to
// several of them.
package eventbus

import (
	"context"
	"errors"
	"time"
)

// Message is one event on the bus.
type Message struct {
	ID       string         `json:"id"`
	Class    string         `json:"class"`
	Subclass string         `json:"subclass"`
	Type     string         `json:"type"`
	ObjectID string         `json:"obj_id"`
	Body     map[string]any `json:"body,omitempty"`
	Time     time.Time      `json:"time"`
}

// Publisher accepts messages for delivery.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Filter selects messages. Empty fields match anything.
type Filter struct {
	Class    string
	Subclass string
	Type     string
	ObjectID string
}

func (f Filter) Match(m Message) bool {
	if f.Class != "" && f.Class != m.Class {
		return false
	}
	if f.Subclass != "" && f.Subclass != m.Subclass {
		return false
	}
	if f.Type != "" && f.Type != m.Type {
		return false
	}
	if f.ObjectID != "" && f.ObjectID != m.ObjectID {
		return false
	}
	return true
}

// Multi publishes to every non-nil publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(context.Context, Message) error { return nil }
