// Package policy decides what websocket observers may do to a session and
// scrubs credentials from events that leave the process.
package policy

import (
	"strings"

	"github.com/ent0n29/mediacore/internal/protocol"
)

type ClientDecision struct {
	Allowed bool
	Reason  string
}

// ClientPolicy limits the control frames accepted from observers.
type ClientPolicy struct {
	AllowStop   bool
	AllowUpdate bool
	// BlockedOps lists update operations observers may never run.
	BlockedOps []string
}

func DefaultClientPolicy() ClientPolicy {
	return ClientPolicy{AllowStop: true, AllowUpdate: true}
}

// ParseOps splits a comma separated operation list.
func ParseOps(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if op := strings.ToLower(strings.TrimSpace(part)); op != "" {
			out = append(out, op)
		}
	}
	return out
}

func (p ClientPolicy) Decide(msg any) ClientDecision {
	switch m := msg.(type) {
	case protocol.ClientInfo:
		return ClientDecision{Allowed: true}
	case protocol.ClientStop:
		if !p.AllowStop {
			return ClientDecision{Reason: "observers may not stop sessions"}
		}
		return ClientDecision{Allowed: true}
	case protocol.ClientUpdate:
		if !p.AllowUpdate {
			return ClientDecision{Reason: "observers may not update sessions"}
		}
		op := strings.ToLower(strings.TrimSpace(m.Op))
		for _, blocked := range p.BlockedOps {
			if op == blocked {
				return ClientDecision{Reason: "operation " + op + " is not allowed for observers"}
			}
		}
		return ClientDecision{Allowed: true}
	default:
		return ClientDecision{Reason: "unsupported message"}
	}
}
