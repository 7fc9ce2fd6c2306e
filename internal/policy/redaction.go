package policy

import (
	"context"
	"regexp"

	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/session"
)

var (
	icePwdPattern   = regexp.MustCompile(`(?m)^a=ice-pwd:[^\r\n]+`)
	iceUfragPattern = regexp.MustCompile(`(?m)^a=ice-ufrag:[^\r\n]+`)
	cryptoPattern   = regexp.MustCompile(`(?m)^(a=crypto:\d+ \S+ )inline:[^\r\n]+`)
)

// RedactSDP masks ICE credentials and SDES keys in a session description.
func RedactSDP(input string) (redacted string, changed bool) {
	out := input

	next := icePwdPattern.ReplaceAllString(out, "a=ice-pwd:[REDACTED]")
	changed = changed || next != out
	out = next

	next = iceUfragPattern.ReplaceAllString(out, "a=ice-ufrag:[REDACTED]")
	changed = changed || next != out
	out = next

	// Keep the tag and crypto suite so the line still says what was negotiated.
	next = cryptoPattern.ReplaceAllString(out, "${1}inline:[REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactBody returns a copy of an event body with every sdp string redacted.
// The input is never modified.
func RedactBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v any) any {
	switch t := v.(type) {
	case string:
		if key == session.MediaField {
			red, _ := RedactSDP(t)
			return red
		}
		return t
	case session.Payload:
		return session.Payload(RedactBody(t))
	case map[string]any:
		return RedactBody(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue("", e)
		}
		return out
	default:
		return v
	}
}

// Redacting publishes redacted copies of every message to Next. It wraps
// publishers whose messages leave the process.
type Redacting struct {
	Next eventbus.Publisher
}

func (r Redacting) Publish(ctx context.Context, msg eventbus.Message) error {
	msg.Body = RedactBody(msg.Body)
	return r.Next.Publish(ctx, msg)
}
