package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/session"
)

const secretSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/SAVP 0\r\n" +
	"a=ice-ufrag:F7gI\r\n" +
	"a=ice-pwd:x9cml/YzichV2+XlhiMu8g\r\n" +
	"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:PS1uQCVeeCFCanVmcjkpPywjNWhcYD0mXXtxaVBR|2^20|1:32\r\n"

func TestRedactSDP(t *testing.T) {
	out, changed := RedactSDP(secretSDP)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, secret := range []string{"F7gI", "x9cml", "PS1uQCVee"} {
		if strings.Contains(out, secret) {
			t.Fatalf("output still contains %q: %q", secret, out)
		}
	}
	if !strings.Contains(out, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:[REDACTED]\r\n") {
		t.Fatalf("crypto line lost its suite: %q", out)
	}
	if !strings.Contains(out, "m=audio 49170 RTP/SAVP 0\r\n") {
		t.Fatalf("media line changed: %q", out)
	}

	if _, changed := RedactSDP("v=0\r\n"); changed {
		t.Fatalf("changed = true for clean sdp")
	}
}

type capture struct{ msgs []eventbus.Message }

func (c *capture) Publish(_ context.Context, msg eventbus.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestRedactingPublisherCopiesBody(t *testing.T) {
	answer := session.Payload{"sdp": secretSDP, "type": "answer"}
	body := map[string]any{"answer": answer, "note": "a=ice-pwd:kept outside sdp"}
	next := &capture{}

	err := Redacting{Next: next}.Publish(context.Background(), eventbus.Message{Type: "answer", Body: body})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(next.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(next.msgs))
	}
	got := next.msgs[0].Body["answer"].(session.Payload)
	if strings.Contains(got.SDP(), "x9cml") || got["type"] != "answer" {
		t.Fatalf("redacted answer = %+v", got)
	}
	if next.msgs[0].Body["note"] != body["note"] {
		t.Fatalf("non-sdp field changed: %v", next.msgs[0].Body["note"])
	}
	if answer.SDP() != secretSDP {
		t.Fatalf("input payload was modified")
	}
}
