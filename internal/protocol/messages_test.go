package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageInfo(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_info","text":"on-hold"}`), "s1")
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	info, ok := msg.(ClientInfo)
	if !ok {
		t.Fatalf("message type = %T, want ClientInfo", msg)
	}
	if info.SessionID != "s1" || info.Text != "on-hold" {
		t.Fatalf("unexpected client info: %+v", info)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`), "s1")
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageStop(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_stop","session_id":"s1","reason":"user_hangup"}`), "s1")
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	stop, ok := msg.(ClientStop)
	if !ok {
		t.Fatalf("message type = %T, want ClientStop", msg)
	}
	if stop.Reason != "user_hangup" {
		t.Fatalf("Reason = %q, want %q", stop.Reason, "user_hangup")
	}
}

func TestParseClientMessageUpdate(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_update","op":"media","options":{"mute_audio":true}}`), "s1")
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	up, ok := msg.(ClientUpdate)
	if !ok {
		t.Fatalf("message type = %T, want ClientUpdate", msg)
	}
	if up.Op != "media" || up.Options["mute_audio"] != true {
		t.Fatalf("unexpected client update: %+v", up)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	cases := []string{
		`{"type":"client_info"}`,
		`{"type":"client_update","options":{}}`,
		`{"type":"client_stop","session_id":"other"}`,
		`not json`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw), "s1"); err == nil {
			t.Fatalf("ParseClientMessage(%s) should fail", raw)
		}
	}
}
