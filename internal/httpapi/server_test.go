package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/mediacore/internal/backend/p2p"
	"github.com/ent0n29/mediacore/internal/config"
	"github.com/ent0n29/mediacore/internal/eventlog"
	"github.com/ent0n29/mediacore/internal/observability"
	"github.com/ent0n29/mediacore/internal/session"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	return newTestServerWith(t, nil)
}

func newTestServerWith(t *testing.T, tweak func(*config.Config)) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		DefaultService:      "default",
		SessionCallTimeout:  time.Second,
		ObserverAllowStop:   true,
		ObserverAllowUpdate: true,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	store := eventlog.NewInMemoryStore(0)
	mgr := session.NewManager(session.Options{CallTimeout: time.Second, Bus: eventlog.NewRecorder(store)})
	if err := mgr.RegisterService(p2p.NewService("default", mgr)); err != nil {
		t.Fatalf("RegisterService() error = %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	mgr.SetHookTimer(metrics.ObserveHook)

	ts := httptest.NewServer(New(cfg, mgr, store, metrics).Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.StopAll(ctx, nil)
		ts.Close()
	})
	return ts, mgr
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func startSession(t *testing.T, baseURL string, id string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, baseURL+"/v1/sessions", map[string]any{
		"id":    id,
		"offer": map[string]any{"sdp": testSDP},
	})
	if status != http.StatusCreated {
		t.Fatalf("start status = %d, want %d (%+v)", status, http.StatusCreated, body)
	}
	sid, _ := body["session_id"].(string)
	if sid == "" {
		t.Fatalf("missing session_id in start response: %+v", body)
	}
	return sid
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts.URL, "")
	base := ts.URL + "/v1/sessions/" + id

	status, body := doJSON(t, http.MethodGet, base, nil)
	if status != http.StatusOK || body["type"] != "p2p" || body["has_answer"] != false {
		t.Fatalf("GET session = %d %+v", status, body)
	}
	if status, body = doJSON(t, http.MethodGet, base+"/answer", nil); status != http.StatusConflict || body["code"] != "answer_not_set" {
		t.Fatalf("GET answer = %d %+v, want 409 answer_not_set", status, body)
	}

	if status, body = doJSON(t, http.MethodPost, base+"/answer", map[string]any{"sdp": testSDP}); status != http.StatusOK {
		t.Fatalf("POST answer = %d %+v", status, body)
	}
	if status, body = doJSON(t, http.MethodPost, base+"/answer", map[string]any{"sdp": testSDP}); status != http.StatusConflict || body["code"] != "answer_already_set" {
		t.Fatalf("second POST answer = %d %+v, want 409 answer_already_set", status, body)
	}

	status, body = doJSON(t, http.MethodPost, base+"/update", map[string]any{"op": "media", "options": map[string]any{"mute_audio": true}})
	if status != http.StatusOK {
		t.Fatalf("POST update = %d %+v", status, body)
	}
	status, body = doJSON(t, http.MethodGet, base+"/type", nil)
	ext, _ := body["type_ext"].(map[string]any)
	if status != http.StatusOK || ext["mute_audio"] != true {
		t.Fatalf("GET type = %d %+v", status, body)
	}
	if ms, _ := body["remaining_ms"].(float64); ms <= 0 {
		t.Fatalf("remaining_ms = %v, want positive", body["remaining_ms"])
	}

	if status, _ = doJSON(t, http.MethodPost, base+"/info", map[string]any{"info": "on-hold"}); status != http.StatusOK {
		t.Fatalf("POST info = %d", status)
	}
	if status, _ = doJSON(t, http.MethodPost, base+"/stop", map[string]any{"reason": "user_hangup", "message": "bye"}); status != http.StatusOK {
		t.Fatalf("POST stop = %d", status)
	}
	if status, body = doJSON(t, http.MethodGet, base, nil); status != http.StatusNotFound || body["code"] != "session_not_found" {
		t.Fatalf("GET stopped session = %d %+v, want 404", status, body)
	}

	status, body = doJSON(t, http.MethodGet, base+"/events", nil)
	if status != http.StatusOK {
		t.Fatalf("GET events = %d", status)
	}
	events, _ := body["events"].([]any)
	var kinds []string
	for _, e := range events {
		rec, _ := e.(map[string]any)
		kinds = append(kinds, rec["type"].(string))
	}
	if got := strings.Join(kinds, ","); got != "updated_type,answer,updated_type,info,stop" {
		t.Fatalf("archived events = %s", got)
	}
	last, _ := events[len(events)-1].(map[string]any)
	if b, _ := last["body"].(map[string]any); b["reason"] != "bye" {
		t.Fatalf("stop body = %+v, want reason bye", last["body"])
	}
}

func TestErrorStatuses(t *testing.T) {
	ts, _ := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]any{"service": "nope", "offer": map[string]any{"sdp": testSDP}})
	if status != http.StatusNotFound || body["code"] != "service_not_found" {
		t.Fatalf("start unknown service = %d %+v", status, body)
	}
	status, body = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]any{"type": "mcu", "offer": map[string]any{"sdp": testSDP}})
	if status != http.StatusConflict || body["code"] != "unknown_session_type" {
		t.Fatalf("start unknown type = %d %+v", status, body)
	}
	status, body = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", map[string]any{})
	if status != http.StatusConflict || body["code"] != "missing_offer" {
		t.Fatalf("start without offer = %d %+v", status, body)
	}
	id := startSession(t, ts.URL, "")
	status, body = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/update", map[string]any{"op": "media"})
	if status != http.StatusConflict || body["code"] != "answer_not_set" {
		t.Fatalf("update before answer = %d %+v", status, body)
	}
	status, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/update", map[string]any{})
	if status != http.StatusBadRequest {
		t.Fatalf("update without op = %d, want 400", status)
	}
	status, body = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/link", map[string]any{"peer_id": "ghost"})
	if status != http.StatusNotFound || body["code"] != "peer_session_not_found" {
		t.Fatalf("link to missing peer = %d %+v", status, body)
	}
}

func TestLinkUnlinkAndList(t *testing.T) {
	ts, mgr := newTestServer(t)
	a := startSession(t, ts.URL, "leg-a")
	b := startSession(t, ts.URL, "leg-b")

	status, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+a+"/link", map[string]any{"peer_id": b})
	if status != http.StatusOK || body["peer_id"] != b {
		t.Fatalf("link = %d %+v", status, body)
	}
	snap, err := mgr.GetSession(context.Background(), b)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if snap.CallerPeer != a {
		t.Fatalf("callee CallerPeer = %q, want %q", snap.CallerPeer, a)
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/v1/sessions", nil)
	if status != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("list = %d %+v", status, body)
	}

	if status, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+a+"/unlink", nil); status != http.StatusOK {
		t.Fatalf("unlink = %d", status)
	}
	snap, _ = mgr.GetSession(context.Background(), b)
	if snap.CallerPeer != "" {
		t.Fatalf("callee CallerPeer = %q after unlink", snap.CallerPeer)
	}
}

func TestAsyncAnswerAndPerf(t *testing.T) {
	ts, mgr := newTestServer(t)
	id := startSession(t, ts.URL, "")
	status, body := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/answer?async=1", map[string]any{"sdp": testSDP})
	if status != http.StatusAccepted || body["status"] != "queued" {
		t.Fatalf("async answer = %d %+v", status, body)
	}
	// The read is queued behind the async answer.
	snap, err := mgr.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !snap.HasAnswer {
		t.Fatalf("HasAnswer = false after async answer")
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/v1/perf/hooks?reset=1", nil)
	hooks, _ := body["hooks"].([]any)
	if status != http.StatusOK || len(hooks) < 2 {
		t.Fatalf("perf hooks = %d %+v, want start and answer", status, body)
	}
	if first, _ := hooks[0].(map[string]any); first["service"] != "default" {
		t.Fatalf("hooks[0] = %+v, want per-service stats for default", hooks[0])
	}
	if body["active_sessions"] != float64(1) || body["reset"] != true {
		t.Fatalf("perf hooks = %+v, want one active session and reset", body)
	}
	_, body = doJSON(t, http.MethodGet, ts.URL+"/v1/perf/hooks", nil)
	if hooks, _ := body["hooks"].([]any); len(hooks) != 0 {
		t.Fatalf("hooks after reset = %+v, want none", hooks)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestObserveWebsocket(t *testing.T) {
	ts, _ := newTestServer(t)
	id := startSession(t, ts.URL, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/observe"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	hello := readJSON(t, conn)
	if hello["type"] != "system_event" || hello["code"] != "observer_registered" {
		t.Fatalf("first frame = %+v", hello)
	}

	if status, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/"+id+"/info", map[string]any{"info": "ringing"}); status != http.StatusOK {
		t.Fatalf("POST info = %d", status)
	}
	ev := readJSON(t, conn)
	body, _ := ev["body"].(map[string]any)
	if ev["type"] != "session_event" || ev["event"] != "info" || body["info"] != "ringing" {
		t.Fatalf("info frame = %+v", ev)
	}
	if ev["observer"] != hello["detail"] {
		t.Fatalf("observer = %v, want %v", ev["observer"], hello["detail"])
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_info"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if bad := readJSON(t, conn); bad["type"] != "error_event" || bad["code"] != "invalid_client_message" {
		t.Fatalf("error frame = %+v", bad)
	}

	if err := conn.WriteJSON(map[string]any{"type": "client_stop", "reason": "user_hangup"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	stop := readJSON(t, conn)
	body, _ = stop["body"].(map[string]any)
	if stop["event"] != "stop" || body["reason"] != "stopped by observer" {
		t.Fatalf("stop frame = %+v", stop)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("ReadMessage() after stop error = %v, want normal close", err)
	}
}

func TestObserveUnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/sessions/ghost/observe")
	if err != nil {
		t.Fatalf("GET observe error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestObserverControlPolicy(t *testing.T) {
	ts, mgr := newTestServerWith(t, func(cfg *config.Config) {
		cfg.ObserverAllowStop = false
		cfg.ObserverBlockedOps = "record"
	})
	id := startSession(t, ts.URL, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/observe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readJSON(t, conn)

	if err := conn.WriteJSON(map[string]any{"type": "client_stop", "reason": "user_hangup"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if denied := readJSON(t, conn); denied["type"] != "error_event" || denied["code"] != "not_allowed" {
		t.Fatalf("stop frame = %+v, want not_allowed", denied)
	}
	if err := conn.WriteJSON(map[string]any{"type": "client_update", "op": "record", "options": map[string]any{"record": true}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if denied := readJSON(t, conn); denied["code"] != "not_allowed" {
		t.Fatalf("update frame = %+v, want not_allowed", denied)
	}
	if _, err := mgr.GetSession(context.Background(), id); err != nil {
		t.Fatalf("session stopped by a denied frame: %v", err)
	}
}
