package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/mediacore/internal/config"
	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/session"
)

const offer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:    "test_app",
		DefaultService:      "edge",
		SessionWaitTimeout:  time.Minute,
		SessionReadyTimeout: time.Hour,
		SessionCallTimeout:  time.Second,
		ObserverAllowStop:   true,
		ObserverAllowUpdate: true,
	}
}

func TestBuildWiresSessionsToBusArchiveAndMetrics(t *testing.T) {
	ctx := context.Background()
	built, err := Build(ctx, testConfig(), Options{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.MQTT != nil {
		t.Fatalf("MQTT publisher built without a broker")
	}

	sub, err := built.Bus.Subscribe(eventbus.Filter{Type: string(session.EventStop)}, 4)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	a, _, err := built.Sessions.Start(ctx, "edge", "p2p", session.StartConfig{
		Offer: session.Payload{"sdp": offer},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := testutil.ToFloat64(built.Metrics.ActiveSessions); got != 1 {
		t.Fatalf("active sessions right after start = %v, want 1", got)
	}
	if err := built.Sessions.Info(ctx, a.ID(), "ringing"); err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if got := testutil.ToFloat64(built.Metrics.ActiveSessions); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
	if err := built.Sessions.Stop(ctx, a.ID(), session.Reason("hangup", "caller hung up")); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case msg := <-sub.C:
		if msg.ObjectID != a.ID() {
			t.Fatalf("stop message for %q, want %q", msg.ObjectID, a.ID())
		}
	case <-time.After(time.Second):
		t.Fatalf("no stop event on the local bus")
	}

	// The archive is fed from its own queue.
	deadline := time.Now().Add(time.Second)
	for {
		records, err := built.Archive.BySession(ctx, a.ID(), 10)
		if err != nil {
			t.Fatalf("BySession() error = %v", err)
		}
		if len(records) > 0 && records[len(records)-1].Type == string(session.EventStop) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archive = %+v, want stop last", records)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(built.Metrics.ActiveSessions); got != 0 {
		t.Fatalf("active sessions after stop = %v, want 0", got)
	}
	if got := testutil.ToFloat64(built.Metrics.SessionEvents.WithLabelValues("info")); got != 1 {
		t.Fatalf("info events = %v, want 1", got)
	}
	if got := testutil.ToFloat64(built.Metrics.StopReasons.WithLabelValues("hangup")); got != 1 {
		t.Fatalf("stop reasons[hangup] = %v, want 1", got)
	}

	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if len(built.Outbound) != 1 {
		t.Fatalf("outbound queues = %d, want the archive only", len(built.Outbound))
	}
	if st := built.Outbound[0].Stats(); st.Dropped != 0 || st.Failed != 0 || st.Delivered != st.Queued {
		t.Fatalf("archive queue = %+v, want every event delivered", st)
	}
}

func TestBuildRejectsUnreachableDatabase(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://%zz"
	if _, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()}); err == nil {
		t.Fatalf("Build() with a malformed database url should fail")
	}
}
