package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/backend/p2p"
	"github.com/ent0n29/mediacore/internal/config"
	"github.com/ent0n29/mediacore/internal/eventbus"
	"github.com/ent0n29/mediacore/internal/eventlog"
	"github.com/ent0n29/mediacore/internal/httpapi"
	"github.com/ent0n29/mediacore/internal/observability"
	"github.com/ent0n29/mediacore/internal/policy"
	"github.com/ent0n29/mediacore/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Bus      *eventbus.Local
	MQTT     *eventbus.MQTT
	// Outbound holds the queued publishers in front of the archive and the
	// broker, in that order.
	Outbound []*eventbus.Async
	Archive  eventlog.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown, after the sessions were stopped,
	// to release external resources (DB, broker connection).
	Cleanup func() error
}

// Options lets tests and embedders replace process-wide defaults.
type Options struct {
	// Registerer receives the metrics; nil uses the prometheus default.
	Registerer prometheus.Registerer
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	archive, err := eventlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("event archive init failed: %w", err)
	}

	// The local bus is delivered inline so in-process subscribers see events
	// in session order. The archive and the broker sit behind bounded queues
	// so a slow database or broker never stalls a session.
	local := eventbus.NewLocal()
	archiveQueue := eventbus.NewAsync("archive", eventlog.NewRecorder(archive), cfg.EventQueueSize, 5*time.Second)
	outbound := []*eventbus.Async{archiveQueue}
	publishers := eventbus.Multi{local, archiveQueue}

	var broker *eventbus.MQTT
	if strings.TrimSpace(cfg.MQTTBroker) != "" {
		broker = eventbus.NewMQTT(eventbus.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         byte(cfg.MQTTQoS),
		})
		if err := broker.Connect(ctx); err != nil {
			// The client keeps reconnecting; publishes fail until it does.
			log.Warn().Str("module", "app").Str("broker", cfg.MQTTBroker).Err(err).Msg("mqtt broker unavailable at startup")
		}
		var external eventbus.Publisher = broker
		if cfg.MQTTRedact {
			external = policy.Redacting{Next: broker}
		}
		brokerQueue := eventbus.NewAsync("mqtt", external, cfg.EventQueueSize, 10*time.Second)
		outbound = append(outbound, brokerQueue)
		publishers = append(publishers, brokerQueue)
	}

	sessions := session.NewManager(session.Options{
		WaitTimeout:  cfg.SessionWaitTimeout,
		ReadyTimeout: cfg.SessionReadyTimeout,
		CallTimeout:  cfg.SessionCallTimeout,
		Bus:          publishers,
	})
	sessions.SetEventHook(func(_ string, kind session.EventKind) {
		metrics.SessionEvents.WithLabelValues(string(kind)).Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.SetStopHook(func(_ *session.Session, reason error) {
		metrics.ObserveStop(session.CodeOf(reason))
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.SetStartHook(func(string) {
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.SetHookTimer(metrics.ObserveHook)

	abort := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, q := range outbound {
			_ = q.Close(flushCtx)
		}
		if broker != nil {
			_ = broker.Close()
		}
		_ = archive.Close()
	}
	for _, id := range serviceIDs(cfg) {
		if err := sessions.RegisterService(p2p.NewService(id, sessions)); err != nil {
			abort()
			return nil, fmt.Errorf("register service %s: %w", id, err)
		}
	}

	stops, err := local.Subscribe(eventbus.Filter{
		Class:    session.EventClass,
		Subclass: session.EventSubclass,
		Type:     string(session.EventStop),
	}, 256)
	if err != nil {
		abort()
		return nil, fmt.Errorf("subscribe stop events: %w", err)
	}
	go logStops(stops)

	api := httpapi.New(cfg, sessions, archive, metrics)

	cleanup := func() error {
		var errs []error
		// Flush queued events before their sinks go away.
		flush := cfg.ShutdownTimeout
		if flush <= 0 {
			flush = 5 * time.Second
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), flush)
		defer cancel()
		for _, q := range outbound {
			errs = append(errs, q.Close(flushCtx))
		}
		errs = append(errs, local.Close())
		if broker != nil {
			errs = append(errs, broker.Close())
		}
		errs = append(errs, archive.Close())
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Bus:      local,
		MQTT:     broker,
		Outbound: outbound,
		Archive:  archive,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}

// serviceIDs returns the configured default service. Every service is
// served by the p2p backend.
func serviceIDs(cfg config.Config) []string {
	id := strings.TrimSpace(cfg.DefaultService)
	if id == "" {
		id = "default"
	}
	return []string{id}
}

// logStops writes one line per finished session until the bus closes.
func logStops(sub *eventbus.Subscription) {
	for msg := range sub.C {
		log.Info().
			Str("module", "app").
			Str("session_id", msg.ObjectID).
			Interface("code", msg.Body["code"]).
			Interface("reason", msg.Body["reason"]).
			Dur("age", time.Since(msg.Time)).
			Msg("session finished")
	}
}
