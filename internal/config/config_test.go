package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SessionWaitTimeout != 60*time.Second || cfg.SessionReadyTimeout != 24*time.Hour || cfg.SessionCallTimeout != 5*time.Second {
		t.Fatalf("session timeouts = %v/%v/%v, want 60s/24h/5s", cfg.SessionWaitTimeout, cfg.SessionReadyTimeout, cfg.SessionCallTimeout)
	}
	if cfg.DefaultService != "default" {
		t.Fatalf("DefaultService = %q, want default", cfg.DefaultService)
	}
	if cfg.MQTTBroker != "" || cfg.DatabaseURL != "" {
		t.Fatalf("optional backends should be disabled by default: %+v", cfg)
	}
	if cfg.EventQueueSize != 1024 {
		t.Fatalf("EventQueueSize = %d, want 1024", cfg.EventQueueSize)
	}
	if cfg.MQTTTopicPrefix != "mediacore" || cfg.MQTTQoS != 1 {
		t.Fatalf("MQTT defaults = %q/%d", cfg.MQTTTopicPrefix, cfg.MQTTQoS)
	}
	if !cfg.MQTTRedact || !cfg.ObserverAllowStop || !cfg.ObserverAllowUpdate || cfg.ObserverBlockedOps != "" {
		t.Fatalf("observer/redaction defaults = %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("SESSION_WAIT_TIMEOUT", "90s")
	t.Setenv("SESSION_READY_TIMEOUT", "2h")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("MQTT_BROKER", " tcp://broker:1883 ")
	t.Setenv("MQTT_QOS", "0")
	t.Setenv("OBSERVER_ALLOW_STOP", "off")
	t.Setenv("OBSERVER_BLOCKED_OPS", " record,type ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.SessionWaitTimeout != 90*time.Second || cfg.SessionReadyTimeout != 2*time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.MQTTBroker != "tcp://broker:1883" || cfg.MQTTQoS != 0 {
		t.Fatalf("MQTT = %q/%d", cfg.MQTTBroker, cfg.MQTTQoS)
	}
	if cfg.ObserverAllowStop || cfg.ObserverBlockedOps != "record,type" {
		t.Fatalf("observer policy = %v/%q", cfg.ObserverAllowStop, cfg.ObserverBlockedOps)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"SESSION_WAIT_TIMEOUT": "soon",
		"SESSION_CALL_TIMEOUT": "1ms",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
		"MQTT_QOS":             "3",
		"EVENT_QUEUE_SIZE":     "0",
		"MQTT_REDACT":          "sometimes",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q should fail", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"SESSION_WAIT_TIMEOUT",
		"SESSION_READY_TIMEOUT",
		"SESSION_CALL_TIMEOUT",
		"SESSION_DEFAULT_SERVICE",
		"DATABASE_URL",
		"EVENT_QUEUE_SIZE",
		"MQTT_BROKER",
		"MQTT_CLIENT_ID",
		"MQTT_TOPIC_PREFIX",
		"MQTT_QOS",
		"MQTT_REDACT",
		"OBSERVER_ALLOW_STOP",
		"OBSERVER_ALLOW_UPDATE",
		"OBSERVER_BLOCKED_OPS",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
