package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the media session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session timers. WaitTimeout covers offer-to-answer, ReadyTimeout the
	// idle time between updates of an answered session.
	SessionWaitTimeout  time.Duration
	SessionReadyTimeout time.Duration
	SessionCallTimeout  time.Duration
	DefaultService      string

	DatabaseURL string
	// EventQueueSize bounds the per-publisher queues feeding the archive and
	// the broker. Events past it are dropped, never waited on.
	EventQueueSize int

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTQoS         int
	// MQTTRedact scrubs SDP credentials from events published to the broker.
	MQTTRedact bool

	ObserverAllowStop   bool
	ObserverAllowUpdate bool
	ObserverBlockedOps  string

	LogLevel  string
	LogFormat string
}

func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "mediacore"),
		AllowAnyOrigin:      false,
		DefaultService:      envOrDefault("SESSION_DEFAULT_SERVICE", "default"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		EventQueueSize:      1024,
		MQTTBroker:          stringsTrimSpace("MQTT_BROKER"),
		MQTTClientID:        envOrDefault("MQTT_CLIENT_ID", "mediacore"),
		MQTTTopicPrefix:     envOrDefault("MQTT_TOPIC_PREFIX", "mediacore"),
		MQTTQoS:             1,
		MQTTRedact:          true,
		ObserverAllowStop:   true,
		ObserverAllowUpdate: true,
		ObserverBlockedOps:  stringsTrimSpace("OBSERVER_BLOCKED_OPS"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "console"),
		ShutdownTimeout:     15 * time.Second,
		SessionWaitTimeout:  60 * time.Second,
		SessionReadyTimeout: 24 * time.Hour,
		SessionCallTimeout:  5 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionWaitTimeout, err = durationFromEnv("SESSION_WAIT_TIMEOUT", cfg.SessionWaitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionReadyTimeout, err = durationFromEnv("SESSION_READY_TIMEOUT", cfg.SessionReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCallTimeout, err = durationFromEnv("SESSION_CALL_TIMEOUT", cfg.SessionCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EventQueueSize, err = intFromEnv("EVENT_QUEUE_SIZE", cfg.EventQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.MQTTQoS, err = intFromEnv("MQTT_QOS", cfg.MQTTQoS)
	if err != nil {
		return Config{}, err
	}
	cfg.MQTTRedact, err = boolFromEnv("MQTT_REDACT", cfg.MQTTRedact)
	if err != nil {
		return Config{}, err
	}
	cfg.ObserverAllowStop, err = boolFromEnv("OBSERVER_ALLOW_STOP", cfg.ObserverAllowStop)
	if err != nil {
		return Config{}, err
	}
	cfg.ObserverAllowUpdate, err = boolFromEnv("OBSERVER_ALLOW_UPDATE", cfg.ObserverAllowUpdate)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionWaitTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_WAIT_TIMEOUT must be positive")
	}
	if cfg.SessionReadyTimeout <= 0 {
		return Config{}, fmt.Errorf("SESSION_READY_TIMEOUT must be positive")
	}
	if cfg.SessionCallTimeout < 10*time.Millisecond {
		return Config{}, fmt.Errorf("SESSION_CALL_TIMEOUT must be at least 10ms")
	}
	if cfg.EventQueueSize <= 0 {
		return Config{}, fmt.Errorf("EVENT_QUEUE_SIZE must be positive")
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return Config{}, fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	if trimSpace(cfg.DefaultService) == "" {
		return Config{}, fmt.Errorf("SESSION_DEFAULT_SERVICE must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
