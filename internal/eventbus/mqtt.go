package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/mediacore/internal/reliability"
)

// MQTTConfig configures the broker publisher.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Attempts       int
}

// mqttClient is the subset of mqtt.Client the publisher needs.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTT publishes bus messages as JSON to
// <prefix>/<class>/<subclass>/<type>/<obj_id>.
type MQTT struct {
	cfg    MQTTConfig
	client mqttClient

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "mediacore"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	m := &MQTT{cfg: cfg, published: make(map[string]uint64)}

	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		log.Info().Str("module", "eventbus.mqtt").Str("broker", cfg.Broker).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		log.Warn().Str("module", "eventbus.mqtt").Err(err).Msg("mqtt connection lost, will auto-reconnect")
	}
	m.client = mqtt.NewClient(opts)
	return m
}

// Connect waits for the first broker connection.
func (m *MQTT) Connect(ctx context.Context) error {
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	case <-time.After(m.cfg.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

// Topic returns the topic a message is published on.
func (m *MQTT) Topic(msg Message) string {
	parts := []string{m.cfg.TopicPrefix, msg.Class, msg.Subclass, msg.Type}
	if msg.ObjectID != "" {
		parts = append(parts, msg.ObjectID)
	}
	return strings.Join(parts, "/")
}

func (m *MQTT) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.countError()
		return fmt.Errorf("marshal bus message: %w", err)
	}
	topic := m.Topic(msg)
	err = reliability.Retry(ctx, m.cfg.Attempts, 100*time.Millisecond, time.Second, func() error {
		if !m.client.IsConnected() {
			return fmt.Errorf("mqtt not connected: %w", reliability.ErrTransient)
		}
		token := m.client.Publish(topic, m.cfg.QoS, false, payload)
		if !token.WaitTimeout(m.cfg.PublishTimeout) {
			return fmt.Errorf("mqtt publish timeout: %w", reliability.ErrTransient)
		}
		return token.Error()
	})
	if err != nil {
		m.countError()
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
	log.Debug().Str("module", "eventbus.mqtt").Str("topic", topic).Int("size", len(payload)).Msg("bus message published")
	return nil
}

// MQTTStats reports publisher counters.
type MQTTStats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	published := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		published[k] = v
	}
	return MQTTStats{Connected: m.connected, Published: published, Errors: m.errors}
}

func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		log.Info().Str("module", "eventbus.mqtt").Msg("mqtt disconnected")
	}
	m.setConnected(false)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
