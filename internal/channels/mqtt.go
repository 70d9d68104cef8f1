package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gateinfra/toolgate/internal/types"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTClient is the subset of the paho client the surface uses. It
// exists so tests can substitute a fake broker connection.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// MQTTConfig configures the MQTT approval surface.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	TopicBase string
	Username  string
	Password  string
}

// MQTTSurface bridges approvers on an MQTT broker. Prompts go out on
// <base>/prompts, decisions come back on <base>/decisions, both QoS 1:
// the decision path tolerates duplicate delivery because the broker
// treats repeats as no-ops.
type MQTTSurface struct {
	cfg     MQTTConfig
	arbiter Arbiter
	client  MQTTClient
	logger  *slog.Logger
}

// NewMQTTSurface creates an MQTT surface. client may be nil, in which
// case a paho client is built from the config at Start.
func NewMQTTSurface(cfg MQTTConfig, arbiter Arbiter, client MQTTClient, logger *slog.Logger) *MQTTSurface {
	if cfg.TopicBase == "" {
		cfg.TopicBase = "toolgate"
	}
	return &MQTTSurface{
		cfg:     cfg,
		arbiter: arbiter,
		client:  client,
		logger:  logger.With("surface", "mqtt"),
	}
}

func (s *MQTTSurface) Name() string { return "mqtt" }

func (s *MQTTSurface) promptTopic() string   { return s.cfg.TopicBase + "/prompts" }
func (s *MQTTSurface) decisionTopic() string { return s.cfg.TopicBase + "/decisions" }

// Start connects to the broker and subscribes to the decision topic.
func (s *MQTTSurface) Start(_ context.Context) error {
	if s.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(s.cfg.BrokerURL).
			SetClientID(s.cfg.ClientID).
			SetUsername(s.cfg.Username).
			SetPassword(s.cfg.Password).
			SetAutoReconnect(true)
		s.client = mqtt.NewClient(opts)
	}

	tok := s.client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt: connect to %s timed out", s.cfg.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}

	sub := s.client.Subscribe(s.decisionTopic(), 1, s.onDecision)
	if !sub.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt: subscribe to %s timed out", s.decisionTopic())
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("mqtt: subscribe: %w", err)
	}

	s.logger.Info("mqtt surface started", "broker", s.cfg.BrokerURL, "topic", s.cfg.TopicBase)
	return nil
}

// Stop disconnects from the broker.
func (s *MQTTSurface) Stop() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.logger.Info("mqtt surface stopped")
	return nil
}

// Prompt publishes the event on the prompt topic.
func (s *MQTTSurface) Prompt(_ context.Context, ev types.PromptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("mqtt: marshal prompt: %w", err)
	}
	tok := s.client.Publish(s.promptTopic(), 1, false, payload)
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt: publish timed out")
	}
	return tok.Error()
}

func (s *MQTTSurface) onDecision(_ mqtt.Client, msg mqtt.Message) {
	var ev types.DecisionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		s.logger.Warn("malformed decision payload", "topic", msg.Topic(), "error", err)
		return
	}
	if !s.arbiter.Resolve(ev) {
		s.logger.Debug("stale decision ignored", "request", ev.RequestID)
	}
}
