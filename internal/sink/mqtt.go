// Package sink forwards relayed frames to message brokers. Each sink is a
// ws.Publisher and joins the subscriber registry like any websocket client.
package sink

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/config"
	"github.com/comfy-relay/backend/internal/ws"
)

const connectTimeout = 5 * time.Second

// MQTT publishes text events to <prefix>/events and preview frames to
// <prefix>/preview.
type MQTT struct {
	client  mqtt.Client
	broker  string
	events  string
	preview string
	qos     byte
}

// DialMQTT connects to the configured broker. The client reconnects on its
// own after the initial connection succeeds.
func DialMQTT(cfg config.MQTTSinkConfig) (*MQTT, error) {
	logger := log.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info().Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection to %s failed: %w", cfg.Broker, err)
	}
	return NewMQTT(client, cfg), nil
}

// NewMQTT wraps an already connected client.
func NewMQTT(client mqtt.Client, cfg config.MQTTSinkConfig) *MQTT {
	return &MQTT{
		client:  client,
		broker:  cfg.Broker,
		events:  cfg.TopicPrefix + "/events",
		preview: cfg.TopicPrefix + "/preview",
		qos:     cfg.QoS,
	}
}

func (s *MQTT) Publish(ctx context.Context, m ws.Message) error {
	topic := s.events
	if m.Binary {
		topic = s.preview
	}

	token := s.client.Publish(topic, s.qos, false, m.Data)
	timeout := connectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects with a 250ms grace period.
func (s *MQTT) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

func (s *MQTT) String() string {
	return "mqtt://" + s.broker
}
