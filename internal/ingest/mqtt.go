package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coopwatch/internal/config"
	"coopwatch/internal/domain"
	"coopwatch/internal/logging"
	"coopwatch/internal/metrics"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// ChannelMQTT labels events received from the MQTT push channel.
	ChannelMQTT = "mqtt"
	// ChannelNATS labels events received from the realtime store mirror.
	ChannelNATS = "nats"
	// ChannelHTTP labels events received from telemetry HTTP endpoints.
	ChannelHTTP = "http"

	mqttWaitTimeout = 10 * time.Second
)

// EventSink receives normalized inbound events.
// Params: context and event.
// Returns: number of consumers that handled the event.
type EventSink interface {
	Publish(ctx context.Context, event domain.InboundEvent) int
}

// MQTTClient subscribes to device push topics and publishes device commands.
// Params: paho client, topic layout, QoS, and event sink.
// Returns: MQTT ingest and command lifecycle handle.
type MQTTClient struct {
	client  paho.Client
	topics  Topics
	qos     byte
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu  sync.RWMutex
	ctx context.Context
}

// NewMQTTClient creates MQTT client without connecting.
// Params: MQTT config, event sink, logger, and optional metrics.
// Returns: client ready for Start.
func NewMQTTClient(cfg config.MQTTConfig, sink EventSink, logger *slog.Logger, m *metrics.Metrics) *MQTTClient {
	c := &MQTTClient{
		topics:  NewTopics(cfg.TopicPrefix),
		qos:     byte(cfg.QoS),
		sink:    sink,
		logger:  logging.Component(logger, "ingest.mqtt"),
		metrics: m,
		ctx:     context.Background(),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(mqttWaitTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err.Error())
	})
	c.client = paho.NewClient(opts)
	return c
}

// Topics returns device topic layout.
// Params: none.
// Returns: topic layout used by this client.
func (c *MQTTClient) Topics() Topics {
	return c.topics
}

// Start connects to broker; subscriptions are made on every (re)connect.
// Params: context passed to sink for received messages.
// Returns: connect error.
func (c *MQTTClient) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(mqttWaitTimeout) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish sends one payload to topic.
// Params: topic, retained flag, and payload.
// Returns: publish error or timeout.
func (c *MQTTClient) Publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(mqttWaitTimeout) {
		return fmt.Errorf("mqtt publish %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Connected reports broker connection state.
// Params: none.
// Returns: true when connected.
func (c *MQTTClient) Connected() bool {
	return c.client.IsConnected()
}

// Close disconnects from broker.
// Params: none.
// Returns: nil.
func (c *MQTTClient) Close() error {
	c.client.Disconnect(250)
	return nil
}

// onConnect subscribes device topics after each successful connect.
// Params: connected paho client.
// Returns: none; failures are logged.
func (c *MQTTClient) onConnect(client paho.Client) {
	filters := map[string]byte{
		c.topics.SensorFilter(): c.qos,
		c.topics.Log():          c.qos,
		c.topics.Status():       c.qos,
	}
	token := client.SubscribeMultiple(filters, c.handleMessage)
	if !token.WaitTimeout(mqttWaitTimeout) {
		c.logger.Error("mqtt subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt subscribe failed", "error", err.Error())
		return
	}
	c.logger.Info("mqtt subscribed", "prefix", c.topics.Prefix)
}

// handleMessage decodes one message and forwards it to sink.
// Params: paho client and received message.
// Returns: none.
func (c *MQTTClient) handleMessage(_ paho.Client, message paho.Message) {
	event, ok := c.topics.Decode(message.Topic(), message.Payload())
	if !ok {
		c.logger.Debug("mqtt message ignored", "topic", message.Topic())
		return
	}
	c.metrics.InboundEvent(event.Kind.String(), ChannelMQTT)

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	c.sink.Publish(ctx, event)
}
