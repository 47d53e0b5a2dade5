package transport

import (
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/config"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// MQTT is the broker adapter. It subscribes to every inbound device leaf
// and republishes subscriptions after each reconnect.
type MQTT struct {
	client  mqtt.Client
	handler Handler
	queue   *queue
	logger  *slog.Logger
}

// NewMQTT builds the broker adapter without connecting.
func NewMQTT(cfg config.BrokerConfig, handler Handler, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport.mqtt")
	m := &MQTT{
		handler: handler,
		queue:   newQueue(logger),
		logger:  logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.logger.Warn("broker connection lost", "error", err)
		})
	m.client = mqtt.NewClient(opts)
	return m
}

// Start connects to the broker and begins dispatching inbound frames.
func (m *MQTT) Start() error {
	go m.queue.pump(m.handler)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect broker: %w", token.Error())
	}
	return nil
}

// Close disconnects from the broker and stops the dispatch loop.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
	m.queue.stop()
}

// Publish sends an outbound frame on a raw topic. QoS 0 for high-frequency
// port values, QoS 1 for commands and claims.
func (m *MQTT) Publish(topic string, payload []byte, qos byte) error {
	token := m.client.Publish(topic, qos, false, payload)
	if qos == 0 {
		// Fire and forget: the routing path must never block on broker IO,
		// and the next sample supersedes a lost one anyway.
		return nil
	}
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// onConnect runs on every (re)connect, so subscriptions survive broker
// restarts.
func (m *MQTT) onConnect(client mqtt.Client) {
	for _, filter := range protocol.InboundFilters() {
		token := client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
			m.handleRaw(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err != nil {
			m.logger.Error("subscribe failed", "filter", filter, "error", err)
		}
	}
	m.logger.Info("broker connected", "filters", len(protocol.InboundFilters()))
}

// handleRaw normalizes one broker message into the inbound queue.
func (m *MQTT) handleRaw(rawTopic string, payload []byte) {
	topic, err := protocol.ParseTopic(rawTopic)
	if err != nil {
		m.logger.Debug("unparseable topic ignored", "topic", rawTopic, "error", err)
		return
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	m.queue.enqueue(inbound{topic: topic, payload: body, tag: protocol.TransportMQTT})
}
