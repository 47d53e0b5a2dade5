package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// BrokerPublisher is the outbound half of the MQTT adapter.
type BrokerPublisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// StreamSender is the outbound half of the stream server.
type StreamSender interface {
	Send(deviceID string, frame protocol.StreamFrame) error
}

// TransportLookup resolves which transport a device last announced on.
type TransportLookup interface {
	Transport(deviceID string) (protocol.Transport, bool)
}

// Dispatcher routes outbound frames to a device's recorded transport. It is
// the command router's Outbound, the port router's ValueSink, and the
// handler's ClaimSender.
type Dispatcher struct {
	devices TransportLookup
	broker  BrokerPublisher
	stream  StreamSender
	logger  *slog.Logger
}

// NewDispatcher builds the outbound dispatcher. Either transport may be nil
// when disabled in config.
func NewDispatcher(devices TransportLookup, broker BrokerPublisher, stream StreamSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		devices: devices,
		broker:  broker,
		stream:  stream,
		logger:  logger.With("component", "bridge.outbound"),
	}
}

// SendCommand delivers a signed-or-plain command frame. Commands use QoS 1
// on the broker: a lost command is worse than a duplicate, the device
// dedupes by request id.
func (d *Dispatcher) SendCommand(deviceID string, payload []byte) error {
	return d.send(deviceID, protocol.LeafCmd, payload, 1)
}

// SendPortValue delivers one routed value to a device inport. QoS 0: port
// values are continuous, the next sample supersedes a lost one.
func (d *Dispatcher) SendPortValue(deviceID, port string, value float64) error {
	payload, err := json.Marshal(protocol.PortsSetPayload{Type: protocol.PortsSetType, Port: port, Value: value})
	if err != nil {
		return err
	}
	return d.send(deviceID, protocol.LeafPortsSet, payload, 0)
}

// SendClaim delivers a freshly minted token. QoS 1 like commands.
func (d *Dispatcher) SendClaim(deviceID string, claim protocol.ClaimPayload) error {
	payload, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	return d.send(deviceID, protocol.LeafClaim, payload, 1)
}

func (d *Dispatcher) send(deviceID, leaf string, payload []byte, qos byte) error {
	tag, ok := d.devices.Transport(deviceID)
	if !ok {
		return fmt.Errorf("device %q has no recorded transport", deviceID)
	}
	topic := protocol.BuildTopic(deviceID, leaf)
	switch tag {
	case protocol.TransportMQTT:
		if d.broker == nil {
			return fmt.Errorf("broker transport disabled")
		}
		return d.broker.Publish(topic, payload, qos)
	case protocol.TransportStream:
		if d.stream == nil {
			return fmt.Errorf("stream transport disabled")
		}
		return d.stream.Send(deviceID, protocol.StreamFrame{Topic: topic, Payload: payload})
	default:
		return fmt.Errorf("device %q: unknown transport %q", deviceID, tag)
	}
}
