package protocol

import "encoding/json"

// ToolDescriptor is a device-declared tool in an announce payload.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AnnouncePayload is a device self-description.
type AnnouncePayload struct {
	Name    string           `json:"name"`
	Version string           `json:"version,omitempty"`
	Tools   []ToolDescriptor `json:"tools,omitempty"`
}

// StatusPayload is a periodic device liveness report. TS is ISO-8601 UTC.
type StatusPayload struct {
	Online   *bool  `json:"online,omitempty"`
	UptimeMS int64  `json:"uptime_ms,omitempty"`
	RSSI     int    `json:"rssi,omitempty"`
	TS       string `json:"ts,omitempty"`
}

// EventAsset is an asset reference in a command result.
type EventAsset struct {
	Kind string `json:"kind,omitempty"`
	MIME string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

// EventResult is the success half of an events payload.
type EventResult struct {
	Text   string       `json:"text,omitempty"`
	Assets []EventAsset `json:"assets,omitempty"`
}

// EventError is the failure half of an events payload.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// EventPayload correlates a device response back to a pending command.
type EventPayload struct {
	RequestID string       `json:"request_id"`
	Result    *EventResult `json:"result,omitempty"`
	Error     *EventError  `json:"error,omitempty"`
}

// PortDescriptor describes one named streaming endpoint on a device.
type PortDescriptor struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type,omitempty"`
	Description string `json:"description,omitempty"`
}

// PortsAnnouncePayload declares a device's full port set.
type PortsAnnouncePayload struct {
	Outports []PortDescriptor `json:"outports,omitempty"`
	Inports  []PortDescriptor `json:"inports,omitempty"`
}

// PortsDataPayload is one streamed value from an outport.
type PortsDataPayload struct {
	Port  string  `json:"port"`
	Value float64 `json:"value"`
}

// PortsSetType is the type discriminator of outbound inport-value frames.
const PortsSetType = "ports.set"

// PortsSetPayload sets a value on a device inport. Type is always
// PortsSetType so stream devices can key on it; MQTT devices may ignore it
// since the topic already identifies the operation.
type PortsSetPayload struct {
	Type  string  `json:"type,omitempty"`
	Port  string  `json:"port"`
	Value float64 `json:"value"`
}

// CommandType is the type discriminator of outbound command bodies.
const CommandType = "device.command"

// CommandBody is the unsigned command frame. Field order matters: the struct
// is the canonical serialization the HMAC signature covers, so it must marshal
// byte-identically on signer and verifier.
type CommandBody struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	RequestID string         `json:"request_id"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// SignedCommand wraps a canonical command string with its HMAC-SHA256 digest.
// Data is the exact byte sequence the signature covers.
type SignedCommand struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// ClaimPayload delivers a freshly minted shared secret to a device.
type ClaimPayload struct {
	Token string `json:"token"`
}

// StreamFrame is one newline-delimited line on the stream transport.
type StreamFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}
