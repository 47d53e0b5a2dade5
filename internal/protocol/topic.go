// Package protocol defines the wire contracts shared by both transports:
// the topic grammar, inbound/outbound payload shapes, and the stable error
// codes surfaced to callers.
//
// All device traffic uses topics of the form
//
//	mcp/dev/{device_id}/{leaf}
//
// where the leaf is one of the inbound leaves (announce, status, events,
// ports/announce, ports/data) or outbound leaves (cmd, ports/set, claim).
// The MQTT transport carries the topic natively; the stream transport carries
// it as a string field inside each newline-delimited JSON frame.
package protocol

import (
	"fmt"
	"strings"
)

// Topic prefix for all device traffic.
const TopicPrefix = "mcp/dev"

// Inbound topic leaves.
const (
	LeafAnnounce      = "announce"
	LeafStatus        = "status"
	LeafEvents        = "events"
	LeafPortsAnnounce = "ports/announce"
	LeafPortsData     = "ports/data"
)

// Outbound topic leaves.
const (
	LeafCmd      = "cmd"
	LeafPortsSet = "ports/set"
	LeafClaim    = "claim"
)

// Transport identifies which adapter a message arrived on or should leave by.
type Transport string

const (
	TransportMQTT   Transport = "mqtt"
	TransportStream Transport = "stream"
)

// Topic is a parsed device topic.
type Topic struct {
	DeviceID string
	Leaf     string
}

// ParseTopic splits a raw topic string into device id and leaf.
// The leaf may itself contain a slash (ports/announce, ports/data, ports/set).
func ParseTopic(raw string) (Topic, error) {
	rest, ok := strings.CutPrefix(raw, TopicPrefix+"/")
	if !ok {
		return Topic{}, fmt.Errorf("topic %q: missing %s prefix", raw, TopicPrefix)
	}
	deviceID, leaf, ok := strings.Cut(rest, "/")
	if !ok || deviceID == "" || leaf == "" {
		return Topic{}, fmt.Errorf("topic %q: expected %s/{device_id}/{leaf}", raw, TopicPrefix)
	}
	return Topic{DeviceID: deviceID, Leaf: leaf}, nil
}

// BuildTopic assembles the wire topic for a device and leaf.
func BuildTopic(deviceID, leaf string) string {
	return TopicPrefix + "/" + deviceID + "/" + leaf
}

// InboundFilters returns the MQTT subscription filters covering all inbound leaves.
func InboundFilters() []string {
	return []string{
		TopicPrefix + "/+/" + LeafAnnounce,
		TopicPrefix + "/+/" + LeafStatus,
		TopicPrefix + "/+/" + LeafEvents,
		TopicPrefix + "/+/" + LeafPortsAnnounce,
		TopicPrefix + "/+/" + LeafPortsData,
	}
}
