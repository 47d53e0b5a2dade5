// Package transport hosts the two device-facing adapters: an MQTT client
// and a line-delimited JSON socket server. Both normalize traffic into the
// same inbound handler contract; outbound frames go back out on whichever
// adapter a device announced on.
package transport

import (
	"encoding/json"
	"log/slog"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// inboundQueueSize is the high-water mark per adapter. Inbound frames past
// it are dropped with a warning; high-frequency ports/data is the only
// traffic expected to hit this.
const inboundQueueSize = 1024

// Handler receives every inbound frame from either adapter. StreamClosed
// fires only for the stream transport, when a bound connection drops.
type Handler interface {
	HandleInbound(topic protocol.Topic, payload json.RawMessage, tag protocol.Transport)
	StreamClosed(deviceID string)
}

type inbound struct {
	topic   protocol.Topic
	payload json.RawMessage
	tag     protocol.Transport
}

// queue is the bounded inbound buffer shared by both adapters. Enqueue
// never blocks; overflow drops the frame. stop is safe to call with
// producers still running, they just enqueue into the void.
type queue struct {
	ch     chan inbound
	done   chan struct{}
	logger *slog.Logger
}

func newQueue(logger *slog.Logger) *queue {
	return &queue{
		ch:     make(chan inbound, inboundQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (q *queue) enqueue(msg inbound) {
	select {
	case q.ch <- msg:
	default:
		q.logger.Warn("inbound queue full, frame dropped",
			"device_id", msg.topic.DeviceID,
			"leaf", msg.topic.Leaf,
		)
	}
}

// pump drains the queue into the handler until stop is called.
func (q *queue) pump(handler Handler) {
	for {
		select {
		case msg := <-q.ch:
			handler.HandleInbound(msg.topic, msg.payload, msg.tag)
		case <-q.done:
			return
		}
	}
}

func (q *queue) stop() {
	close(q.done)
}
