package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/config"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

type recordedMsg struct {
	topic protocol.Topic
	tag   protocol.Transport
}

type recordingHandler struct {
	mu        sync.Mutex
	messages  []recordedMsg
	disconnects []string
	arrived   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{arrived: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleInbound(topic protocol.Topic, payload json.RawMessage, tag protocol.Transport) {
	h.mu.Lock()
	h.messages = append(h.messages, recordedMsg{topic, tag})
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) StreamClosed(deviceID string) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, deviceID)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}
}

func startServer(t *testing.T, handler Handler) *StreamServer {
	t.Helper()
	srv := NewStreamServer(config.StreamConfig{Host: "127.0.0.1", Port: 0}, handler, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func dial(t *testing.T, srv *StreamServer) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeLine(t *testing.T, conn net.Conn, topic string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(protocol.StreamFrame{Topic: topic, Payload: raw})
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		t.Fatal(err)
	}
}

func TestStreamAnnounceBindsDevice(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, h)
	conn := dial(t, srv)

	writeLine(t, conn, "mcp/dev/lamp01/announce", protocol.AnnouncePayload{Name: "Lamp"})
	h.wait(t)

	h.mu.Lock()
	msg := h.messages[0]
	h.mu.Unlock()
	if msg.topic.DeviceID != "lamp01" || msg.topic.Leaf != protocol.LeafAnnounce {
		t.Errorf("message = %+v", msg)
	}
	if msg.tag != protocol.TransportStream {
		t.Errorf("tag = %q", msg.tag)
	}
	if !srv.Connected("lamp01") {
		t.Error("device not bound after announce")
	}
}

func TestStreamSendWritesFrame(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, h)
	conn := dial(t, srv)

	writeLine(t, conn, "mcp/dev/lamp01/announce", protocol.AnnouncePayload{Name: "Lamp"})
	h.wait(t)

	payload, _ := json.Marshal(protocol.PortsSetPayload{Type: protocol.PortsSetType, Port: "power", Value: 1})
	err := srv.Send("lamp01", protocol.StreamFrame{
		Topic:   protocol.BuildTopic("lamp01", protocol.LeafPortsSet),
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var frame protocol.StreamFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Topic != "mcp/dev/lamp01/ports/set" {
		t.Errorf("topic = %q", frame.Topic)
	}
}

func TestStreamSendUnknownDevice(t *testing.T) {
	srv := startServer(t, newRecordingHandler())
	if err := srv.Send("ghost", protocol.StreamFrame{Topic: "mcp/dev/ghost/cmd"}); err == nil {
		t.Error("send to unbound device succeeded")
	}
}

func TestStreamDisconnectReported(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, h)
	conn := dial(t, srv)

	writeLine(t, conn, "mcp/dev/lamp01/announce", protocol.AnnouncePayload{Name: "Lamp"})
	h.wait(t)

	conn.Close()
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.disconnects) != 1 || h.disconnects[0] != "lamp01" {
		t.Errorf("disconnects = %v", h.disconnects)
	}
	if srv.Connected("lamp01") {
		t.Error("binding survived disconnect")
	}
}

func TestStreamIgnoresGarbageLines(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, h)
	conn := dial(t, srv)

	if _, err := conn.Write([]byte("not json\n{\"topic\":\"bad\"}\n")); err != nil {
		t.Fatal(err)
	}
	writeLine(t, conn, "mcp/dev/lamp01/status", protocol.StatusPayload{})
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) != 1 || h.messages[0].topic.Leaf != protocol.LeafStatus {
		t.Errorf("messages = %+v", h.messages)
	}
}
