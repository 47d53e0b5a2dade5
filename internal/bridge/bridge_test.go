package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/command"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/projection"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

type fakeBroker struct {
	mu       sync.Mutex
	messages []struct {
		topic   string
		payload []byte
		qos     byte
	}
}

func (b *fakeBroker) Publish(topic string, payload []byte, qos byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, struct {
		topic   string
		payload []byte
		qos     byte
	}{topic, payload, qos})
	return nil
}

type fakeStream struct {
	mu     sync.Mutex
	frames []protocol.StreamFrame
}

func (s *fakeStream) Send(deviceID string, frame protocol.StreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

type fixture struct {
	devices    *registry.Store
	commands   *command.Router
	portStore  *ports.Store
	portRouter *ports.Router
	handler    *Handler
	broker     *fakeBroker
	stream     *fakeStream
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	devices := registry.NewStore("", nil)
	commands := command.NewRouter(devices, nil, time.Second)
	portStore := ports.NewStore()
	matrix := ports.NewMatrix("", nil)
	broker := &fakeBroker{}
	stream := &fakeStream{}
	dispatcher := NewDispatcher(devices, broker, stream, nil)
	commands.SetOutbound(dispatcher)
	portRouter := ports.NewRouter(matrix, dispatcher, nil)
	projStore := projection.NewStore("", nil)
	tools := projection.NewToolRegistry(projStore, devices, nil)
	handler := NewHandler(devices, commands, portStore, portRouter, projStore, tools, nil)
	handler.SetClaims(dispatcher)
	return &fixture{
		devices:    devices,
		commands:   commands,
		portStore:  portStore,
		portRouter: portRouter,
		handler:    handler,
		broker:     broker,
		stream:     stream,
		dispatcher: dispatcher,
	}
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestAnnounceRegistersAndClaims(t *testing.T) {
	fx := newFixture(t)

	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "lamp01", Leaf: protocol.LeafAnnounce},
		raw(t, protocol.AnnouncePayload{Name: "Lamp", Tools: []protocol.ToolDescriptor{{Name: "on"}}}),
		protocol.TransportMQTT,
	)

	rec, ok := fx.devices.Get("lamp01")
	if !ok || rec.Name != "Lamp" || len(rec.Tools) != 1 {
		t.Fatalf("record = %+v, ok=%v", rec, ok)
	}
	if !rec.HasToken {
		t.Error("token not minted on first announce")
	}

	fx.broker.mu.Lock()
	defer fx.broker.mu.Unlock()
	if len(fx.broker.messages) != 1 {
		t.Fatalf("published = %d", len(fx.broker.messages))
	}
	msg := fx.broker.messages[0]
	if msg.topic != "mcp/dev/lamp01/claim" || msg.qos != 1 {
		t.Errorf("claim message = %q qos=%d", msg.topic, msg.qos)
	}
	var claim protocol.ClaimPayload
	if err := json.Unmarshal(msg.payload, &claim); err != nil || len(claim.Token) != 32 {
		t.Errorf("claim payload = %s (err %v)", msg.payload, err)
	}
}

func TestAnnounceSecondTimeDoesNotReclaim(t *testing.T) {
	fx := newFixture(t)
	ann := raw(t, protocol.AnnouncePayload{Name: "Lamp"})
	topic := protocol.Topic{DeviceID: "lamp01", Leaf: protocol.LeafAnnounce}

	fx.handler.HandleInbound(topic, ann, protocol.TransportMQTT)
	fx.handler.HandleInbound(topic, ann, protocol.TransportMQTT)

	fx.broker.mu.Lock()
	defer fx.broker.mu.Unlock()
	if len(fx.broker.messages) != 1 {
		t.Errorf("claims sent = %d, want 1", len(fx.broker.messages))
	}
}

func TestEventsResolvePendingCommand(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "lamp01", Leaf: protocol.LeafAnnounce},
		raw(t, protocol.AnnouncePayload{Name: "Lamp", Tools: []protocol.ToolDescriptor{{Name: "on"}}}),
		protocol.TransportMQTT,
	)

	type invokeResult struct {
		res *command.Result
		err error
	}
	done := make(chan invokeResult, 1)
	go func() {
		res, err := fx.commands.Invoke(context.Background(), "lamp01", "on", nil, 2*time.Second)
		done <- invokeResult{res, err}
	}()

	// Wait for the command frame to hit the broker, then answer it.
	var requestID string
	deadline := time.Now().Add(2 * time.Second)
	for requestID == "" {
		if time.Now().After(deadline) {
			t.Fatal("command frame never published")
		}
		fx.broker.mu.Lock()
		for _, msg := range fx.broker.messages {
			if msg.topic != "mcp/dev/lamp01/cmd" {
				continue
			}
			var signed protocol.SignedCommand
			if err := json.Unmarshal(msg.payload, &signed); err != nil || signed.Data == "" {
				t.Fatalf("command frame not signed: %s", msg.payload)
			}
			var body protocol.CommandBody
			if err := json.Unmarshal([]byte(signed.Data), &body); err != nil {
				t.Fatal(err)
			}
			requestID = body.RequestID
		}
		fx.broker.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}

	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "lamp01", Leaf: protocol.LeafEvents},
		raw(t, map[string]any{"request_id": requestID, "result": map[string]any{"text": "done"}}),
		protocol.TransportMQTT,
	)

	out := <-done
	if out.err != nil {
		t.Fatal(out.err)
	}
	result, _ := out.res.Payload["result"].(map[string]any)
	if result["text"] != "done" {
		t.Errorf("payload = %v", out.res.Payload)
	}
}

func TestPortsDataRoutesThroughMatrix(t *testing.T) {
	fx := newFixture(t)
	// Target announces on the stream transport.
	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "fan01", Leaf: protocol.LeafAnnounce},
		raw(t, protocol.AnnouncePayload{Name: "Fan"}),
		protocol.TransportStream,
	)
	matrix := ports.NewMatrix("", nil)
	_, _ = matrix.Connect("sensor01/temp", "fan01/speed", ports.Transform{}, "")
	fx.portRouter = ports.NewRouter(matrix, fx.dispatcher, nil)
	projStore := projection.NewStore("", nil)
	fx.handler = NewHandler(fx.devices, fx.commands, fx.portStore, fx.portRouter, projStore, projection.NewToolRegistry(projStore, fx.devices, nil), nil)

	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "sensor01", Leaf: protocol.LeafPortsData},
		raw(t, protocol.PortsDataPayload{Port: "temp", Value: 30}),
		protocol.TransportMQTT,
	)

	fx.stream.mu.Lock()
	defer fx.stream.mu.Unlock()
	if len(fx.stream.frames) != 1 {
		t.Fatalf("stream frames = %d", len(fx.stream.frames))
	}
	if fx.stream.frames[0].Topic != "mcp/dev/fan01/ports/set" {
		t.Errorf("topic = %q", fx.stream.frames[0].Topic)
	}
	var ps protocol.PortsSetPayload
	if err := json.Unmarshal(fx.stream.frames[0].Payload, &ps); err != nil {
		t.Fatal(err)
	}
	// Stream devices key on the dotted discriminator, not the topic leaf.
	if ps.Type != protocol.PortsSetType && ps.Type != "ports.set" {
		t.Errorf("type = %q, want %q", ps.Type, "ports.set")
	}
	if ps.Port != "speed" || ps.Value != 30 {
		t.Errorf("ports/set payload = %+v", ps)
	}
}

func TestStreamClosedFailsPending(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "cam01", Leaf: protocol.LeafAnnounce},
		raw(t, protocol.AnnouncePayload{Name: "Cam", Tools: []protocol.ToolDescriptor{{Name: "snap"}}}),
		protocol.TransportStream,
	)

	errs := make(chan error, 1)
	go func() {
		res, err := fx.commands.Invoke(context.Background(), "cam01", "snap", nil, 5*time.Second)
		if err == nil {
			errObj, _ := res.Payload["error"].(map[string]any)
			if errObj["code"] != protocol.CodeSendFailed {
				errs <- context.DeadlineExceeded
				return
			}
		}
		errs <- nil
	}()

	// Give the invoke a moment to register its mailbox.
	deadline := time.Now().Add(2 * time.Second)
	for fx.commands.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fx.handler.StreamClosed("cam01")

	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("pending command not failed with send_failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command rode out its timeout")
	}

	if rec, _ := fx.devices.Get("cam01"); rec.Online {
		t.Error("device still online after stream close")
	}
}

func TestPortsAnnounceStored(t *testing.T) {
	fx := newFixture(t)
	fx.handler.HandleInbound(
		protocol.Topic{DeviceID: "sensor01", Leaf: protocol.LeafPortsAnnounce},
		raw(t, protocol.PortsAnnouncePayload{Outports: []protocol.PortDescriptor{{Name: "temp"}}}),
		protocol.TransportMQTT,
	)
	if !fx.portStore.HasOutport("sensor01", "temp") {
		t.Error("ports announce not stored")
	}
}

func TestMalformedPayloadsIgnored(t *testing.T) {
	fx := newFixture(t)
	for _, leaf := range []string{
		protocol.LeafAnnounce, protocol.LeafStatus, protocol.LeafEvents,
		protocol.LeafPortsAnnounce, protocol.LeafPortsData,
	} {
		fx.handler.HandleInbound(
			protocol.Topic{DeviceID: "dev", Leaf: leaf},
			json.RawMessage(`not-json`),
			protocol.TransportMQTT,
		)
	}
	if _, ok := fx.devices.Get("dev"); ok {
		t.Error("malformed announce created a device")
	}
}

func TestDispatcherUnknownDevice(t *testing.T) {
	fx := newFixture(t)
	if err := fx.dispatcher.SendCommand("ghost", []byte(`{}`)); err == nil {
		t.Error("send to unknown device succeeded")
	}
}
