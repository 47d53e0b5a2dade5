package command

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

type fakeDevices struct {
	records map[string]registry.DeviceRecord
	tokens  map[string]string
}

func (f *fakeDevices) Get(id string) (registry.DeviceRecord, bool) {
	rec, ok := f.records[id]
	return rec, ok
}

func (f *fakeDevices) Token(id string) (string, bool) {
	tok, ok := f.tokens[id]
	return tok, ok && tok != ""
}

type fakeOutbound struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (f *fakeOutbound) SendCommand(deviceID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeOutbound) last(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("no frame sent")
	}
	var out map[string]any
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &out); err != nil {
		t.Fatalf("frame not JSON: %v", err)
	}
	return out
}

func onlineDevice(id string, tools ...protocol.ToolDescriptor) registry.DeviceRecord {
	return registry.DeviceRecord{DeviceID: id, Online: true, Tools: tools, Protocol: protocol.TransportMQTT}
}

func newTestRouter(devs *fakeDevices, out *fakeOutbound) *Router {
	return NewRouter(devs, out, 5*time.Second)
}

func TestInvokeUnknownDevice(t *testing.T) {
	r := newTestRouter(&fakeDevices{records: map[string]registry.DeviceRecord{}}, &fakeOutbound{})
	_, err := r.Invoke(context.Background(), "ghost", "read", nil, 0)
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeUnknownDevice {
		t.Fatalf("err = %v, want unknown_device", err)
	}
}

func TestInvokeOfflineDevice(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"dev1": {DeviceID: "dev1", Online: false},
	}}
	r := newTestRouter(devs, &fakeOutbound{})
	_, err := r.Invoke(context.Background(), "dev1", "read", nil, 0)
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeDeviceOffline {
		t.Fatalf("err = %v, want device_offline", err)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"dev1": onlineDevice("dev1", protocol.ToolDescriptor{Name: "read"}),
	}}
	r := newTestRouter(devs, &fakeOutbound{})
	_, err := r.Invoke(context.Background(), "dev1", "explode", nil, 0)
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeUnknownTool {
		t.Fatalf("err = %v, want unknown_tool", err)
	}
}

func TestInvokeResolvesOnEvent(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"sensor01": onlineDevice("sensor01", protocol.ToolDescriptor{Name: "read"}),
	}}
	out := &fakeOutbound{}
	r := newTestRouter(devs, out)

	done := make(chan struct{})
	var result *Result
	var invokeErr error
	go func() {
		defer close(done)
		result, invokeErr = r.Invoke(context.Background(), "sensor01", "read", map[string]any{}, time.Second)
	}()

	// Wait for the frame to hit the wire, then answer it.
	var frame map[string]any
	deadline := time.Now().Add(time.Second)
	for {
		out.mu.Lock()
		n := len(out.frames)
		out.mu.Unlock()
		if n > 0 {
			frame = out.last(t)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command frame never sent")
		}
		time.Sleep(time.Millisecond)
	}

	requestID, _ := frame["request_id"].(string)
	if !regexp.MustCompile(`^[0-9a-f]{32}$`).MatchString(requestID) {
		t.Fatalf("request_id = %q, want 32 hex chars", requestID)
	}
	if frame["type"] != protocol.CommandType || frame["tool"] != "read" {
		t.Errorf("frame = %v", frame)
	}

	if !r.Resolve(requestID, map[string]any{"request_id": requestID, "result": map[string]any{"text": "42"}}) {
		t.Fatal("Resolve found no mailbox")
	}
	<-done

	if invokeErr != nil {
		t.Fatalf("Invoke: %v", invokeErr)
	}
	res, _ := result.Payload["result"].(map[string]any)
	if res["text"] != "42" {
		t.Errorf("payload = %v", result.Payload)
	}
}

func TestInvokeTimeout(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"sensor01": onlineDevice("sensor01"),
	}}
	r := newTestRouter(devs, &fakeOutbound{})

	start := time.Now()
	result, err := r.Invoke(context.Background(), "sensor01", "read", nil, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned before timeout: %s", elapsed)
	}
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if result == nil || result.RequestID == "" {
		t.Error("timeout result should still carry the request id")
	}
	if r.PendingCount() != 0 {
		t.Error("mailbox leaked after timeout")
	}
}

func TestInvokeSendFailed(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"sensor01": onlineDevice("sensor01"),
	}}
	r := newTestRouter(devs, &fakeOutbound{err: errors.New("broken pipe")})

	_, err := r.Invoke(context.Background(), "sensor01", "read", nil, 0)
	var cmdErr *protocol.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeSendFailed {
		t.Fatalf("err = %v, want send_failed", err)
	}
	if r.PendingCount() != 0 {
		t.Error("mailbox leaked after send failure")
	}
}

func TestInvokeSignsWhenTokenKnown(t *testing.T) {
	devs := &fakeDevices{
		records: map[string]registry.DeviceRecord{"sensor01": onlineDevice("sensor01")},
		tokens:  map[string]string{"sensor01": "topsecret"},
	}
	out := &fakeOutbound{}
	pinned := time.Unix(1700000000, 0)
	r := NewRouter(devs, out, 5*time.Second, WithNow(func() time.Time { return pinned }))

	go func() {
		_, _ = r.Invoke(context.Background(), "sensor01", "read", map[string]any{}, 200*time.Millisecond)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		out.mu.Lock()
		n := len(out.frames)
		out.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no frame sent")
		}
		time.Sleep(time.Millisecond)
	}

	frame := out.last(t)
	data, _ := frame["data"].(string)
	signature, _ := frame["signature"].(string)
	if data == "" || signature == "" {
		t.Fatalf("expected signed envelope, got %v", frame)
	}
	if !VerifyCommand("topsecret", protocol.SignedCommand{Data: data, Signature: signature}) {
		t.Error("signature does not verify against the data string")
	}

	var inner protocol.CommandBody
	if err := json.Unmarshal([]byte(data), &inner); err != nil {
		t.Fatalf("inner data not a command body: %v", err)
	}
	if inner.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d, want pinned 1700000000", inner.Timestamp)
	}
}

func TestResolveAtMostOnce(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"sensor01": onlineDevice("sensor01"),
	}}
	r := newTestRouter(devs, &fakeOutbound{})

	done := make(chan *Result, 1)
	go func() {
		res, _ := r.Invoke(context.Background(), "sensor01", "read", nil, time.Second)
		done <- res
	}()

	deadline := time.Now().Add(time.Second)
	var requestID string
	for requestID == "" {
		r.mu.Lock()
		for id := range r.pending {
			requestID = id
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no pending request appeared")
		}
		time.Sleep(time.Millisecond)
	}

	if !r.Resolve(requestID, map[string]any{"result": map[string]any{"text": "first"}}) {
		t.Fatal("first resolve failed")
	}
	if r.Resolve(requestID, map[string]any{"result": map[string]any{"text": "second"}}) {
		t.Error("second resolve for same request id should be dropped")
	}

	res := <-done
	inner, _ := res.Payload["result"].(map[string]any)
	if inner["text"] != "first" {
		t.Errorf("caller saw %v, want the first resolution", res.Payload)
	}
}

func TestFailPendingOnDisconnect(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{
		"cam": onlineDevice("cam"),
	}}
	r := newTestRouter(devs, &fakeOutbound{})

	errs := make(chan map[string]any, 1)
	go func() {
		res, _ := r.Invoke(context.Background(), "cam", "snap", nil, 2*time.Second)
		errs <- res.Payload
	}()

	deadline := time.Now().Add(time.Second)
	for r.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pending request appeared")
		}
		time.Sleep(time.Millisecond)
	}

	if n := r.FailPending("cam"); n != 1 {
		t.Fatalf("FailPending = %d, want 1", n)
	}
	payload := <-errs
	errObj, _ := payload["error"].(map[string]any)
	if errObj["code"] != protocol.CodeSendFailed {
		t.Errorf("payload = %v, want send_failed error", payload)
	}
}

func TestConcurrentRequestIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewRequestID()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate request id %s", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
}

func TestAssetCache(t *testing.T) {
	devs := &fakeDevices{records: map[string]registry.DeviceRecord{}}
	r := newTestRouter(devs, &fakeOutbound{})

	payload := map[string]any{"result": map[string]any{"assets": []any{map[string]any{"url": "http://x/1.jpg"}}}}
	r.Resolve("req-1", payload)

	cached, ok := r.Asset("req-1")
	if !ok {
		t.Fatal("asset not cached")
	}
	if _, ok := cached["result"]; !ok {
		t.Errorf("cached = %v", cached)
	}
	if _, ok := r.Asset("req-unknown"); ok {
		t.Error("unknown request id returned an asset")
	}
}
