package virtual

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

type fakeDevices struct {
	records map[string]registry.DeviceRecord
}

func (d *fakeDevices) Get(deviceID string) (registry.DeviceRecord, bool) {
	rec, ok := d.records[deviceID]
	return rec, ok
}

type call struct {
	deviceID string
	tool     string
	args     map[string]any
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []call
	failFor map[string]error
}

func (f *fakeInvoker) InvokeTool(ctx context.Context, deviceID, tool string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{deviceID, tool, args})
	f.mu.Unlock()
	if err, ok := f.failFor[deviceID]; ok {
		return nil, err
	}
	return map[string]any{"result": map[string]any{"text": "ok"}}, nil
}

func (f *fakeInvoker) callFor(deviceID string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.deviceID == deviceID {
			return c, true
		}
	}
	return call{}, false
}

func onlineDevice(id string, tools ...protocol.ToolDescriptor) registry.DeviceRecord {
	return registry.DeviceRecord{DeviceID: id, Online: true, Tools: tools}
}

func TestStoreUpsertValidation(t *testing.T) {
	s := NewStore("", nil)
	if _, err := s.Upsert("", "", nil); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := s.Upsert("x", "", []Binding{{DeviceID: "d"}}); err == nil {
		t.Error("binding without tool accepted")
	}
	if _, err := s.Upsert("all_off", "turn everything off", nil); err != nil {
		t.Errorf("empty bindings rejected: %v", err)
	}
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtual_tools.json")
	s := NewStore(path, nil)
	_, err := s.Upsert("all_lights", "", []Binding{
		{DeviceID: "lamp01", Tool: "set_power"},
		{DeviceID: "lamp02", Tool: "set_power", ArgsMap: map[string]string{"on": "power"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(path, nil)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	vt, ok := s2.Get("all_lights")
	if !ok || len(vt.Bindings) != 2 {
		t.Fatalf("reloaded tool = %+v, ok=%v", vt, ok)
	}
	if vt.Bindings[1].ArgsMap["on"] != "power" {
		t.Error("args_map lost in round trip")
	}
}

func TestStoreUpsertKeepsCreatedAt(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s := NewStore("", nil, WithNow(func() time.Time { return clock }))

	first, _ := s.Upsert("vt", "", nil)
	clock = base.Add(time.Hour)
	second, _ := s.Upsert("vt", "updated", nil)

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("UpdatedAt not advanced")
	}
}

func TestSchemaUnionAnnotatesCollisions(t *testing.T) {
	devices := &fakeDevices{records: map[string]registry.DeviceRecord{
		"lamp01": onlineDevice("lamp01", protocol.ToolDescriptor{
			Name: "set_power",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"on":         map[string]any{"type": "boolean", "description": "power state"},
					"brightness": map[string]any{"type": "number"},
				},
			},
		}),
		"fan01": onlineDevice("fan01", protocol.ToolDescriptor{
			Name: "set_power",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"on": map[string]any{"type": "boolean"},
				},
			},
		}),
	}}
	s := NewStore("", nil)
	vt, _ := s.Upsert("all_power", "", []Binding{
		{DeviceID: "lamp01", Tool: "set_power"},
		{DeviceID: "fan01", Tool: "set_power"},
	})
	e := NewExecutor(s, devices, &fakeInvoker{}, nil)

	schema := e.Schema(vt)
	props := schema["properties"].(map[string]any)
	if len(props) != 2 {
		t.Fatalf("properties = %v", props)
	}
	on := props["on"].(map[string]any)
	desc, _ := on["description"].(string)
	if !strings.Contains(desc, "fan01/set_power") || !strings.Contains(desc, "lamp01/set_power") {
		t.Errorf("collision not annotated: %q", desc)
	}
	if req, ok := schema["required"].([]string); !ok || len(req) != 0 {
		t.Errorf("required = %v", schema["required"])
	}
	// single-origin property keeps its schema untouched
	if _, has := props["brightness"].(map[string]any)["description"]; has {
		t.Error("single-origin property gained a description")
	}
}

func TestExecuteSkipsOfflineAndAggregates(t *testing.T) {
	devices := &fakeDevices{records: map[string]registry.DeviceRecord{
		"lamp01": onlineDevice("lamp01", protocol.ToolDescriptor{Name: "set_power"}),
		"lamp02": {DeviceID: "lamp02", Online: false},
	}}
	inv := &fakeInvoker{}
	s := NewStore("", nil)
	_, _ = s.Upsert("all", "", []Binding{
		{DeviceID: "lamp01", Tool: "set_power"},
		{DeviceID: "lamp02", Tool: "set_power"},
		{DeviceID: "ghost", Tool: "set_power"},
	})
	e := NewExecutor(s, devices, inv, nil)

	res, err := e.Execute(context.Background(), "all", map[string]any{"on": true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || res.Success != 1 || res.Skipped != 2 || res.Failed != 0 {
		t.Errorf("aggregate = %+v", res)
	}
	if !res.OK {
		t.Error("skipped bindings should not fail the aggregate")
	}
	if res.Results[1].Reason != "Device is offline" {
		t.Errorf("skip reason = %q", res.Results[1].Reason)
	}
	if res.Results[1].Error != "Device is offline" {
		t.Errorf("skip error = %q", res.Results[1].Error)
	}
	if len(inv.calls) != 1 || inv.calls[0].deviceID != "lamp01" {
		t.Errorf("calls = %+v", inv.calls)
	}
}

func TestExecuteFailureBreaksAggregate(t *testing.T) {
	devices := &fakeDevices{records: map[string]registry.DeviceRecord{
		"a": onlineDevice("a", protocol.ToolDescriptor{Name: "t"}),
		"b": onlineDevice("b", protocol.ToolDescriptor{Name: "t"}),
	}}
	inv := &fakeInvoker{failFor: map[string]error{
		"b": protocol.NewCommandError(protocol.CodeTimeout, "no event"),
	}}
	s := NewStore("", nil)
	_, _ = s.Upsert("pair", "", []Binding{
		{DeviceID: "a", Tool: "t"},
		{DeviceID: "b", Tool: "t"},
	})
	e := NewExecutor(s, devices, inv, nil)

	res, err := e.Execute(context.Background(), "pair", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK || res.Success != 1 || res.Failed != 1 {
		t.Errorf("aggregate = %+v", res)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := NewExecutor(NewStore("", nil), &fakeDevices{}, &fakeInvoker{}, nil)
	if _, err := e.Execute(context.Background(), "missing", nil); err == nil {
		t.Error("unknown virtual tool succeeded")
	}
}

func TestBindingArgsMapping(t *testing.T) {
	devices := &fakeDevices{records: map[string]registry.DeviceRecord{
		"mapped": onlineDevice("mapped", protocol.ToolDescriptor{Name: "t"}),
		"schemaful": onlineDevice("schemaful", protocol.ToolDescriptor{
			Name: "t",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"level": map[string]any{"type": "number"}},
			},
		}),
		"schemaless": onlineDevice("schemaless", protocol.ToolDescriptor{Name: "t"}),
	}}
	inv := &fakeInvoker{}
	s := NewStore("", nil)
	_, _ = s.Upsert("combo", "", []Binding{
		{DeviceID: "mapped", Tool: "t", ArgsMap: map[string]string{"power": "on"}},
		{DeviceID: "schemaful", Tool: "t"},
		{DeviceID: "schemaless", Tool: "t"},
	})
	e := NewExecutor(s, devices, inv, nil)

	args := map[string]any{"on": true, "level": 0.5, "extra": "x"}
	if _, err := e.Execute(context.Background(), "combo", args); err != nil {
		t.Fatal(err)
	}

	c, _ := inv.callFor("mapped")
	if len(c.args) != 1 || c.args["power"] != true {
		t.Errorf("args_map call = %v", c.args)
	}
	c, _ = inv.callFor("schemaful")
	if len(c.args) != 1 || c.args["level"] != 0.5 {
		t.Errorf("schema-filtered call = %v", c.args)
	}
	c, _ = inv.callFor("schemaless")
	if len(c.args) != 3 {
		t.Errorf("schemaless call should pass everything: %v", c.args)
	}
}
