package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
)

// arguments extracts the call arguments, never returning nil.
func arguments(req mcp.CallToolRequest) map[string]any {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// rawSchema marshals a schema map, falling back to an open object.
func rawSchema(schema map[string]any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return data
}

// jsonResult wraps any value as a JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func floatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key].(float64)
	return v, ok
}

func (s *Server) registerBuiltins() {
	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"invoke",
		"Invoke a tool on a device by id. Generic fallback when no projected tool exists.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"device_id": {"type": "string", "description": "Target device id"},
				"tool": {"type": "string", "description": "Tool name as the device declared it"},
				"args": {"type": "object", "description": "Tool arguments"}
			},
			"required": ["device_id", "tool"]
		}`),
	), s.handleInvoke)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"list_devices",
		"List known devices. Offline devices are hidden unless show_offline is true.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"show_offline": {"type": "boolean"}
			}
		}`),
	), s.handleListDevices)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"get_tools",
		"List the tools a device declared, with their schemas.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"device_id": {"type": "string"}
			},
			"required": ["device_id"]
		}`),
	), s.handleGetTools)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"list_ports",
		"List every declared inport and outport across all devices.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	), s.handleListPorts)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"connect_ports",
		"Create or replace a routing edge from an outport to an inport. Port ids are {device_id}/{port_name}.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {"type": "string", "description": "Source outport, {device_id}/{port_name}"},
				"target": {"type": "string", "description": "Target inport, {device_id}/{port_name}"},
				"scale": {"type": "number"},
				"offset": {"type": "number"},
				"threshold": {"type": "number"},
				"description": {"type": "string"}
			},
			"required": ["source", "target"]
		}`),
	), s.handleConnectPorts)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"disconnect_ports",
		"Remove the routing edge between a source and target port.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"source": {"type": "string"},
				"target": {"type": "string"}
			},
			"required": ["source", "target"]
		}`),
	), s.handleDisconnectPorts)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"get_routing_matrix",
		"List all routing edges with their transforms.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	), s.handleGetRoutingMatrix)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"set_inport_value",
		"Send one value directly to a device inport, bypassing the routing matrix.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"device_id": {"type": "string"},
				"port_name": {"type": "string"},
				"value": {"type": "number"}
			},
			"required": ["device_id", "port_name", "value"]
		}`),
	), s.handleSetInportValue)

	s.mcp.AddTool(mcp.NewToolWithRawSchema(
		"get_routing_stats",
		"Aggregate routed/dropped/no-route counters for the port router.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	), s.handleGetRoutingStats)
}

func (s *Server) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	deviceID, err := stringArg(args, "device_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tool, err := stringArg(args, "tool")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toolArgs, _ := args["args"].(map[string]any)

	payload, err := s.deps.Invoker.InvokeTool(ctx, deviceID, tool, toolArgs, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(payload)
}

func (s *Server) handleListDevices(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	showOffline, _ := arguments(req)["show_offline"].(bool)
	return jsonResult(s.deps.Devices.List(showOffline))
}

func (s *Server) handleGetTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID, err := stringArg(arguments(req), "device_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, ok := s.deps.Devices.Get(deviceID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("device %q is not registered", deviceID)), nil
	}
	return jsonResult(map[string]any{
		"device_id": rec.DeviceID,
		"name":      rec.Name,
		"online":    rec.Online,
		"tools":     rec.Tools,
	})
}

func (s *Server) handleListPorts(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.PortStore.List())
}

func (s *Server) handleConnectPorts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	source, err := stringArg(args, "source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := stringArg(args, "target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var tr ports.Transform
	if v, ok := floatArg(args, "scale"); ok {
		tr.Scale = &v
	}
	if v, ok := floatArg(args, "offset"); ok {
		tr.Offset = &v
	}
	if v, ok := floatArg(args, "threshold"); ok {
		tr.Threshold = &v
	}
	description, _ := args["description"].(string)

	// Unknown endpoints are allowed, declarations may arrive later.
	if sd, sp, err := ports.SplitPortID(source); err == nil && !s.deps.PortStore.HasOutport(sd, sp) {
		s.logger.Warn("connecting undeclared outport", "source", source)
	}
	if td, tp, err := ports.SplitPortID(target); err == nil && !s.deps.PortStore.HasInport(td, tp) {
		s.logger.Warn("connecting undeclared inport", "target", target)
	}

	conn, err := s.deps.Matrix.Connect(source, target, tr, description)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(conn)
}

func (s *Server) handleDisconnectPorts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	source, err := stringArg(args, "source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	target, err := stringArg(args, "target")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	removed, err := s.deps.Matrix.Disconnect(source, target)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"removed": removed})
}

func (s *Server) handleGetRoutingMatrix(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Matrix.List())
}

func (s *Server) handleSetInportValue(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	deviceID, err := stringArg(args, "device_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port, err := stringArg(args, "port_name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	value, ok := floatArg(args, "value")
	if !ok {
		return mcp.NewToolResultError("value is required"), nil
	}
	if err := s.deps.PortSink.SendPortValue(deviceID, port, value); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"sent": true, "device_id": deviceID, "port": port, "value": value})
}

func (s *Server) handleGetRoutingStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.PortRouter.Stats())
}
