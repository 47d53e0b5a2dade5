package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/reflex"
)

// Surface adapts the dynamic tool set for in-process callers, primarily the
// reflex engine. Names match what MCP clients see: projected tool keys and
// virtual tool names.
type Surface struct {
	deps Deps
}

// Surface returns the in-process view of this server's tool set.
func (s *Server) Surface() *Surface {
	return &Surface{deps: s.deps}
}

// CallTool invokes a projected or virtual tool by its surface name and
// returns the result as a JSON string.
func (s *Surface) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if pt, ok := s.deps.Tools.Get(name); ok {
		payload, err := s.deps.Invoker.InvokeTool(ctx, pt.DeviceID, pt.OriginalName, args, 0)
		if err != nil {
			return "", err
		}
		return encodeResult(payload)
	}
	if _, ok := s.deps.Virtual.Get(name); ok {
		result, err := s.deps.Executor.Execute(ctx, name, args)
		if err != nil {
			return "", err
		}
		return encodeResult(result)
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

// ListTools enumerates the current surface: projected tools first, then
// virtual tools.
func (s *Surface) ListTools() []reflex.ToolInfo {
	var out []reflex.ToolInfo
	for _, pt := range s.deps.Tools.List() {
		out = append(out, reflex.ToolInfo{
			Name:        pt.ToolKey,
			Description: pt.Description,
			Schema:      pt.Parameters,
		})
	}
	for _, vt := range s.deps.Virtual.List() {
		out = append(out, reflex.ToolInfo{
			Name:        vt.Name,
			Description: vt.Description,
			Schema:      s.deps.Executor.Schema(vt),
		})
	}
	return out
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}
