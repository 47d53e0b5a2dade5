package reflex

import (
	"context"
	"fmt"
	"time"
)

// newAction builds a live action instance from its config. llm may be nil
// when no provider is configured; tool actions never need it.
func newAction(cfg ActionConfig, llm *LLMClient) (action, error) {
	switch cfg.Type {
	case ActionTool:
		return &toolAction{tool: cfg.Tool, args: cfg.Arguments}, nil
	case ActionLLM:
		return &llmAction{prompt: cfg.Prompt, system: cfg.System, client: llm}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", cfg.Type)
	}
}

// actionScope binds the template roots for one execution.
func actionScope(in ActionInput) map[string]any {
	event := map[string]any{
		"type":      in.Event.Type,
		"name":      in.Event.Name,
		"data":      in.Event.Data,
		"timestamp": in.Event.Timestamp.UTC().Format(time.RFC3339),
	}
	return map[string]any{
		"event":   event,
		"state":   in.State,
		"trigger": in.TriggerContext,
	}
}

// toolAction invokes a single declared tool with templated arguments.
type toolAction struct {
	tool string
	args map[string]any
}

func (a *toolAction) Execute(ctx context.Context, in ActionInput) (string, []ToolCall, error) {
	args := SubstituteArgs(a.args, actionScope(in))
	result, err := in.Tools.CallTool(ctx, a.tool, args)
	call := ToolCall{Tool: a.tool, Args: args, Result: result}
	if err != nil {
		call.Error = err.Error()
		return "", []ToolCall{call}, fmt.Errorf("tool %s: %w", a.tool, err)
	}
	return result, []ToolCall{call}, nil
}
