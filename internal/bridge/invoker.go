package bridge

import (
	"context"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/command"
)

// ToolInvoker adapts the command router to consumers that want just the
// event payload (the virtual tool executor, reflex actions).
type ToolInvoker struct {
	commands *command.Router
}

// NewToolInvoker wraps a command router.
func NewToolInvoker(commands *command.Router) *ToolInvoker {
	return &ToolInvoker{commands: commands}
}

// InvokeTool dispatches one device command and returns the event payload.
func (i *ToolInvoker) InvokeTool(ctx context.Context, deviceID, tool string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	res, err := i.commands.Invoke(ctx, deviceID, tool, args, timeout)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}
