// Package reflex implements the rule runtime: declarative trigger→action
// rules loaded from a watched directory, ticked every second, with cooldowns,
// lifecycles, and a persisted execution history.
package reflex

import (
	"context"
	"time"
)

// Lifecycle types.
const (
	LifecyclePersistent = "persistent"
	LifecycleTemporary  = "temporary"
	LifecycleMaxRuns    = "max_runs"
)

// Trigger types.
const (
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
	TriggerIPCEvent = "ipc_event"
)

// Action types.
const (
	ActionTool = "tool"
	ActionLLM  = "llm"
)

// Event types fed to triggers each tick.
const (
	EventScheduleTick = "schedule_tick"
	EventIPC          = "ipc_event"
)

// Lifecycle bounds how long a reflex stays active.
type Lifecycle struct {
	Type    string `yaml:"type" json:"type"`
	TTLSec  int    `yaml:"ttl_sec,omitempty" json:"ttl_sec,omitempty"`
	MaxRuns int    `yaml:"max_runs,omitempty" json:"max_runs,omitempty"`
}

// TriggerConfig is the declarative trigger half of a rule.
type TriggerConfig struct {
	Type string `yaml:"type" json:"type"`
	Cron string `yaml:"cron,omitempty" json:"cron,omitempty"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// ActionConfig is the declarative action half of a rule.
type ActionConfig struct {
	Type      string         `yaml:"type" json:"type"`
	Tool      string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Arguments map[string]any `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Prompt    string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	System    string         `yaml:"system,omitempty" json:"system,omitempty"`
}

// Definition is one rule as written in its file.
type Definition struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Trigger     TriggerConfig  `yaml:"trigger" json:"trigger"`
	Action      ActionConfig   `yaml:"action" json:"action"`
	Tools       []string       `yaml:"tools,omitempty" json:"tools,omitempty"`
	Lifecycle   Lifecycle      `yaml:"lifecycle" json:"lifecycle"`
	CooldownSec int            `yaml:"cooldown_sec,omitempty" json:"cooldown_sec,omitempty"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	State       map[string]any `yaml:"state,omitempty" json:"state,omitempty"`
}

// Status is the externally visible runtime view of one reflex.
type Status struct {
	Definition Definition `json:"definition"`
	SourceFile string     `json:"source_file"`
	Runs       int        `json:"runs"`
	LastRun    time.Time  `json:"last_run,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Expired    bool       `json:"expired"`
	Running    bool       `json:"running"`
}

// Event is one unit of trigger input: the per-tick schedule event or an
// external IPC event.
type Event struct {
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ToolCall is one tool invocation made during an action execution.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ExecutionRecord is one appended history row.
type ExecutionRecord struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ReflexID       string         `json:"reflex_id"`
	ReflexName     string         `json:"reflex_name"`
	TriggerType    string         `json:"trigger_type"`
	TriggerContext map[string]any `json:"trigger_context,omitempty"`
	ActionType     string         `json:"action_type"`
	Status         string         `json:"status"`
	Output         string         `json:"output,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// Execution statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// ToolInfo describes one tool on the external surface, for LLM exposure and
// load-time validation.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolSurface is the slice of the external tool surface actions call into.
type ToolSurface interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	ListTools() []ToolInfo
}

// trigger is one live trigger instance with its runtime state.
type trigger interface {
	// Check reports whether the trigger fires for this event, with the
	// trigger context bound into action templates.
	Check(event Event, now time.Time) (bool, map[string]any)
}

// action executes the rule body once.
type action interface {
	Execute(ctx context.Context, in ActionInput) (output string, calls []ToolCall, err error)
}

// ActionInput is everything an action may reference.
type ActionInput struct {
	Event          Event
	State          map[string]any
	TriggerContext map[string]any
	Tools          ToolSurface
	AllowedTools   []string
}
