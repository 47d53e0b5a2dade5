package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

const (
	// poolSize bounds concurrent binding dispatches per execution.
	poolSize = 10
	// callTimeout bounds each individual binding call.
	callTimeout = 30 * time.Second
)

// DeviceView is the registry slice the executor needs.
type DeviceView interface {
	Get(deviceID string) (registry.DeviceRecord, bool)
}

// Invoker dispatches one device command; satisfied by the command router.
type Invoker interface {
	InvokeTool(ctx context.Context, deviceID, tool string, args map[string]any, timeout time.Duration) (map[string]any, error)
}

// BindingResult is the per-binding outcome of one execution.
type BindingResult struct {
	DeviceID string         `json:"device_id"`
	Tool     string         `json:"tool"`
	OK       bool           `json:"ok"`
	Skipped  bool           `json:"skipped,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ExecutionResult aggregates all binding outcomes. OK means every submitted
// binding succeeded; skipped bindings do not count against it.
type ExecutionResult struct {
	Tool    string          `json:"tool"`
	OK      bool            `json:"ok"`
	Total   int             `json:"total"`
	Success int             `json:"success"`
	Failed  int             `json:"failed"`
	Skipped int             `json:"skipped"`
	Results []BindingResult `json:"results"`
}

// Executor runs virtual tools: schema synthesis and parallel fan-out.
type Executor struct {
	store   *Store
	devices DeviceView
	invoker Invoker
	logger  *slog.Logger
}

// NewExecutor creates a virtual tool executor.
func NewExecutor(store *Store, devices DeviceView, invoker Invoker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   store,
		devices: devices,
		invoker: invoker,
		logger:  logger.With("component", "virtual.executor"),
	}
}

// Schema synthesizes the external JSON schema of a virtual tool by unioning
// the parameter schemas of its bound tools. Properties declared by more than
// one binding collapse to a single entry annotated with the originating
// tools. All parameters are optional on the external surface.
func (e *Executor) Schema(vt Tool) map[string]any {
	props := make(map[string]any)
	origins := make(map[string][]string)

	for _, b := range vt.Bindings {
		params := e.toolParams(b)
		bindingProps, _ := params["properties"].(map[string]any)
		for name, schema := range bindingProps {
			origins[name] = append(origins[name], b.DeviceID+"/"+b.Tool)
			if _, exists := props[name]; !exists {
				props[name] = cloneSchema(schema)
			}
		}
	}

	for name, from := range origins {
		if len(from) < 2 {
			continue
		}
		if m, ok := props[name].(map[string]any); ok {
			desc, _ := m["description"].(string)
			sort.Strings(from)
			note := "Used by: " + strings.Join(from, ", ")
			if desc != "" {
				m["description"] = desc + " (" + note + ")"
			} else {
				m["description"] = note
			}
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   []string{},
	}
}

// Execute runs every binding of a virtual tool in parallel and aggregates
// the outcomes. Offline devices are skipped, not failed.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (ExecutionResult, error) {
	vt, ok := e.store.Get(name)
	if !ok {
		return ExecutionResult{}, fmt.Errorf("virtual tool %q not found", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	results := make([]BindingResult, len(vt.Bindings))
	var submitted []int
	for i, b := range vt.Bindings {
		rec, known := e.devices.Get(b.DeviceID)
		if !known || !rec.Online {
			// Mirrored into Error so callers reading either field see why
			// the binding did not run.
			results[i] = BindingResult{
				DeviceID: b.DeviceID,
				Tool:     b.Tool,
				Skipped:  true,
				Reason:   "Device is offline",
				Error:    "Device is offline",
			}
			continue
		}
		submitted = append(submitted, i)
	}

	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup
	for _, i := range submitted {
		b := vt.Bindings[i]
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.runBinding(ctx, b, args)
		}()
	}
	wg.Wait()

	agg := ExecutionResult{Tool: name, Total: len(vt.Bindings), Results: results}
	for _, r := range results {
		switch {
		case r.Skipped:
			agg.Skipped++
		case r.OK:
			agg.Success++
		default:
			agg.Failed++
		}
	}
	agg.OK = agg.Success == agg.Total-agg.Skipped

	e.logger.Info("virtual tool executed",
		"name", name,
		"ok", agg.OK,
		"success", agg.Success,
		"failed", agg.Failed,
		"skipped", agg.Skipped,
	)
	return agg, nil
}

func (e *Executor) runBinding(ctx context.Context, b Binding, args map[string]any) BindingResult {
	callArgs := e.bindingArgs(b, args)
	payload, err := e.invoker.InvokeTool(ctx, b.DeviceID, b.Tool, callArgs, callTimeout)
	res := BindingResult{DeviceID: b.DeviceID, Tool: b.Tool}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Payload = payload
	return res
}

// bindingArgs computes the argument set for one binding: an explicit
// args_map wins; otherwise args are filtered to the keys the bound tool
// declares; with no schema available everything passes through.
func (e *Executor) bindingArgs(b Binding, args map[string]any) map[string]any {
	if len(b.ArgsMap) > 0 {
		out := make(map[string]any, len(b.ArgsMap))
		for target, source := range b.ArgsMap {
			if v, ok := args[source]; ok {
				out[target] = v
			}
		}
		return out
	}

	params := e.toolParams(b)
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return args
	}
	out := make(map[string]any)
	for name := range props {
		if v, exists := args[name]; exists {
			out[name] = v
		}
	}
	return out
}

func (e *Executor) toolParams(b Binding) map[string]any {
	rec, ok := e.devices.Get(b.DeviceID)
	if !ok {
		return nil
	}
	for _, td := range rec.Tools {
		if td.Name == b.Tool {
			return td.Parameters
		}
	}
	return nil
}

func cloneSchema(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = cloneSchema(val)
	}
	return out
}
