package reflex

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultTick       = time.Second
	rescanInterval    = 10 * time.Second
	inventoryInterval = 30 * time.Second
	eventQueueSize    = 256
)

// runtimeRule is one loaded rule plus its live trigger/action state.
type runtimeRule struct {
	def       Definition
	file      string
	trig      trigger
	act       action
	runs      int
	lastRun   time.Time
	createdAt time.Time
	expired   bool
}

// Engine ticks triggers once a second, dispatches fired actions to
// goroutines, and hot-reloads rule files from its directory.
type Engine struct {
	dir     string
	history *History
	tools   ToolSurface
	llm     *LLMClient
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	mu       sync.Mutex
	rules    map[string]*runtimeRule
	inFlight map[string]bool

	events chan Event
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTickInterval overrides the 1s tick.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithLLM attaches the provider used by llm actions.
func WithLLM(client *LLMClient) Option {
	return func(e *Engine) { e.llm = client }
}

// NewEngine builds an engine over a rule directory. history may be nil when
// execution logging is disabled.
func NewEngine(dir string, tools ToolSurface, history *History, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		dir:      dir,
		history:  history,
		tools:    tools,
		logger:   logger.With("component", "reflex"),
		tick:     defaultTick,
		now:      time.Now,
		rules:    make(map[string]*runtimeRule),
		inFlight: make(map[string]bool),
		events:   make(chan Event, eventQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnqueueEvent queues a named external event for the next tick. A full queue
// drops the event.
func (e *Engine) EnqueueEvent(name string, data map[string]any) bool {
	ev := Event{Type: EventIPC, Name: name, Data: data, Timestamp: e.now()}
	select {
	case e.events <- ev:
		return true
	default:
		e.logger.Warn("event queue full, dropping", "event", name)
		return false
	}
}

// Start runs the tick loop until ctx is cancelled. It blocks.
func (e *Engine) Start(ctx context.Context) {
	e.reload()
	e.refreshInventory()

	watcher := e.startWatcher()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(e.tick)
	rescan := time.NewTicker(rescanInterval)
	inventory := time.NewTicker(inventoryInterval)
	defer ticker.Stop()
	defer rescan.Stop()
	defer inventory.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
			e.runTick(ctx, e.now())
		case <-rescan.C:
			e.reload()
		case <-inventory.C:
			e.refreshInventory()
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				watcher = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				e.reload()
			}
		}
	}
}

func (e *Engine) startWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn("file watcher unavailable, using periodic rescan only", "error", err)
		return nil
	}
	if err := watcher.Add(e.dir); err != nil {
		e.logger.Warn("cannot watch rule dir, using periodic rescan only", "dir", e.dir, "error", err)
		watcher.Close()
		return nil
	}
	go func() {
		for err := range watcher.Errors {
			e.logger.Warn("file watcher error", "error", err)
		}
	}()
	return watcher
}

// watcherEvents returns a nil channel when the watcher is absent, so the
// select arm never fires.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// runTick delivers this tick's events to every eligible rule: the schedule
// tick first, then whatever external events have queued up since last tick.
func (e *Engine) runTick(ctx context.Context, now time.Time) {
	events := []Event{{Type: EventScheduleTick, Timestamp: now}}
	for {
		select {
		case ev := <-e.events:
			events = append(events, ev)
			continue
		default:
		}
		break
	}

	e.mu.Lock()
	e.expireLocked(now)
	type firing struct {
		rule   *runtimeRule
		event  Event
		trgCtx map[string]any
	}
	var fired []firing
	for _, rule := range e.rules {
		if !rule.def.Enabled || rule.expired || e.inFlight[rule.def.ID] {
			continue
		}
		if cd := rule.def.CooldownSec; cd > 0 && !rule.lastRun.IsZero() &&
			now.Sub(rule.lastRun) < time.Duration(cd)*time.Second {
			continue
		}
		for _, ev := range events {
			ok, trgCtx := rule.trig.Check(ev, now)
			if !ok {
				continue
			}
			rule.runs++
			rule.lastRun = now
			e.inFlight[rule.def.ID] = true
			fired = append(fired, firing{rule: rule, event: ev, trgCtx: trgCtx})
			break
		}
	}
	e.mu.Unlock()

	for _, f := range fired {
		e.wg.Add(1)
		go e.execute(ctx, f.rule, f.event, f.trgCtx)
	}
}

func (e *Engine) execute(ctx context.Context, rule *runtimeRule, event Event, trgCtx map[string]any) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, rule.def.ID)
		e.mu.Unlock()
	}()

	in := ActionInput{
		Event:          event,
		State:          rule.def.State,
		TriggerContext: trgCtx,
		Tools:          e.tools,
		AllowedTools:   rule.def.Tools,
	}
	output, calls, err := rule.act.Execute(ctx, in)

	rec := ExecutionRecord{
		Timestamp:      e.now(),
		ReflexID:       rule.def.ID,
		ReflexName:     rule.def.Name,
		TriggerType:    rule.def.Trigger.Type,
		TriggerContext: trgCtx,
		ActionType:     rule.def.Action.Type,
		Status:         StatusSuccess,
		Output:         output,
		ToolCalls:      calls,
	}
	if err != nil {
		rec.Status = StatusError
		rec.ErrorMessage = err.Error()
		e.logger.Warn("reflex execution failed", "reflex", rule.def.ID, "error", err)
	} else {
		e.logger.Info("reflex executed", "reflex", rule.def.ID, "action", rule.def.Action.Type)
	}
	if e.history != nil {
		if herr := e.history.Append(rec); herr != nil {
			e.logger.Warn("history append failed", "reflex", rule.def.ID, "error", herr)
		}
	}
}

// expireLocked retires rules whose lifecycle has run out. Expired files go to
// the trash subdirectory; the rule stays listed as expired until its file is
// gone from the next reload. Caller holds e.mu.
func (e *Engine) expireLocked(now time.Time) {
	for _, rule := range e.rules {
		if rule.expired || e.inFlight[rule.def.ID] {
			continue
		}
		var done bool
		switch rule.def.Lifecycle.Type {
		case LifecycleTemporary:
			done = now.Sub(rule.createdAt) >= time.Duration(rule.def.Lifecycle.TTLSec)*time.Second
		case LifecycleMaxRuns:
			done = rule.runs >= rule.def.Lifecycle.MaxRuns
		}
		if !done {
			continue
		}
		rule.expired = true
		rule.def.Enabled = false
		trash := filepath.Join(e.dir, "trash")
		if err := moveToTrash(rule.file, trash); err != nil {
			e.logger.Warn("cannot retire rule file", "reflex", rule.def.ID, "error", err)
		} else {
			e.logger.Info("reflex expired", "reflex", rule.def.ID, "lifecycle", rule.def.Lifecycle.Type)
		}
	}
}

// reload rescans the rule directory. New rules are added, changed rules are
// rebuilt with fresh trigger state, and rules whose files vanished are
// dropped.
func (e *Engine) reload() {
	loaded := loadDir(e.dir, e.logger)
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(loaded))
	for _, lr := range loaded {
		seen[lr.def.ID] = true
		existing, ok := e.rules[lr.def.ID]
		if ok && reflect.DeepEqual(existing.def, lr.def) && existing.file == lr.file {
			continue
		}
		trig, err := newTrigger(lr.def.Trigger, now)
		if err != nil {
			e.logger.Warn("rule trigger rejected", "reflex", lr.def.ID, "error", err)
			continue
		}
		act, err := newAction(lr.def.Action, e.llm)
		if err != nil {
			e.logger.Warn("rule action rejected", "reflex", lr.def.ID, "error", err)
			continue
		}
		e.rules[lr.def.ID] = &runtimeRule{
			def:       lr.def,
			file:      lr.file,
			trig:      trig,
			act:       act,
			createdAt: now,
		}
		if ok {
			e.logger.Info("reflex reloaded", "reflex", lr.def.ID)
		} else {
			e.logger.Info("reflex loaded", "reflex", lr.def.ID, "trigger", lr.def.Trigger.Type)
		}
	}
	for id, rule := range e.rules {
		if !seen[id] && !e.inFlight[id] {
			delete(e.rules, id)
			e.logger.Info("reflex removed", "reflex", id, "file", rule.file)
		}
	}
}

// refreshInventory checks tool actions against the live surface. Missing
// tools are only warned about: a device may simply not have announced yet.
func (e *Engine) refreshInventory() {
	available := map[string]bool{}
	for _, info := range e.tools.ListTools() {
		available[info.Name] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rule := range e.rules {
		if rule.def.Action.Type == ActionTool && !available[rule.def.Action.Tool] {
			e.logger.Warn("reflex references unavailable tool",
				"reflex", rule.def.ID, "tool", rule.def.Action.Tool)
		}
	}
}

// List reports the runtime status of every loaded rule, sorted by id.
func (e *Engine) List() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.rules))
	for _, rule := range e.rules {
		out = append(out, Status{
			Definition: rule.def,
			SourceFile: rule.file,
			Runs:       rule.runs,
			LastRun:    rule.lastRun,
			CreatedAt:  rule.createdAt,
			Expired:    rule.expired,
			Running:    e.inFlight[rule.def.ID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.ID < out[j].Definition.ID })
	return out
}
