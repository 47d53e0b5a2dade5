package reflex

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// newTrigger builds a live trigger instance from its config.
func newTrigger(cfg TriggerConfig, now time.Time) (trigger, error) {
	switch cfg.Type {
	case TriggerSchedule:
		if cfg.Cron == "" {
			return nil, fmt.Errorf("schedule trigger requires a cron expression")
		}
		sched, err := cronParser.Parse(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", cfg.Cron, err)
		}
		return &scheduleTrigger{expr: cfg.Cron, sched: sched, next: sched.Next(now)}, nil
	case TriggerStartup:
		return &startupTrigger{}, nil
	case TriggerIPCEvent:
		if cfg.Name == "" {
			return nil, fmt.Errorf("ipc_event trigger requires a name")
		}
		return &ipcTrigger{name: cfg.Name}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", cfg.Type)
	}
}

// scheduleTrigger fires on the first tick at or after each cron hit.
type scheduleTrigger struct {
	expr  string
	sched cron.Schedule
	next  time.Time
}

func (t *scheduleTrigger) Check(event Event, now time.Time) (bool, map[string]any) {
	if event.Type != EventScheduleTick {
		return false, nil
	}
	if now.Before(t.next) {
		return false, nil
	}
	fired := t.next
	t.next = t.sched.Next(now)
	return true, map[string]any{
		"cron":         t.expr,
		"scheduled_at": fired.UTC().Format(time.RFC3339),
		"fired_at":     now.UTC().Format(time.RFC3339),
	}
}

// startupTrigger fires exactly once, on the first tick after engine start.
type startupTrigger struct {
	fired bool
}

func (t *startupTrigger) Check(event Event, now time.Time) (bool, map[string]any) {
	if event.Type != EventScheduleTick || t.fired {
		return false, nil
	}
	t.fired = true
	return true, map[string]any{"fired_at": now.UTC().Format(time.RFC3339)}
}

// ipcTrigger fires when a matching named event appears in the queue.
type ipcTrigger struct {
	name string
}

func (t *ipcTrigger) Check(event Event, now time.Time) (bool, map[string]any) {
	if event.Type != EventIPC || event.Name != t.name {
		return false, nil
	}
	return true, map[string]any{
		"event_name": event.Name,
		"fired_at":   now.UTC().Format(time.RFC3339),
	}
}
