package reflex

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const validRule = `
id: morning-report
name: Morning report
trigger:
  type: schedule
  cron: "0 8 * * *"
action:
  type: tool
  tool: list_devices
lifecycle:
  type: persistent
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(validRule))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.ID != "morning-report" {
		t.Fatalf("id = %q", def.ID)
	}
	if !def.Enabled {
		t.Fatal("rules default to enabled")
	}
	if def.Trigger.Cron != "0 8 * * *" {
		t.Fatalf("cron = %q", def.Trigger.Cron)
	}
}

func TestParseDefinitionRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", `
name: no id
trigger: {type: startup}
action: {type: tool, tool: x}
`},
		{"bad cron", `
id: r1
trigger: {type: schedule, cron: "bogus"}
action: {type: tool, tool: x}
`},
		{"tool action without tool", `
id: r2
trigger: {type: startup}
action: {type: tool}
`},
		{"llm action without prompt", `
id: r3
trigger: {type: startup}
action: {type: llm}
`},
		{"temporary without ttl", `
id: r4
trigger: {type: startup}
action: {type: tool, tool: x}
lifecycle: {type: temporary}
`},
		{"max_runs without count", `
id: r5
trigger: {type: startup}
action: {type: tool, tool: x}
lifecycle: {type: max_runs}
`},
		{"unknown action", `
id: r6
trigger: {type: startup}
action: {type: webhook}
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseDefinition([]byte(tc.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadDirSkipsInvalidAndSorts(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("b.yaml", `
id: zeta
trigger: {type: startup}
action: {type: tool, tool: x}
`)
	write("a.yml", `
id: alpha
trigger: {type: startup}
action: {type: tool, tool: x}
`)
	write("broken.yaml", `id: [`)
	write("notes.txt", "ignored")

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rules := loadDir(dir, logger)
	if len(rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rules))
	}
	if rules[0].def.ID != "alpha" || rules[1].def.ID != "zeta" {
		t.Fatalf("rules not sorted by id: %q, %q", rules[0].def.ID, rules[1].def.ID)
	}
}

func TestLoadDirMissing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if rules := loadDir(filepath.Join(t.TempDir(), "nope"), logger); rules != nil {
		t.Fatalf("expected no rules, got %d", len(rules))
	}
}

func TestMoveToTrash(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "done.yaml")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	trash := filepath.Join(dir, "trash")
	if err := moveToTrash(file, trash); err != nil {
		t.Fatalf("moveToTrash: %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatal("original file still present")
	}
	if _, err := os.Stat(filepath.Join(trash, "done.yaml")); err != nil {
		t.Fatalf("trashed file missing: %v", err)
	}
}
