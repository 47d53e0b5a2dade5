package reflex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseDefinition parses and validates one rule document. Rules that do not
// say otherwise are enabled.
func ParseDefinition(data []byte) (Definition, error) {
	def := Definition{Enabled: true}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("parse rule: %w", err)
	}
	if err := ValidateDefinition(def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ValidateDefinition rejects rules the engine cannot run. Tool availability
// is not checked here: devices announce at their own pace, so tool resolution
// happens at execution time against the live surface.
func ValidateDefinition(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if _, err := newTrigger(def.Trigger, time.Now()); err != nil {
		return fmt.Errorf("rule %s: %w", def.ID, err)
	}
	switch def.Action.Type {
	case ActionTool:
		if def.Action.Tool == "" {
			return fmt.Errorf("rule %s: tool action requires a tool name", def.ID)
		}
	case ActionLLM:
		if def.Action.Prompt == "" {
			return fmt.Errorf("rule %s: llm action requires a prompt", def.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown action type %q", def.ID, def.Action.Type)
	}
	switch def.Lifecycle.Type {
	case LifecyclePersistent, "":
	case LifecycleTemporary:
		if def.Lifecycle.TTLSec <= 0 {
			return fmt.Errorf("rule %s: temporary lifecycle requires ttl_sec > 0", def.ID)
		}
	case LifecycleMaxRuns:
		if def.Lifecycle.MaxRuns <= 0 {
			return fmt.Errorf("rule %s: max_runs lifecycle requires max_runs > 0", def.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown lifecycle type %q", def.ID, def.Lifecycle.Type)
	}
	return nil
}

// loadedRule is one valid rule with its origin file.
type loadedRule struct {
	def  Definition
	file string
}

// loadDir reads every .yaml/.yml rule in dir. Invalid rules are logged and
// skipped; a missing directory yields an empty set.
func loadDir(dir string, logger *slog.Logger) []loadedRule {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reflex dir unreadable", "dir", dir, "error", err)
		}
		return nil
	}

	var rules []loadedRule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("rule file unreadable", "file", path, "error", err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			logger.Warn("invalid rule skipped", "file", path, "error", err)
			continue
		}
		rules = append(rules, loadedRule{def: def, file: path})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].def.ID < rules[j].def.ID })
	return rules
}

// moveToTrash relocates an expired rule file into dir/trash, keeping the
// original name with a timestamp suffix on collision.
func moveToTrash(file, trashDir string) error {
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return fmt.Errorf("create trash dir: %w", err)
	}
	dest := filepath.Join(trashDir, filepath.Base(file))
	if _, err := os.Stat(dest); err == nil {
		dest = fmt.Sprintf("%s.%d", dest, time.Now().Unix())
	}
	if err := os.Rename(file, dest); err != nil {
		return fmt.Errorf("move %s to trash: %w", file, err)
	}
	return nil
}
