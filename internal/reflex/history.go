package reflex

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	reflex_id TEXT NOT NULL,
	reflex_name TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	trigger_context_json TEXT,
	action_type TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	tool_calls_json TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_executions_reflex ON executions(reflex_id, timestamp);
`

// History is the append-only execution log backed by SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database.
func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close releases the database handle.
func (h *History) Close() error {
	return h.db.Close()
}

// Append writes one execution record. A missing id is filled in.
func (h *History) Append(rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	triggerCtx, err := json.Marshal(rec.TriggerContext)
	if err != nil {
		return fmt.Errorf("encode trigger context: %w", err)
	}
	toolCalls, err := json.Marshal(rec.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	_, err = h.db.Exec(
		`INSERT INTO executions
		(id, timestamp, reflex_id, reflex_name, trigger_type, trigger_context_json,
		 action_type, status, output, tool_calls_json, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.ReflexID,
		rec.ReflexName,
		rec.TriggerType,
		string(triggerCtx),
		rec.ActionType,
		rec.Status,
		rec.Output,
		string(toolCalls),
		rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by reflex id.
func (h *History) Recent(reflexID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, timestamp, reflex_id, reflex_name, trigger_type,
		trigger_context_json, action_type, status, output, tool_calls_json, error_message
		FROM executions`
	args := []any{}
	if reflexID != "" {
		query += ` WHERE reflex_id = ?`
		args = append(args, reflexID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var ts, triggerCtx, toolCalls string
		if err := rows.Scan(
			&rec.ID, &ts, &rec.ReflexID, &rec.ReflexName, &rec.TriggerType,
			&triggerCtx, &rec.ActionType, &rec.Status, &rec.Output, &toolCalls,
			&rec.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if triggerCtx != "" && triggerCtx != "null" {
			_ = json.Unmarshal([]byte(triggerCtx), &rec.TriggerContext)
		}
		if toolCalls != "" && toolCalls != "null" {
			_ = json.Unmarshal([]byte(toolCalls), &rec.ToolCalls)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
