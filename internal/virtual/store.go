// Package virtual implements composite tools: a named bundle of
// (device, tool) bindings invoked in parallel as one external tool.
package virtual

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Binding ties a virtual tool to one device tool. ArgsMap, when present,
// renames incoming arguments: target_param → source_param.
type Binding struct {
	DeviceID string            `json:"device_id"`
	Tool     string            `json:"tool"`
	ArgsMap  map[string]string `json:"args_map,omitempty"`
}

// Tool is one persisted virtual tool definition.
type Tool struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Bindings    []Binding `json:"bindings"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store owns the persisted virtual tool definitions.
type Store struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a virtual tool store persisting to path (empty disables
// persistence).
func NewStore(path string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		tools:  make(map[string]Tool),
		path:   path,
		logger: logger.With("component", "virtual"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted definitions. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read virtual tools: %w", err)
	}
	var tools map[string]Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return fmt.Errorf("parse virtual tools: %w", err)
	}
	if tools == nil {
		tools = make(map[string]Tool)
	}
	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.logger.Info("virtual tools loaded", "path", s.path, "count", len(tools))
	return nil
}

// Upsert creates or replaces a virtual tool. Empty bindings are legal.
func (s *Store) Upsert(name, description string, bindings []Binding) (Tool, error) {
	if name == "" {
		return Tool{}, fmt.Errorf("virtual tool name must not be empty")
	}
	for i, b := range bindings {
		if b.DeviceID == "" || b.Tool == "" {
			return Tool{}, fmt.Errorf("binding %d: device_id and tool are required", i)
		}
	}

	now := s.now().UTC()
	s.mu.Lock()
	vt := Tool{
		Name:        name,
		Description: description,
		Bindings:    append([]Binding(nil), bindings...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if prev, ok := s.tools[name]; ok {
		vt.CreatedAt = prev.CreatedAt
	}
	s.tools[name] = vt
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return vt, err
	}
	s.logger.Info("virtual tool upserted", "name", name, "bindings", len(bindings))
	return vt, nil
}

// Delete removes a virtual tool by name.
func (s *Store) Delete(name string) (bool, error) {
	s.mu.Lock()
	_, ok := s.tools[name]
	if ok {
		delete(s.tools, name)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := s.save(); err != nil {
		return true, err
	}
	s.logger.Info("virtual tool deleted", "name", name)
	return true, nil
}

// Get returns one virtual tool.
func (s *Store) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vt, ok := s.tools[name]
	if !ok {
		return Tool{}, false
	}
	vt.Bindings = append([]Binding(nil), vt.Bindings...)
	return vt, true
}

// List returns all virtual tools sorted by name.
func (s *Store) List() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tool, 0, len(s.tools))
	for _, vt := range s.tools {
		vt.Bindings = append([]Binding(nil), vt.Bindings...)
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.tools, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode virtual tools: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create virtual tools dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write virtual tools: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace virtual tools: %w", err)
	}
	return nil
}
