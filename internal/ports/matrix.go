package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Connection is one directed routing edge from an outport to an inport.
// Source and Target are "{device_id}/{port_name}" pairs.
type Connection struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Transform   Transform `json:"transform,omitempty"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EdgeID builds the canonical connection id for a source/target pair.
func EdgeID(source, target string) string {
	return source + "→" + target
}

// SplitPortID splits "{device_id}/{port_name}". The port name may not contain
// a slash; the device id may.
func SplitPortID(portID string) (deviceID, port string, err error) {
	idx := strings.LastIndex(portID, "/")
	if idx <= 0 || idx == len(portID)-1 {
		return "", "", fmt.Errorf("port id %q: expected {device_id}/{port_name}", portID)
	}
	return portID[:idx], portID[idx+1:], nil
}

// Matrix is the ordered set of routing edges, persisted to a JSON file on
// every mutation.
type Matrix struct {
	mu     sync.RWMutex
	edges  []Connection
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// MatrixOption configures a Matrix.
type MatrixOption func(*Matrix)

// WithMatrixNow overrides the clock for tests.
func WithMatrixNow(now func() time.Time) MatrixOption {
	return func(m *Matrix) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMatrix creates a routing matrix persisting to path (empty disables
// persistence).
func NewMatrix(path string, logger *slog.Logger, opts ...MatrixOption) *Matrix {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matrix{
		path:   path,
		logger: logger.With("component", "routing"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the persisted connection list. A missing file is not an error.
func (m *Matrix) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read routing matrix: %w", err)
	}
	var edges []Connection
	if err := json.Unmarshal(data, &edges); err != nil {
		return fmt.Errorf("parse routing matrix: %w", err)
	}
	m.mu.Lock()
	m.edges = edges
	m.mu.Unlock()
	m.logger.Info("routing matrix loaded", "path", m.path, "connections", len(edges))
	return nil
}

// Connect inserts an edge, collapsing duplicates: a second edge with the same
// (source, target) pair replaces the first in place, keeping insertion order.
func (m *Matrix) Connect(source, target string, transform Transform, description string) (Connection, error) {
	if _, _, err := SplitPortID(source); err != nil {
		return Connection{}, err
	}
	if _, _, err := SplitPortID(target); err != nil {
		return Connection{}, err
	}

	conn := Connection{
		ID:          EdgeID(source, target),
		Source:      source,
		Target:      target,
		Transform:   transform,
		Enabled:     true,
		Description: description,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	replaced := false
	for i := range m.edges {
		if m.edges[i].Source == source && m.edges[i].Target == target {
			conn.CreatedAt = m.edges[i].CreatedAt
			m.edges[i] = conn
			replaced = true
			break
		}
	}
	if !replaced {
		m.edges = append(m.edges, conn)
	}
	m.mu.Unlock()

	if err := m.save(); err != nil {
		return conn, err
	}
	m.logger.Info("connection upserted", "source", source, "target", target, "replaced", replaced)
	return conn, nil
}

// Disconnect removes the edge for a (source, target) pair.
func (m *Matrix) Disconnect(source, target string) (bool, error) {
	m.mu.Lock()
	removed := false
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.Source == source && e.Target == target {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
	m.mu.Unlock()

	if !removed {
		return false, nil
	}
	if err := m.save(); err != nil {
		return true, err
	}
	m.logger.Info("connection removed", "source", source, "target", target)
	return true, nil
}

// ConnectionUpdate is a partial update for one edge.
type ConnectionUpdate struct {
	Transform   *Transform `json:"transform,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Description *string    `json:"description,omitempty"`
}

// Update applies a partial update to the edge with the given id.
func (m *Matrix) Update(id string, upd ConnectionUpdate) (Connection, error) {
	m.mu.Lock()
	var updated *Connection
	for i := range m.edges {
		if m.edges[i].ID == id {
			if upd.Transform != nil {
				m.edges[i].Transform = *upd.Transform
			}
			if upd.Enabled != nil {
				m.edges[i].Enabled = *upd.Enabled
			}
			if upd.Description != nil {
				m.edges[i].Description = *upd.Description
			}
			c := m.edges[i]
			updated = &c
			break
		}
	}
	m.mu.Unlock()

	if updated == nil {
		return Connection{}, fmt.Errorf("connection %q not found", id)
	}
	if err := m.save(); err != nil {
		return *updated, err
	}
	return *updated, nil
}

// List returns all edges in insertion order.
func (m *Matrix) List() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Connection(nil), m.edges...)
}

// EdgesFrom returns the enabled edges for a source port, in insertion order.
func (m *Matrix) EdgesFrom(source string) []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connection
	for _, e := range m.edges {
		if e.Enabled && e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// save writes the edge list atomically (temp file + rename).
func (m *Matrix) save() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	data, err := json.MarshalIndent(m.edges, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode routing matrix: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create routing dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write routing matrix: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace routing matrix: %w", err)
	}
	return nil
}
