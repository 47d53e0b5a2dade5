package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// snapshotEntry is the persisted shape of one device: just enough to keep
// claim tokens across restarts. Tools and liveness come back with the next
// announce.
type snapshotEntry struct {
	Name     string             `json:"name,omitempty"`
	Token    string             `json:"token,omitempty"`
	Protocol protocol.Transport `json:"protocol,omitempty"`
}

// Load reads the device snapshot file. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read device snapshot: %w", err)
	}
	entries := map[string]snapshotEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse device snapshot: %w", err)
	}

	s.mu.Lock()
	for id, e := range entries {
		d, ok := s.devices[id]
		if !ok {
			d = &device{record: DeviceRecord{DeviceID: id, Name: e.Name, Protocol: e.Protocol}}
			s.devices[id] = d
		}
		d.token = e.Token
	}
	count := len(s.devices)
	s.mu.Unlock()

	s.logger.Info("device snapshot loaded", "path", s.path, "devices", count)
	return nil
}

// save writes the snapshot atomically (temp file + rename).
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	entries := make(map[string]snapshotEntry, len(s.devices))
	for id, d := range s.devices {
		entries[id] = snapshotEntry{
			Name:     d.record.Name,
			Token:    d.token,
			Protocol: d.record.Protocol,
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write device snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace device snapshot: %w", err)
	}
	return nil
}
