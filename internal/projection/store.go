// Package projection filters and aliases raw device tools into the curated
// external tool surface. The config store decides which devices and tools are
// visible and under what names; the registry materializes those decisions into
// projected tool records.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ToolConfig is the per-tool projection override.
type ToolConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Alias       string `json:"alias,omitempty"`
	Description string `json:"description,omitempty"`
}

// DeviceConfig is the per-device projection entry.
type DeviceConfig struct {
	Enabled     *bool                 `json:"enabled,omitempty"`
	DeviceAlias string                `json:"device_alias,omitempty"`
	Tools       map[string]ToolConfig `json:"tools,omitempty"`
}

// Config is the persisted projection file layout.
type Config struct {
	AutoEnableNewDevices bool                    `json:"auto_enable_new_devices"`
	AutoEnableNewTools   bool                    `json:"auto_enable_new_tools"`
	Devices              map[string]DeviceConfig `json:"devices"`
}

// DefaultConfig enables everything by default; curation is opt-out.
func DefaultConfig() Config {
	return Config{
		AutoEnableNewDevices: true,
		AutoEnableNewTools:   true,
		Devices:              make(map[string]DeviceConfig),
	}
}

// Store owns the projection config file.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	path   string
	logger *slog.Logger
}

// NewStore creates a projection store persisting to path (empty disables
// persistence).
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:    DefaultConfig(),
		path:   path,
		logger: logger.With("component", "projection"),
	}
}

// Load reads the config file. A missing file keeps the defaults.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read projection config: %w", err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse projection config: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info("projection config loaded", "path", s.path, "devices", len(cfg.Devices))
	return nil
}

// Seed creates a config entry for a newly observed device if none exists,
// so operators find every known device in the file. Persists only when a
// new entry was actually added.
func (s *Store) Seed(deviceID string) error {
	s.mu.Lock()
	if _, ok := s.cfg.Devices[deviceID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.cfg.Devices[deviceID] = DeviceConfig{Tools: make(map[string]ToolConfig)}
	s.mu.Unlock()
	return s.save()
}

// IsDeviceEnabled applies the per-device override, falling back to the
// auto-enable default.
func (s *Store) IsDeviceEnabled(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dc, ok := s.cfg.Devices[deviceID]; ok && dc.Enabled != nil {
		return *dc.Enabled
	}
	return s.cfg.AutoEnableNewDevices
}

// IsToolEnabled reports whether a tool is externally visible. A disabled
// device hides all of its tools regardless of per-tool overrides.
func (s *Store) IsToolEnabled(deviceID, tool string) bool {
	if !s.IsDeviceEnabled(deviceID) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dc, ok := s.cfg.Devices[deviceID]; ok {
		if tc, ok := dc.Tools[tool]; ok && tc.Enabled != nil {
			return *tc.Enabled
		}
	}
	return s.cfg.AutoEnableNewTools
}

// ProjectedName returns the external name for a tool: the alias when set,
// the original name otherwise.
func (s *Store) ProjectedName(deviceID, tool string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dc, ok := s.cfg.Devices[deviceID]; ok {
		if tc, ok := dc.Tools[tool]; ok && tc.Alias != "" {
			return tc.Alias
		}
	}
	return tool
}

// DeviceAlias returns the external display name for a device: the alias when
// set, else the fallback (typically the announced device name), else the id.
func (s *Store) DeviceAlias(deviceID, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dc, ok := s.cfg.Devices[deviceID]; ok && dc.DeviceAlias != "" {
		return dc.DeviceAlias
	}
	if fallback != "" {
		return fallback
	}
	return deviceID
}

// DescriptionOverride returns the per-tool description override, if any.
func (s *Store) DescriptionOverride(deviceID, tool string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dc, ok := s.cfg.Devices[deviceID]; ok {
		return dc.Tools[tool].Description
	}
	return ""
}

// Snapshot returns a deep copy of the whole config, for the read-only
// resource surface.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Config{
		AutoEnableNewDevices: s.cfg.AutoEnableNewDevices,
		AutoEnableNewTools:   s.cfg.AutoEnableNewTools,
		Devices:              make(map[string]DeviceConfig, len(s.cfg.Devices)),
	}
	for id, dc := range s.cfg.Devices {
		cp := dc
		cp.Tools = make(map[string]ToolConfig, len(dc.Tools))
		for name, tc := range dc.Tools {
			cp.Tools[name] = tc
		}
		out.Devices[id] = cp
	}
	return out
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode projection config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create projection dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write projection config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace projection config: %w", err)
	}
	return nil
}
