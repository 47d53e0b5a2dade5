package projection

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

// ProjectedTool is one externally visible device tool after projection.
// ToolKey is "{projected_name}_{device_id}": projection changes produce
// distinct keys, so consumers re-enumerating see renames as add+remove.
type ProjectedTool struct {
	ToolKey       string         `json:"tool_key"`
	DeviceID      string         `json:"device_id"`
	DeviceAlias   string         `json:"device_alias"`
	OriginalName  string         `json:"original_name"`
	ProjectedName string         `json:"projected_name"`
	Description   string         `json:"description,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

// DeviceLister is the registry view the tool registry rebuilds from.
type DeviceLister interface {
	List(includeOffline bool) []registry.DeviceRecord
}

// ToolRegistry is the derived set of projected tools, rebuilt on announce
// and on projection reload.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]ProjectedTool
	store   *Store
	devices DeviceLister
	logger  *slog.Logger
}

// NewToolRegistry creates an empty projected tool registry.
func NewToolRegistry(store *Store, devices DeviceLister, logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:   make(map[string]ProjectedTool),
		store:   store,
		devices: devices,
		logger:  logger.With("component", "projection.registry"),
	}
}

// RebuildDevice drops every entry keyed to the device and re-emits entries
// for its currently enabled tools. Called on each announce.
func (r *ToolRegistry) RebuildDevice(rec registry.DeviceRecord) {
	fresh := r.project(rec)

	r.mu.Lock()
	suffix := "_" + rec.DeviceID
	for key, pt := range r.tools {
		if pt.DeviceID == rec.DeviceID && strings.HasSuffix(key, suffix) {
			delete(r.tools, key)
		}
	}
	for _, pt := range fresh {
		r.tools[pt.ToolKey] = pt
	}
	r.mu.Unlock()

	r.logger.Debug("projected tools rebuilt", "device_id", rec.DeviceID, "tools", len(fresh))
}

// Reload re-reads the projection config and rebuilds entries for every
// known device.
func (r *ToolRegistry) Reload() error {
	if err := r.store.Load(); err != nil {
		return err
	}
	records := r.devices.List(true)

	r.mu.Lock()
	r.tools = make(map[string]ProjectedTool)
	total := 0
	for _, rec := range records {
		for _, pt := range r.project(rec) {
			r.tools[pt.ToolKey] = pt
			total++
		}
	}
	r.mu.Unlock()

	r.logger.Info("projection reloaded", "devices", len(records), "tools", total)
	return nil
}

// Get looks up one projected tool by key.
func (r *ToolRegistry) Get(toolKey string) (ProjectedTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pt, ok := r.tools[toolKey]
	return pt, ok
}

// List returns all projected tools sorted by key.
func (r *ToolRegistry) List() []ProjectedTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProjectedTool, 0, len(r.tools))
	for _, pt := range r.tools {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolKey < out[j].ToolKey })
	return out
}

func (r *ToolRegistry) project(rec registry.DeviceRecord) []ProjectedTool {
	if !r.store.IsDeviceEnabled(rec.DeviceID) {
		return nil
	}
	alias := r.store.DeviceAlias(rec.DeviceID, rec.Name)
	var out []ProjectedTool
	for _, td := range rec.Tools {
		if !r.store.IsToolEnabled(rec.DeviceID, td.Name) {
			continue
		}
		out = append(out, r.projectTool(rec.DeviceID, alias, td))
	}
	return out
}

func (r *ToolRegistry) projectTool(deviceID, deviceAlias string, td protocol.ToolDescriptor) ProjectedTool {
	projected := r.store.ProjectedName(deviceID, td.Name)
	desc := r.store.DescriptionOverride(deviceID, td.Name)
	if desc == "" {
		desc = td.Description
	}
	return ProjectedTool{
		ToolKey:       projected + "_" + deviceID,
		DeviceID:      deviceID,
		DeviceAlias:   deviceAlias,
		OriginalName:  td.Name,
		ProjectedName: projected,
		Description:   desc,
		Parameters:    td.Parameters,
	}
}
