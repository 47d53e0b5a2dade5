// Package ports holds the streaming-signal side of the bridge: the per-device
// port declarations, the user-editable routing matrix with per-edge value
// transforms, and the router that fans inbound port data out to target
// inports.
package ports

import (
	"sort"
	"sync"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// DevicePorts is a snapshot of one device's declared ports.
type DevicePorts struct {
	DeviceID string                    `json:"device_id"`
	Outports []protocol.PortDescriptor `json:"outports,omitempty"`
	Inports  []protocol.PortDescriptor `json:"inports,omitempty"`
}

// Store keeps the last ports/announce per device.
type Store struct {
	mu      sync.RWMutex
	devices map[string]DevicePorts
}

// NewStore creates an empty port store.
func NewStore() *Store {
	return &Store{devices: make(map[string]DevicePorts)}
}

// Upsert replaces a device's port declarations whole-cloth.
func (s *Store) Upsert(deviceID string, payload protocol.PortsAnnouncePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = DevicePorts{
		DeviceID: deviceID,
		Outports: append([]protocol.PortDescriptor(nil), payload.Outports...),
		Inports:  append([]protocol.PortDescriptor(nil), payload.Inports...),
	}
}

// Get returns one device's ports.
func (s *Store) Get(deviceID string) (DevicePorts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dp, ok := s.devices[deviceID]
	if !ok {
		return DevicePorts{}, false
	}
	return copyPorts(dp), true
}

// List returns all declared ports sorted by device id.
func (s *Store) List() []DevicePorts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DevicePorts, 0, len(s.devices))
	for _, dp := range s.devices {
		out = append(out, copyPorts(dp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// HasOutport reports whether a device declared the named outport.
func (s *Store) HasOutport(deviceID, port string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dp, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	for _, p := range dp.Outports {
		if p.Name == port {
			return true
		}
	}
	return false
}

// HasInport reports whether a device declared the named inport.
func (s *Store) HasInport(deviceID, port string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dp, ok := s.devices[deviceID]
	if !ok {
		return false
	}
	for _, p := range dp.Inports {
		if p.Name == port {
			return true
		}
	}
	return false
}

func copyPorts(dp DevicePorts) DevicePorts {
	return DevicePorts{
		DeviceID: dp.DeviceID,
		Outports: append([]protocol.PortDescriptor(nil), dp.Outports...),
		Inports:  append([]protocol.PortDescriptor(nil), dp.Inports...),
	}
}
