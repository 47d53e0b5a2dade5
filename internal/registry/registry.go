// Package registry tracks every device that has announced itself on either
// transport: its declared tools, liveness, transport of origin, and the
// shared secret used for command signing.
//
// Online status is derived, never stored: a device is online while its last
// status report is younger than OnlineWindow, unless the stream transport has
// reported its connection closed in the meantime.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// OnlineWindow is the maximum last-status age for a device to count as online.
const OnlineWindow = 90 * time.Second

// DeviceRecord is a snapshot of one known device. Online is computed at
// read time; copies handed out never go stale.
type DeviceRecord struct {
	DeviceID     string                    `json:"device_id"`
	Name         string                    `json:"name,omitempty"`
	Version      string                    `json:"version,omitempty"`
	Tools        []protocol.ToolDescriptor `json:"tools,omitempty"`
	Protocol     protocol.Transport        `json:"protocol"`
	LastAnnounce time.Time                 `json:"last_announce,omitempty"`
	LastStatus   time.Time                 `json:"last_status,omitempty"`
	LastSeen     time.Time                 `json:"last_seen,omitempty"`
	Online       bool                      `json:"online"`
	HasToken     bool                      `json:"has_token"`
}

type device struct {
	record       DeviceRecord
	token        string
	forceOffline bool
}

// Store is the in-memory device registry with a JSON snapshot for token
// persistence across restarts.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*device
	path    string
	logger  *slog.Logger
	now     func() time.Time
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

// NewStore creates a registry persisting tokens to path. An empty path
// disables persistence.
func NewStore(path string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		devices: make(map[string]*device),
		path:    path,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert creates or replaces a device from an announce payload. The tool set
// is whatever the announce declared; stale tools never survive. Returns a
// snapshot of the updated record.
func (s *Store) Upsert(deviceID string, ann protocol.AnnouncePayload, transport protocol.Transport) DeviceRecord {
	now := s.now()
	s.mu.Lock()
	d, ok := s.devices[deviceID]
	if !ok {
		d = &device{record: DeviceRecord{DeviceID: deviceID}}
		s.devices[deviceID] = d
	}
	d.record.Name = ann.Name
	d.record.Version = ann.Version
	d.record.Tools = append([]protocol.ToolDescriptor(nil), ann.Tools...)
	d.record.Protocol = transport
	d.record.LastAnnounce = now
	d.record.LastStatus = now
	d.record.LastSeen = now
	d.forceOffline = false
	rec := s.snapshotLocked(d, now)
	s.mu.Unlock()

	s.logger.Info("device announced",
		"device_id", deviceID,
		"name", ann.Name,
		"tools", len(ann.Tools),
		"transport", transport,
	)
	return rec
}

// UpdateStatus records a status report. When the payload carries a parseable
// ISO-8601 ts it becomes the status time; otherwise the local clock is used.
// An explicit online:false forces the device offline immediately.
func (s *Store) UpdateStatus(deviceID string, st protocol.StatusPayload) {
	now := s.now()
	statusAt := now
	if st.TS != "" {
		if ts, err := time.Parse("2006-01-02T15:04:05Z", st.TS); err == nil {
			statusAt = ts
		} else if ts, err := time.Parse(time.RFC3339, st.TS); err == nil {
			statusAt = ts
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		// Status before announce: remember liveness, tools arrive later.
		d = &device{record: DeviceRecord{DeviceID: deviceID}}
		s.devices[deviceID] = d
	}
	d.record.LastStatus = statusAt
	d.record.LastSeen = now
	d.forceOffline = st.Online != nil && !*st.Online
}

// MarkOffline forces a device offline, used when its stream connection closes.
func (s *Store) MarkOffline(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.forceOffline = true
	}
}

// Get returns a snapshot of one device.
func (s *Store) Get(deviceID string) (DeviceRecord, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return DeviceRecord{}, false
	}
	return s.snapshotLocked(d, now), true
}

// List returns snapshots of all devices, sorted by id. When includeOffline is
// false only currently online devices are returned.
func (s *Store) List(includeOffline bool) []DeviceRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		rec := s.snapshotLocked(d, now)
		if !includeOffline && !rec.Online {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Tool looks up one declared tool on a device.
func (s *Store) Tool(deviceID, name string) (protocol.ToolDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return protocol.ToolDescriptor{}, false
	}
	for _, td := range d.record.Tools {
		if td.Name == name {
			return td, true
		}
	}
	return protocol.ToolDescriptor{}, false
}

// Token returns the shared secret for a device, if one was claimed.
func (s *Store) Token(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok || d.token == "" {
		return "", false
	}
	return d.token, true
}

// SetToken stores a device's shared secret and persists the snapshot.
func (s *Store) SetToken(deviceID, token string) error {
	s.mu.Lock()
	d, ok := s.devices[deviceID]
	if !ok {
		d = &device{record: DeviceRecord{DeviceID: deviceID}}
		s.devices[deviceID] = d
	}
	d.token = token
	s.mu.Unlock()
	return s.save()
}

// Transport returns the transport a device last announced on.
func (s *Store) Transport(deviceID string) (protocol.Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return "", false
	}
	return d.record.Protocol, true
}

// NewToken generates a 32-character random claim token.
func NewToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf)
}

func (s *Store) snapshotLocked(d *device, now time.Time) DeviceRecord {
	rec := d.record
	rec.Tools = append([]protocol.ToolDescriptor(nil), d.record.Tools...)
	rec.Online = !d.forceOffline &&
		!rec.LastStatus.IsZero() &&
		now.Sub(rec.LastStatus) < OnlineWindow
	rec.HasToken = d.token != ""
	return rec
}
