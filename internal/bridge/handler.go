// Package bridge connects the transports to the domain stores: it dispatches
// inbound frames by topic leaf and routes outbound frames back to whichever
// transport a device announced on.
package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/command"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/ports"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/projection"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

// ClaimSender delivers a freshly minted token to a device.
type ClaimSender interface {
	SendClaim(deviceID string, payload protocol.ClaimPayload) error
}

// Handler is the protocol dispatch table both transports feed into.
type Handler struct {
	devices     *registry.Store
	commands    *command.Router
	portStore   *ports.Store
	portRouter  *ports.Router
	projections *projection.Store
	tools       *projection.ToolRegistry
	claims      ClaimSender
	onRebuild   func()
	logger      *slog.Logger
}

// NewHandler wires the dispatch table. claims may be set later via SetClaims
// since transports are built after the handler.
func NewHandler(
	devices *registry.Store,
	commands *command.Router,
	portStore *ports.Store,
	portRouter *ports.Router,
	projections *projection.Store,
	tools *projection.ToolRegistry,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		devices:     devices,
		commands:    commands,
		portStore:   portStore,
		portRouter:  portRouter,
		projections: projections,
		tools:       tools,
		logger:      logger.With("component", "bridge"),
	}
}

// SetClaims wires the claim sender after the transports exist.
func (h *Handler) SetClaims(claims ClaimSender) {
	h.claims = claims
}

// SetOnRebuild registers a callback fired after an announce rebuilds a
// device's projected tools, so the external surface can resync.
func (h *Handler) SetOnRebuild(fn func()) {
	h.onRebuild = fn
}

// HandleInbound dispatches one inbound frame. Malformed payloads are logged
// and dropped; a device cannot wedge the bridge with bad JSON.
func (h *Handler) HandleInbound(topic protocol.Topic, payload json.RawMessage, tag protocol.Transport) {
	switch topic.Leaf {
	case protocol.LeafAnnounce:
		h.handleAnnounce(topic.DeviceID, payload, tag)
	case protocol.LeafStatus:
		h.handleStatus(topic.DeviceID, payload)
	case protocol.LeafEvents:
		h.handleEvents(topic.DeviceID, payload)
	case protocol.LeafPortsAnnounce:
		h.handlePortsAnnounce(topic.DeviceID, payload)
	case protocol.LeafPortsData:
		h.handlePortsData(topic.DeviceID, payload)
	default:
		h.logger.Debug("unknown leaf ignored", "device_id", topic.DeviceID, "leaf", topic.Leaf)
	}
}

// StreamClosed marks a stream device offline and fails its in-flight
// commands immediately instead of letting callers ride out their timeouts.
func (h *Handler) StreamClosed(deviceID string) {
	h.devices.MarkOffline(deviceID)
	h.commands.FailPending(deviceID)
}

func (h *Handler) handleAnnounce(deviceID string, payload json.RawMessage, tag protocol.Transport) {
	var ann protocol.AnnouncePayload
	if err := json.Unmarshal(payload, &ann); err != nil {
		h.logger.Warn("bad announce payload", "device_id", deviceID, "error", err)
		return
	}
	rec := h.devices.Upsert(deviceID, ann, tag)

	if err := h.projections.Seed(deviceID); err != nil {
		h.logger.Warn("projection seed failed", "device_id", deviceID, "error", err)
	}
	h.tools.RebuildDevice(rec)
	if h.onRebuild != nil {
		h.onRebuild()
	}

	if !rec.HasToken {
		h.claimDevice(deviceID)
	}
}

// claimDevice mints a shared secret and pushes it to the device. The token
// is persisted before the claim goes out: a send failure leaves the device
// claimable again on its next announce, a persist failure must not leave a
// device holding a token the bridge forgot.
func (h *Handler) claimDevice(deviceID string) {
	if h.claims == nil {
		return
	}
	token := registry.NewToken()
	if err := h.devices.SetToken(deviceID, token); err != nil {
		h.logger.Error("token persist failed", "device_id", deviceID, "error", err)
		return
	}
	if err := h.claims.SendClaim(deviceID, protocol.ClaimPayload{Token: token}); err != nil {
		h.logger.Warn("claim send failed", "device_id", deviceID, "error", err)
		return
	}
	h.logger.Info("device claimed", "device_id", deviceID)
}

func (h *Handler) handleStatus(deviceID string, payload json.RawMessage) {
	var st protocol.StatusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		h.logger.Warn("bad status payload", "device_id", deviceID, "error", err)
		return
	}
	h.devices.UpdateStatus(deviceID, st)
}

func (h *Handler) handleEvents(deviceID string, payload json.RawMessage) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("bad events payload", "device_id", deviceID, "error", err)
		return
	}
	requestID, _ := event["request_id"].(string)
	if requestID == "" {
		h.logger.Debug("event without request_id ignored", "device_id", deviceID)
		return
	}
	h.commands.Resolve(requestID, event)
}

func (h *Handler) handlePortsAnnounce(deviceID string, payload json.RawMessage) {
	var pa protocol.PortsAnnouncePayload
	if err := json.Unmarshal(payload, &pa); err != nil {
		h.logger.Warn("bad ports announce", "device_id", deviceID, "error", err)
		return
	}
	h.portStore.Upsert(deviceID, pa)
}

func (h *Handler) handlePortsData(deviceID string, payload json.RawMessage) {
	var pd protocol.PortsDataPayload
	if err := json.Unmarshal(payload, &pd); err != nil {
		h.logger.Warn("bad ports data", "device_id", deviceID, "error", err)
		return
	}
	h.portRouter.Route(deviceID, pd.Port, pd.Value)
}
