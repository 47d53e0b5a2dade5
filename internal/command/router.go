// Package command implements the command router: it turns tool invocations
// into outbound device.command frames, signs them when a claim token exists,
// and correlates device events back to the waiting caller by request id.
//
// Every invocation gets a fresh request id and a single-slot mailbox. The
// mailbox is removed on first resolve, so late or duplicate events for the
// same id are dropped without side effect.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/registry"
)

// assetCacheSize bounds the retained event payloads for asset resources.
const assetCacheSize = 128

var commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "saba_commands_total",
	Help: "Command invocations by outcome.",
}, []string{"outcome"})

// DeviceLookup is the registry slice the router needs.
type DeviceLookup interface {
	Get(deviceID string) (registry.DeviceRecord, bool)
	Token(deviceID string) (string, bool)
}

// Outbound delivers a command frame to a device over its recorded transport.
type Outbound interface {
	SendCommand(deviceID string, payload []byte) error
}

// Result carries the outcome of one invocation. RequestID is set as soon as
// one was allocated, including on timeout, so callers can reference the
// in-flight request.
type Result struct {
	RequestID string
	Payload   map[string]any
}

type mailbox struct {
	deviceID string
	ch       chan map[string]any
}

// Router correlates command requests with device events.
type Router struct {
	devices  DeviceLookup
	outbound Outbound
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	pending   map[string]*mailbox
	assets    map[string]map[string]any
	assetView []string
}

// Option configures a Router.
type Option func(*Router)

// WithNow overrides the clock used for signing timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.With("component", "command")
		}
	}
}

// NewRouter creates a command router. defaultTimeout bounds invocations whose
// callers pass no explicit timeout.
func NewRouter(devices DeviceLookup, outbound Outbound, defaultTimeout time.Duration, opts ...Option) *Router {
	r := &Router{
		devices:  devices,
		outbound: outbound,
		timeout:  defaultTimeout,
		logger:   slog.Default().With("component", "command"),
		now:      time.Now,
		pending:  make(map[string]*mailbox),
		assets:   make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOutbound wires the outbound dispatcher after construction. The bridge
// builds stores before transports, so this breaks the cycle.
func (r *Router) SetOutbound(outbound Outbound) {
	r.mu.Lock()
	r.outbound = outbound
	r.mu.Unlock()
}

// Invoke sends a command to a device and waits for the correlated event.
// timeout <= 0 uses the router default. The returned error, when non-nil, is
// always a *protocol.CommandError.
func (r *Router) Invoke(ctx context.Context, deviceID, tool string, rawArgs any, timeout time.Duration) (*Result, error) {
	rec, ok := r.devices.Get(deviceID)
	if !ok {
		commandsTotal.WithLabelValues(protocol.CodeUnknownDevice).Inc()
		return nil, protocol.NewCommandError(protocol.CodeUnknownDevice, "device %q is not registered", deviceID)
	}
	if !rec.Online {
		commandsTotal.WithLabelValues(protocol.CodeDeviceOffline).Inc()
		return nil, protocol.NewCommandError(protocol.CodeDeviceOffline, "device %q is offline", deviceID)
	}

	args, err := NormalizeArgs(rawArgs)
	if err != nil {
		commandsTotal.WithLabelValues(protocol.CodeInvalidArgs).Inc()
		return nil, protocol.NewCommandError(protocol.CodeInvalidArgs, "args: %v", err)
	}
	if len(rec.Tools) > 0 {
		descriptor, found := findTool(rec.Tools, tool)
		if !found {
			commandsTotal.WithLabelValues(protocol.CodeUnknownTool).Inc()
			return nil, protocol.NewCommandError(protocol.CodeUnknownTool, "device %q declares no tool %q", deviceID, tool)
		}
		if err := ValidateArgs(descriptor.Parameters, args); err != nil {
			commandsTotal.WithLabelValues(protocol.CodeInvalidArgs).Inc()
			return nil, protocol.NewCommandError(protocol.CodeInvalidArgs, "args for %s: %v", tool, err)
		}
	}

	requestID := NewRequestID()
	result := &Result{RequestID: requestID}

	body := protocol.CommandBody{
		Type:      protocol.CommandType,
		Tool:      tool,
		Args:      args,
		RequestID: requestID,
	}
	frame, err := r.encodeFrame(deviceID, body)
	if err != nil {
		commandsTotal.WithLabelValues(protocol.CodeInternal).Inc()
		return result, protocol.NewCommandError(protocol.CodeInternal, "encode command: %v", err)
	}

	box := &mailbox{deviceID: deviceID, ch: make(chan map[string]any, 1)}
	r.mu.Lock()
	r.pending[requestID] = box
	r.mu.Unlock()

	if err := r.outbound.SendCommand(deviceID, frame); err != nil {
		r.remove(requestID)
		commandsTotal.WithLabelValues(protocol.CodeSendFailed).Inc()
		return result, protocol.NewCommandError(protocol.CodeSendFailed, "send to %q: %v", deviceID, err)
	}

	if timeout <= 0 {
		timeout = r.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-box.ch:
		if errObj, ok := payload["error"].(map[string]any); ok {
			code, _ := errObj["code"].(string)
			if code == "" {
				code = protocol.CodeInternal
			}
			commandsTotal.WithLabelValues(code).Inc()
		} else {
			commandsTotal.WithLabelValues("ok").Inc()
		}
		result.Payload = payload
		return result, nil
	case <-timer.C:
		r.remove(requestID)
		commandsTotal.WithLabelValues(protocol.CodeTimeout).Inc()
		return result, protocol.NewCommandError(protocol.CodeTimeout, "no event for request %s within %s", requestID, timeout)
	case <-ctx.Done():
		r.remove(requestID)
		commandsTotal.WithLabelValues(protocol.CodeTimeout).Inc()
		return result, protocol.NewCommandError(protocol.CodeTimeout, "cancelled while waiting for request %s: %v", requestID, ctx.Err())
	}
}

// Resolve delivers a device event to its pending mailbox. Unmatched request
// ids are dropped; the payload is still cached for the asset resource.
func (r *Router) Resolve(requestID string, payload map[string]any) bool {
	r.mu.Lock()
	box, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	r.cacheAssetLocked(requestID, payload)
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("event for unknown request dropped", "request_id", requestID)
		return false
	}
	box.ch <- payload // capacity 1, mailbox already unregistered
	return true
}

// FailPending resolves every pending mailbox for a device with a send_failed
// error. Called when a stream connection dies so in-flight callers do not
// have to ride out their full timeout.
func (r *Router) FailPending(deviceID string) int {
	r.mu.Lock()
	var failed []*mailbox
	for id, box := range r.pending {
		if box.deviceID == deviceID {
			delete(r.pending, id)
			failed = append(failed, box)
		}
	}
	r.mu.Unlock()

	for _, box := range failed {
		box.ch <- map[string]any{
			"error": map[string]any{
				"code":    protocol.CodeSendFailed,
				"message": "device connection closed",
			},
		}
		commandsTotal.WithLabelValues(protocol.CodeSendFailed).Inc()
	}
	if len(failed) > 0 {
		r.logger.Warn("failed pending commands on disconnect",
			"device_id", deviceID,
			"count", len(failed),
		)
	}
	return len(failed)
}

// Asset returns the cached event payload for a request id, if still retained.
func (r *Router) Asset(requestID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.assets[requestID]
	return payload, ok
}

// PendingCount reports the number of in-flight requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// NewRequestID returns a fresh 32-hex-character request id.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (r *Router) encodeFrame(deviceID string, body protocol.CommandBody) ([]byte, error) {
	token, hasToken := r.devices.Token(deviceID)
	if !hasToken {
		return json.Marshal(body)
	}
	body.Timestamp = r.now().Unix()
	signed, err := SignCommand(token, body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(signed)
}

func (r *Router) remove(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

func (r *Router) cacheAssetLocked(requestID string, payload map[string]any) {
	if _, exists := r.assets[requestID]; !exists {
		r.assetView = append(r.assetView, requestID)
		if len(r.assetView) > assetCacheSize {
			oldest := r.assetView[0]
			r.assetView = r.assetView[1:]
			delete(r.assets, oldest)
		}
	}
	r.assets[requestID] = payload
}

func findTool(tools []protocol.ToolDescriptor, name string) (protocol.ToolDescriptor, bool) {
	for _, td := range tools {
		if td.Name == name {
			return td, true
		}
	}
	return protocol.ToolDescriptor{}, false
}
