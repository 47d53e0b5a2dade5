package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/config"
	"github.com/kawaiiTaiga/project-SABA-sub000/internal/protocol"
)

// maxLineBytes bounds a single stream frame. Camera snapshot events are the
// largest expected payloads.
const maxLineBytes = 1 << 20

// streamConn is one accepted socket. deviceID is empty until the first
// announce arrives on the connection.
type streamConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	deviceID string
}

func (c *streamConn) writeFrame(frame protocol.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// StreamServer accepts newline-delimited JSON connections from devices that
// cannot speak MQTT. Each line is {"topic": "...", "payload": {...}}.
type StreamServer struct {
	addr    string
	handler Handler
	queue   *queue
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	byDevice map[string]*streamConn
	closed   bool
}

// NewStreamServer builds the socket server without listening.
func NewStreamServer(cfg config.StreamConfig, handler Handler, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport.stream")
	return &StreamServer{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		handler:  handler,
		queue:    newQueue(logger),
		logger:   logger,
		byDevice: make(map[string]*streamConn),
	}
}

// Start begins listening and accepting connections.
func (s *StreamServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.queue.pump(s.handler)
	go s.acceptLoop(ln)
	s.logger.Info("stream server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, for tests using port 0.
func (s *StreamServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting and drops every connection.
func (s *StreamServer) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*streamConn, 0, len(s.byDevice))
	for _, c := range s.byDevice {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	s.queue.stop()
	return err
}

// Send writes one outbound frame to a device's bound connection.
func (s *StreamServer) Send(deviceID string, frame protocol.StreamFrame) error {
	s.mu.Lock()
	c, ok := s.byDevice[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no stream connection for device %q", deviceID)
	}
	if err := c.writeFrame(frame); err != nil {
		return fmt.Errorf("write to %q: %w", deviceID, err)
	}
	return nil
}

// Connected reports whether a device has a live stream connection.
func (s *StreamServer) Connected(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byDevice[deviceID]
	return ok
}

func (s *StreamServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		go s.serveConn(&streamConn{conn: conn})
	}
}

// serveConn reads line frames until the connection dies. The first announce
// binds the connection to its device id; on close the device is reported
// disconnected so the registry can mark it offline immediately.
func (s *StreamServer) serveConn(c *streamConn) {
	defer c.conn.Close()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame protocol.StreamFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Debug("bad stream frame ignored", "error", err)
			continue
		}
		topic, err := protocol.ParseTopic(frame.Topic)
		if err != nil {
			s.logger.Debug("bad stream topic ignored", "topic", frame.Topic, "error", err)
			continue
		}
		if topic.Leaf == protocol.LeafAnnounce {
			s.bind(topic.DeviceID, c)
		}
		s.queue.enqueue(inbound{topic: topic, payload: frame.Payload, tag: protocol.TransportStream})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("stream read ended", "error", err)
	}
	s.unbind(c)
}

func (s *StreamServer) bind(deviceID string, c *streamConn) {
	s.mu.Lock()
	prev, existed := s.byDevice[deviceID]
	s.byDevice[deviceID] = c
	c.deviceID = deviceID
	s.mu.Unlock()

	if existed && prev != c {
		// Re-announce on a new socket; the old one is stale.
		prev.conn.Close()
	}
	s.logger.Info("stream device bound", "device_id", deviceID)
}

func (s *StreamServer) unbind(c *streamConn) {
	s.mu.Lock()
	deviceID := c.deviceID
	bound := deviceID != "" && s.byDevice[deviceID] == c
	if bound {
		delete(s.byDevice, deviceID)
	}
	closed := s.closed
	s.mu.Unlock()

	if bound && !closed {
		s.logger.Info("stream device disconnected", "device_id", deviceID)
		s.handler.StreamClosed(deviceID)
	}
}
