package broker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
	"github.com/reverseproxy/internal/stream"
)

// Session represents one connected agent's websocket control channel, plus
// the listeners it has been granted and the streams multiplexed over it.
// One Session is created per successful REGISTER handshake.
type Session struct {
	id          string
	clientName  string
	remoteAddr  string
	connectedAt time.Time

	conn  *websocket.Conn
	codec *protocol.Codec

	cfg      *Config
	registry *Registry
	ports    *PortBinder

	table *stream.Table

	hooksMu sync.Mutex
	hooks   map[uint32]func()

	listenersMu sync.Mutex
	listeners   map[uint16]*Listener
	specs       map[uint16]protocol.TunnelSpec

	writeCh chan *protocol.Frame

	lastActivity atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an upgraded websocket connection as a registered agent
// session. Start must be called to begin its demux/write/liveness loops.
func NewSession(id, clientName string, conn *websocket.Conn, cfg *Config, registry *Registry, ports *PortBinder) *Session {
	s := &Session{
		id:          id,
		clientName:  clientName,
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		conn:        conn,
		codec:       protocol.NewCodec(conn),
		cfg:         cfg,
		registry:    registry,
		ports:       ports,
		table:       stream.NewTable(),
		hooks:       make(map[uint32]func()),
		listeners:   make(map[uint16]*Listener),
		specs:       make(map[uint16]protocol.TunnelSpec),
		writeCh:     make(chan *protocol.Frame, cfg.Tunnel.WriteQueueSize),
		done:        make(chan struct{}),
	}
	s.touch()
	return s
}

// Start launches the session's background loops. Call once, after the
// session has been fully constructed and (if applicable) its listeners bound.
func (s *Session) Start() {
	go s.writeLoop()
	go s.demuxLoop()
	go s.livenessLoop()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last)
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// ClientName returns the name the agent supplied in REGISTER.
func (s *Session) ClientName() string { return s.clientName }

// RemoteAddr returns the agent's observed network address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Table exposes the session's stream table to the listener manager.
func (s *Session) Table() *stream.Table { return s.table }

// BoundPorts returns the remote ports this session currently owns a
// listener for, for introspection.
func (s *Session) BoundPorts() []uint16 {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]uint16, 0, len(s.listeners))
	for port := range s.listeners {
		out = append(out, port)
	}
	return out
}

// StreamCount returns the number of streams currently open on this session.
func (s *Session) StreamCount() int { return s.table.Len() }

// TunnelCount returns the number of tunnels (bound remote ports) this
// session owns, for introspection.
func (s *Session) TunnelCount() int {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	return len(s.listeners)
}

// TunnelView is one tunnel's introspection-facing state.
type TunnelView struct {
	RemotePort    uint16
	LocalTarget   string
	ActiveStreams int
}

// Tunnels returns a snapshot of every tunnel bound by this session.
func (s *Session) Tunnels() []TunnelView {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	out := make([]TunnelView, 0, len(s.listeners))
	for port, l := range s.listeners {
		spec := s.specs[port]
		out = append(out, TunnelView{
			RemotePort:    port,
			LocalTarget:   fmt.Sprintf("%s:%d", spec.LocalHost, spec.LocalPort),
			ActiveStreams: l.ActiveStreams(),
		})
	}
	return out
}

// addListener records a bound listener and its tunnel spec under the
// session so Close can tear it down along with everything else.
func (s *Session) addListener(port uint16, spec protocol.TunnelSpec, l *Listener) {
	s.listenersMu.Lock()
	s.listeners[port] = l
	s.specs[port] = spec
	s.listenersMu.Unlock()
}

// registerStreamHook records a callback invoked once when a CLOSE frame is
// received for streamID, letting the listener's forwarding code react (e.g.
// half-close the accepted socket's write side) without the stream package
// knowing about net.Conn.
func (s *Session) registerStreamHook(streamID uint32, hook func()) {
	s.hooksMu.Lock()
	s.hooks[streamID] = hook
	s.hooksMu.Unlock()
}

func (s *Session) popStreamHook(streamID uint32) (func(), bool) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	hook, ok := s.hooks[streamID]
	if ok {
		delete(s.hooks, streamID)
	}
	return hook, ok
}

// EnqueueFrame queues f for the write loop, failing if the session has
// already closed.
func (s *Session) EnqueueFrame(f *protocol.Frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("session %s closed", s.id)
	default:
	}
	select {
	case s.writeCh <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s closed", s.id)
	}
}

// SendData implements stream.FrameSender for this session's streams.
func (s *Session) SendData(streamID uint32, payload []byte) error {
	return s.EnqueueFrame(protocol.NewData(streamID, payload))
}

// SendClose implements stream.FrameSender for this session's streams.
func (s *Session) SendClose(streamID uint32, reason string) error {
	f, err := protocol.EncodeClose(streamID, reason)
	if err != nil {
		return err
	}
	return s.EnqueueFrame(f)
}

// SendOpen asks the agent to dial its local target for a newly accepted
// tunnel connection.
func (s *Session) SendOpen(p protocol.OpenPayload) error {
	f, err := protocol.EncodeOpen(p)
	if err != nil {
		return err
	}
	return s.EnqueueFrame(f)
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.writeCh:
			if err := s.codec.WriteFrame(f); err != nil {
				slog.Error("session write failed", "id", s.id, "err", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) demuxLoop() {
	defer s.Close()
	for {
		f, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Info("session read ended", "id", s.id, "err", err)
			}
			return
		}
		s.touch()

		switch f.Type {
		case protocol.TypeData:
			h, ok := s.table.Get(f.StreamID)
			if !ok {
				continue
			}
			h.Push(f.Payload)

		case protocol.TypeClose:
			payload, err := protocol.DecodeClose(f)
			if err != nil {
				slog.Warn("malformed close frame", "id", s.id, "err", err)
				continue
			}
			h, ok := s.table.Get(payload.StreamID)
			if !ok {
				continue
			}
			if h.MarkRemoteClosed() {
				if hook, ok := s.popStreamHook(payload.StreamID); ok {
					hook()
				}
			}
			if h.BothClosed() {
				s.table.Remove(payload.StreamID)
			}

		case protocol.TypePing:
			_ = s.EnqueueFrame(&protocol.Frame{Type: protocol.TypePong})

		case protocol.TypePong:
			// liveness already updated via touch above.

		default:
			slog.Warn("unexpected frame from agent", "type", protocol.TypeName(f.Type), "stream", f.StreamID)
		}
	}
}

func (s *Session) livenessLoop() {
	interval := s.cfg.Tunnel.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.idleFor() > s.cfg.Tunnel.IdleTimeout {
				slog.Warn("session idle timeout", "id", s.id, "idle_for", s.idleFor())
				s.Close()
				return
			}
			if err := s.EnqueueFrame(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears the session down: stops all loops, closes every bound
// listener, drains every stream, releases bound ports and unregisters the
// session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()

		s.listenersMu.Lock()
		for port, l := range s.listeners {
			l.Close()
			s.ports.Release(port)
		}
		s.listeners = nil
		s.listenersMu.Unlock()

		s.table.Drain()
		s.registry.Unregister(s.id)
		slog.Info("session closed", "id", s.id, "name", s.clientName)
	})
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

var _ stream.FrameSender = (*Session)(nil)
