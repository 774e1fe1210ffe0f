package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
	"github.com/reverseproxy/internal/stream"
)

// Session manages one agent-side websocket connection to the broker: the
// REGISTER handshake, the demux of OPEN/DATA/CLOSE/PING frames, and the
// per-stream table of locally dialled connections.
type Session struct {
	cfg   *Config
	conn  *websocket.Conn
	codec *protocol.Codec

	sessionID string

	table *stream.Table

	hooksMu sync.Mutex
	hooks   map[uint32]func()

	writeCh   chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the broker's websocket endpoint, optionally via dialer, and
// performs the REGISTER handshake. It returns a running Session on success.
func Connect(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Session, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	slog.Info("connecting to broker", "url", cfg.ServerURL)
	conn, _, err := wsDialer.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling broker: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		codec:   protocol.NewCodec(conn),
		table:   stream.NewTable(),
		hooks:   make(map[uint32]func()),
		writeCh: make(chan *protocol.Frame, 256),
		done:    make(chan struct{}),
	}

	if err := s.register(); err != nil {
		s.codec.Close()
		return nil, err
	}

	go s.writeLoop()
	go s.livenessLoop()
	slog.Info("registered with broker", "session", s.sessionID)
	return s, nil
}

func (s *Session) register() error {
	f, err := protocol.EncodeRegister(protocol.RegisterPayload{
		Name:    s.cfg.Name,
		Token:   s.cfg.Token,
		Tunnels: s.cfg.Tunnels,
	})
	if err != nil {
		return fmt.Errorf("encoding register frame: %w", err)
	}
	if err := s.codec.WriteFrame(f); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}

	ack, err := s.codec.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading register ack: %w", err)
	}
	if ack.Type != protocol.TypeRegisterAck {
		return fmt.Errorf("expected register ack, got %s", protocol.TypeName(ack.Type))
	}
	payload, err := protocol.DecodeRegisterAck(ack)
	if err != nil {
		return fmt.Errorf("decoding register ack: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("registration rejected: %s", payload.Error)
	}
	s.sessionID = payload.SessionID
	return nil
}

// Run reads frames from the broker and dispatches them until the connection
// fails or the session is closed. ctx is handed to the streams it opens;
// Run does not itself return when ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()
	for {
		f, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch f.Type {
		case protocol.TypeOpen:
			payload, err := protocol.DecodeOpen(f)
			if err != nil {
				slog.Warn("malformed open frame", "err", err)
				continue
			}
			go s.openStream(ctx, payload)

		case protocol.TypeData:
			h, ok := s.table.Get(f.StreamID)
			if !ok {
				continue
			}
			h.Push(f.Payload)

		case protocol.TypeClose:
			payload, err := protocol.DecodeClose(f)
			if err != nil {
				slog.Warn("malformed close frame", "err", err)
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
			_ = s.enqueue(&protocol.Frame{Type: protocol.TypePong})

		case protocol.TypePong:
			// the agent keeps no idle timer: a dead connection ends the
			// session only through a failed read or write.

		default:
			slog.Warn("unexpected frame from broker", "type", protocol.TypeName(f.Type), "stream", f.StreamID)
		}
	}
}

// findTunnel returns the tunnel spec matching remotePort, if the agent
// registered one.
func (s *Session) findTunnel(remotePort uint16) (protocol.TunnelSpec, bool) {
	for _, t := range s.cfg.Tunnels {
		if t.RemotePort == remotePort {
			return t, true
		}
	}
	return protocol.TunnelSpec{}, false
}

// openStream dials the local target for a newly opened stream and wires up
// symmetric forwarding between it and the broker.
func (s *Session) openStream(ctx context.Context, p protocol.OpenPayload) {
	spec, ok := s.findTunnel(p.RemotePort)
	if !ok {
		_ = s.sendClose(p.StreamID, protocol.ReasonNoTunnel)
		return
	}

	h := stream.NewHandle(0)
	if err := s.table.Insert(p.StreamID, h); err != nil {
		slog.Error("stream id collision", "id", p.StreamID, "err", err)
		return
	}
	defer s.table.Remove(p.StreamID)

	target := fmt.Sprintf("%s:%d", spec.LocalHost, spec.LocalPort)
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		slog.Warn("failed to dial local target", "target", target, "err", err)
		_ = s.sendClose(p.StreamID, protocol.ReasonDialFailed)
		return
	}
	defer conn.Close()

	// A remote CLOSE means the broker's own local read (the external
	// client's connection) hit EOF: it will push no more DATA for this
	// stream. Half-close the local target's write side in response, but
	// keep reading from it, since its response may still be in flight, and
	// let it keep flowing back until it closes the connection itself.
	s.registerStreamHook(p.StreamID, func() {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stream.SocketToSession(ctx, s, p.StreamID, h, conn, protocol.MaxFrameBytes)
		// SocketToSession only just marked this side locally closed; the
		// demux loop may have already marked the other side remotely
		// closed (if the remote CLOSE arrived first) without removing the
		// stream, since it couldn't know the local side would finish
		// later. Recheck here so the table entry isn't leaked.
		if h.BothClosed() {
			s.table.Remove(p.StreamID)
		}
	}()

	_ = stream.SessionToSocket(h, conn)
	wg.Wait()
}

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

func (s *Session) enqueue(f *protocol.Frame) error {
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	select {
	case s.writeCh <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	}
}

// SendData implements stream.FrameSender.
func (s *Session) SendData(streamID uint32, payload []byte) error {
	return s.enqueue(protocol.NewData(streamID, payload))
}

// SendClose implements stream.FrameSender.
func (s *Session) SendClose(streamID uint32, reason string) error {
	return s.sendClose(streamID, reason)
}

func (s *Session) sendClose(streamID uint32, reason string) error {
	f, err := protocol.EncodeClose(streamID, reason)
	if err != nil {
		return err
	}
	return s.enqueue(f)
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.writeCh:
			if err := s.codec.WriteFrame(f); err != nil {
				slog.Error("agent write failed", "err", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) livenessLoop() {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.enqueue(&protocol.Frame{Type: protocol.TypePing}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears down the session: stops its loops and drains every stream.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()
		s.table.Drain()
		slog.Info("agent session closed", "session", s.sessionID)
	})
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

var _ stream.FrameSender = (*Session)(nil)
