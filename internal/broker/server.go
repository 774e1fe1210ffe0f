package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/reverseproxy/internal/protocol"
)

// Server is the broker process: a single websocket control endpoint that
// agents register over, plus a read-only HTTP introspection surface.
type Server struct {
	cfg      *Config
	registry *Registry
	ports    *PortBinder
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	start    time.Time
}

// NewServer builds a broker server from cfg. Call Run to start serving.
func NewServer(cfg *Config) *Server {
	registry := NewRegistry()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		ports:    NewPortBinder(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		start: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get(cfg.Tunnel.Path, s.handleTunnel)
	r.Get("/health", s.handleHealth)
	r.Get("/api/clients", s.handleClients)
	r.Get("/api/tunnels", s.handleTunnels)

	s.httpSrv = &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: r,
	}
	return s
}

// Run starts the broker's listener and blocks until it returns (on error or
// on a clean Shutdown via the provided context).
func (s *Server) Run() error {
	slog.Info("broker starting", "addr", s.cfg.Listen.Addr, "tls", s.cfg.TLS.Enabled())
	if s.cfg.TLS.Enabled() {
		err := s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and closes every registered
// session, per the graceful-shutdown behaviour expected of a long-running
// broker process.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, sess := range s.registry.List() {
		sess.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleTunnel upgrades the connection, performs the REGISTER handshake,
// binds the requested remote ports, and starts the resulting session.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	codec := protocol.NewCodec(conn)
	f, err := codec.ReadFrame()
	if err != nil || f.Type != protocol.TypeRegister {
		slog.Warn("expected register frame", "err", err, "remote", r.RemoteAddr)
		codec.Close()
		return
	}
	reg, err := protocol.DecodeRegister(f)
	if err != nil {
		slog.Warn("malformed register payload", "err", err, "remote", r.RemoteAddr)
		codec.Close()
		return
	}

	if err := ValidateToken(s.cfg.Auth.Token, reg.Token); err != nil {
		s.rejectRegister(codec, fmt.Sprintf("auth: %v", err))
		return
	}
	for _, t := range reg.Tunnels {
		if !s.cfg.Ports.Contains(t.RemotePort) {
			s.rejectRegister(codec, fmt.Sprintf("remote_port %d outside allowed range", t.RemotePort))
			return
		}
	}

	sessionID := newSessionID()
	session := NewSession(sessionID, reg.Name, conn, s.cfg, s.registry, s.ports)

	bound := make([]uint16, 0, len(reg.Tunnels))
	for _, t := range reg.Tunnels {
		if err := s.ports.TryBind(t.RemotePort, sessionID); err != nil {
			s.rejectRegister(codec, err.Error())
			s.releaseBound(session)
			return
		}
		listener, err := bindListener(session, t.RemotePort, s.cfg)
		if err != nil {
			s.ports.Release(t.RemotePort)
			s.rejectRegister(codec, err.Error())
			s.releaseBound(session)
			return
		}
		session.addListener(t.RemotePort, t, listener)
		bound = append(bound, t.RemotePort)
	}

	ackFrame, err := protocol.EncodeRegisterAck(protocol.RegisterAckPayload{
		OK:         true,
		SessionID:  sessionID,
		BoundPorts: bound,
	})
	if err != nil || codec.WriteFrame(ackFrame) != nil {
		slog.Error("failed to send register ack", "session", sessionID)
		s.releaseBound(session)
		codec.Close()
		return
	}

	s.registry.Register(session)
	session.Start()
	slog.Info("agent registered", "session", sessionID, "name", reg.Name, "ports", bound)
}

// releaseBound tears down a session whose REGISTER failed part-way: it
// closes every listener already bound for the session and frees their ports.
func (s *Server) releaseBound(session *Session) {
	session.Close()
}

func (s *Server) rejectRegister(codec *protocol.Codec, reason string) {
	f, err := protocol.EncodeRegisterAck(protocol.RegisterAckPayload{OK: false, Error: reason})
	if err == nil {
		_ = codec.WriteFrame(f)
	}
	codec.Close()
}

// healthResponse is the liveness body served by GET /health. Only Status is
// fixed; Sessions and UptimeSec change with the broker's state.
type healthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	UptimeSec int64  `json:"uptime_sec"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthResponse{
		Status:    "ok",
		Sessions:  s.registry.Size(),
		UptimeSec: int64(time.Since(s.start).Seconds()),
	})
}

// clientView is one entry in the GET /api/clients listing.
type clientView struct {
	SessionID   string    `json:"session_id"`
	ClientName  string    `json:"client_name"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	TunnelCount int       `json:"tunnel_count"`
	StreamCount int       `json:"stream_count"`
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make([]clientView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, clientView{
			SessionID:   sess.ID(),
			ClientName:  sess.ClientName(),
			RemoteAddr:  sess.RemoteAddr(),
			ConnectedAt: sess.ConnectedAt(),
			TunnelCount: sess.TunnelCount(),
			StreamCount: sess.StreamCount(),
		})
	}
	writeJSON(w, out)
}

// tunnelView is one entry in the GET /api/tunnels listing.
type tunnelView struct {
	SessionID     string `json:"session_id"`
	ClientName    string `json:"client_name"`
	RemotePort    uint16 `json:"remote_port"`
	LocalTarget   string `json:"local_target"`
	ActiveStreams int    `json:"active_streams"`
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make([]tunnelView, 0)
	for _, sess := range sessions {
		for _, t := range sess.Tunnels() {
			out = append(out, tunnelView{
				SessionID:     sess.ID(),
				ClientName:    sess.ClientName(),
				RemotePort:    t.RemotePort,
				LocalTarget:   t.LocalTarget,
				ActiveStreams: t.ActiveStreams,
			})
		}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "err", err)
	}
}
