package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/reverseproxy/internal/protocol"
	"github.com/reverseproxy/internal/stream"
)

// maxConsecutiveAcceptErrors bounds how many transient Accept errors in a
// row a listener tolerates before giving up on itself. A session-wide
// problem (e.g. the agent vanished) will surface on the next frame write
// instead; this only protects against one tunnel's socket going bad.
const maxConsecutiveAcceptErrors = 10

// Listener owns the single TCP listener bound for one session's remote_port
// tunnel. Each accepted connection becomes one stream, multiplexed over the
// owning session.
type Listener struct {
	port    uint16
	session *Session
	ln      net.Listener
	cfg     *Config

	activeStreams atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// ActiveStreams reports how many streams accepted by this listener are
// currently open, for introspection.
func (l *Listener) ActiveStreams() int {
	return int(l.activeStreams.Load())
}

// bindListener opens a TCP listener for port and starts its accept loop.
func bindListener(session *Session, port uint16, cfg *Config) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("binding remote port %d: %w", port, err)
	}
	l := &Listener{
		port:    port,
		session: session,
		ln:      ln,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Close stops accepting new connections on this listener. Already-open
// streams are torn down separately, by the owning session draining its
// stream table.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.ln.Close()
	})
}

func (l *Listener) acceptLoop() {
	bo := backoff.NewExponentialBackOff()
	consecutiveErrs := 0
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveAcceptErrors {
				slog.Error("listener giving up after repeated accept errors", "port", l.port, "err", err)
				l.Close()
				return
			}
			wait := bo.NextBackOff()
			slog.Warn("transient accept error", "port", l.port, "err", err, "retry_in", wait)
			select {
			case <-time.After(wait):
				continue
			case <-l.done:
				return
			}
		}
		consecutiveErrs = 0
		bo.Reset()
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	l.activeStreams.Add(1)
	defer l.activeStreams.Add(-1)

	streamID, err := l.session.Table().NextStreamID()
	if err != nil {
		slog.Error("stream id space exhausted", "session", l.session.ID())
		return
	}
	h := stream.NewHandle(l.cfg.Tunnel.StreamQueueSize)
	if err := l.session.Table().Insert(streamID, h); err != nil {
		slog.Error("stream id collision", "id", streamID, "err", err)
		return
	}
	defer l.session.Table().Remove(streamID)

	// A remote CLOSE means the agent's own local read (the dialled local
	// target) hit EOF: it will push no more DATA for this stream.
	// Half-close the external connection's write side in response, but
	// keep reading from it, since the external client may still have more
	// to send, and let it keep flowing through until it closes on its own.
	l.session.registerStreamHook(streamID, func() {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	})

	if err := l.session.SendOpen(protocol.OpenPayload{
		StreamID:   streamID,
		RemotePort: l.port,
		PeerAddr:   conn.RemoteAddr().String(),
	}); err != nil {
		slog.Error("failed to send open frame", "id", streamID, "err", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stream.SocketToSession(context.Background(), l.session, streamID, h, conn, l.cfg.Tunnel.MaxFrameBytes)
		// SocketToSession only just marked this side locally closed; the
		// session's demux loop may have already marked the other side
		// remotely closed (if the remote CLOSE arrived first) without
		// removing the stream, since it couldn't know the local side
		// would finish later. Recheck here so the table entry isn't
		// leaked.
		if h.BothClosed() {
			l.session.Table().Remove(streamID)
		}
	}()

	_ = stream.SessionToSocket(h, conn)
	wg.Wait()
}

// newSessionID mints a unique session identifier for a freshly registered
// agent.
func newSessionID() string {
	return uuid.NewString()
}
