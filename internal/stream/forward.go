package stream

import (
	"context"
	"fmt"
	"io"
)

// FrameSender is the narrow interface a session type (broker or agent side)
// exposes so the stream package can emit DATA/CLOSE frames without importing
// the protocol or session packages directly.
type FrameSender interface {
	SendData(streamID uint32, payload []byte) error
	SendClose(streamID uint32, reason string) error
}

// SocketToSession copies bytes read from conn into DATA frames sent over
// sender, until conn returns EOF/error or ctx is cancelled. It marks the
// handle's local side closed and emits a single CLOSE frame with reason on
// the way out, unless the handle's local side was already marked closed.
// If it finds the handle itself closed (the stream was removed or its table
// drained) before a read, it returns without marking or sending anything.
//
// maxFrame bounds each DATA payload: each read is capped at maxFrame bytes
// and sent as one frame.
func SocketToSession(ctx context.Context, sender FrameSender, streamID uint32, h *Handle, conn io.Reader, maxFrame int) {
	if maxFrame <= 0 {
		maxFrame = 32 * 1024
	}
	buf := make([]byte, maxFrame)
	reason := ReasonFromEOF
	for {
		select {
		case <-ctx.Done():
			reason = ReasonLocalClose
			goto done
		case <-h.Done():
			return
		default:
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := sender.SendData(streamID, chunk); sendErr != nil {
				reason = ReasonReset
				goto done
			}
		}
		if err != nil {
			if err != io.EOF {
				reason = ReasonReset
			}
			goto done
		}
	}
done:
	if h.MarkLocalClosed() {
		_ = sender.SendClose(streamID, reason)
	}
}

// SessionToSocket drains h's queue and writes each chunk to w, until the
// handle is closed or a write fails. It does not itself send CLOSE — the
// caller already knows the reason the handle is draining (either a local
// read error reported by SocketToSession on the same stream, or a remote
// CLOSE already observed by the demux loop).
func SessionToSocket(h *Handle, w io.Writer) error {
	for {
		select {
		case data, ok := <-h.Recv():
			if !ok {
				return nil
			}
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("writing to local socket: %w", err)
			}
		case <-h.Done():
			return nil
		}
	}
}

// ReasonFromEOF is the CLOSE reason used when a local read loop ends because
// its socket reached a clean EOF.
const ReasonFromEOF = "eof"

// ReasonReset and ReasonLocalClose mirror protocol.ReasonReset /
// protocol.ReasonLocalClose; duplicated here (rather than imported) to keep
// this package independent of the wire-format package.
const (
	ReasonReset      = "reset"
	ReasonLocalClose = "local-close"
)
