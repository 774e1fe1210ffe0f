// Package stream implements the per-session stream table: the mapping
// from stream id to the in-memory queue that feeds bytes to a local TCP
// socket, plus the lifecycle rules around it.
package stream

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueDepth is the default bound on a stream's inbound frame queue.
const DefaultQueueDepth = 64

// Handle is the write end of an in-memory queue feeding bytes to a local TCP
// socket, plus a closed flag. The read end is drained by a single
// forwarding task that writes to the socket.
//
// The underlying channel is never closed directly — only one producer ever
// pushes to a given handle, but closing the channel concurrently with a send
// would panic, so termination is instead signalled by the separate done
// channel and consumers select over both.
type Handle struct {
	ch        chan []byte
	closeOnce sync.Once
	done      chan struct{}

	// localClosed and remoteClosed track the two halves of the stream's
	// lifecycle. In the normal close flow a stream's table entry is removed
	// once both are set; the owning session also removes it with either
	// flag unset when its forwarding ends another way (a failed OPEN, dial
	// or socket write), and drops it when the table is drained.
	localClosed  atomic.Bool
	remoteClosed atomic.Bool
}

// NewHandle creates a stream handle with a bounded queue.
func NewHandle(depth int) *Handle {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Handle{
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// Push enqueues a chunk of bytes, blocking if the queue is full. This is the
// end-to-end backpressure mechanism: a full queue here stalls the caller
// (the session's demux loop), which transitively stalls the peer.
// Push returns false without blocking if the handle has already been closed.
func (h *Handle) Push(data []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.ch <- data:
		return true
	case <-h.done:
		return false
	}
}

// Recv returns the channel a forwarding task should range over to drain
// queued bytes.
func (h *Handle) Recv() <-chan []byte {
	return h.ch
}

// Done returns a channel closed once the handle has been closed. A consumer
// should select over Recv() and Done() together and stop once Done fires,
// accepting that a few already-buffered chunks may go undelivered — the
// stream is tearing down either way.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close marks the handle closed; Push calls made afterwards are no-ops.
// Safe to call more than once and from more than one goroutine.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// MarkLocalClosed records that this side's socket read has hit EOF/error and
// a CLOSE has been (or is about to be) sent for it. Returns true the first
// time it is called, so the caller knows whether it is the one responsible
// for emitting the CLOSE frame.
func (h *Handle) MarkLocalClosed() bool {
	return h.localClosed.CompareAndSwap(false, true)
}

// MarkRemoteClosed records that a CLOSE frame has been received from the
// peer for this stream. Returns true the first time it is called.
func (h *Handle) MarkRemoteClosed() bool {
	return h.remoteClosed.CompareAndSwap(false, true)
}

// BothClosed reports whether both halves of the stream have closed, at which
// point the owning table entry should be removed.
func (h *Handle) BothClosed() bool {
	return h.localClosed.Load() && h.remoteClosed.Load()
}
