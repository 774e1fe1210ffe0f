package stream

import (
	"fmt"
	"sync"
)

// Table is a per-session mapping from stream id to StreamHandle. It is
// accessed concurrently by the session's demux task (insert/get/remove on
// CLOSE) and by per-stream forwarding tasks (remove on local EOF), so all
// operations serialize through a single mutex.
type Table struct {
	mu      sync.Mutex
	streams map[uint32]*Handle
	nextID  uint32
}

// NewTable creates an empty stream table. Stream ids are allocated starting
// at 1.
func NewTable() *Table {
	return &Table{streams: make(map[uint32]*Handle)}
}

// NextStreamID allocates the next strictly increasing stream id for this
// session. Overflow of uint32 is reported as an error rather than wrapping;
// a session would need to open over four billion streams to hit it.
func (t *Table) NextStreamID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextID == ^uint32(0) {
		return 0, fmt.Errorf("stream id space exhausted for session")
	}
	t.nextID++
	return t.nextID, nil
}

// Insert registers a handle under id. It fails if id is already present,
// which would indicate a stream id collision within the session.
func (t *Table) Insert(id uint32, h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.streams[id]; exists {
		return fmt.Errorf("stream id %d already registered", id)
	}
	t.streams[id] = h
	return nil
}

// Get looks up a stream's handle. Used by the demux side on every inbound
// DATA frame.
func (t *Table) Get(id uint32) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.streams[id]
	return h, ok
}

// Remove deletes id from the table and closes its handle. Idempotent: a
// second Remove of the same id is a no-op. Remove does not stop the id from
// being inserted again; ids are kept from reappearing within a session by
// NextStreamID only ever increasing.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	h, ok := t.streams[id]
	if ok {
		delete(t.streams, id)
	}
	t.mu.Unlock()
	if ok {
		h.Close()
	}
}

// Drain closes every handle currently registered and empties the table. It
// is called on session teardown.
func (t *Table) Drain() {
	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.streams))
	for id, h := range t.streams {
		handles = append(handles, h)
		delete(t.streams, id)
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

// Len reports how many streams are currently registered, for introspection.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
