package stream

import "testing"

func Test_insert_rejects_duplicate_id(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Insert(1, NewHandle(4)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := tbl.Insert(1, NewHandle(4)); err == nil {
		t.Fatal("expected error inserting a duplicate stream id")
	}
}

func Test_next_stream_id_is_monotonic_per_table(t *testing.T) {
	tbl := NewTable()
	ids := make([]uint32, 5)
	for i := range ids {
		id, err := tbl.NextStreamID()
		if err != nil {
			t.Fatalf("NextStreamID failed: %v", err)
		}
		ids[i] = id
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}
	if ids[0] != 1 {
		t.Fatalf("expected first id to be 1, got %d", ids[0])
	}
}

func Test_remove_is_idempotent(t *testing.T) {
	tbl := NewTable()
	h := NewHandle(4)
	_ = tbl.Insert(5, h)

	tbl.Remove(5)
	if !h.Closed() {
		t.Fatal("expected handle to be closed after remove")
	}
	if _, ok := tbl.Get(5); ok {
		t.Fatal("expected stream to be gone after remove")
	}

	// second remove must not panic or error
	tbl.Remove(5)
}

func Test_drain_closes_all_handles(t *testing.T) {
	tbl := NewTable()
	handles := make([]*Handle, 3)
	for i := range handles {
		h := NewHandle(4)
		handles[i] = h
		if err := tbl.Insert(uint32(i+1), h); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	tbl.Drain()

	for i, h := range handles {
		if !h.Closed() {
			t.Errorf("handle %d not closed after drain", i)
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("expected empty table after drain, got %d entries", tbl.Len())
	}
}

func Test_push_after_close_returns_false(t *testing.T) {
	h := NewHandle(1)
	h.Close()
	if h.Push([]byte("x")) {
		t.Fatal("expected push to fail on a closed handle")
	}
}

func Test_push_blocks_until_drained_then_succeeds(t *testing.T) {
	h := NewHandle(1)
	if !h.Push([]byte("first")) {
		t.Fatal("expected first push to succeed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- h.Push([]byte("second"))
	}()

	select {
	case <-h.Recv():
	}

	if ok := <-done; !ok {
		t.Fatal("expected second push to succeed once queue drained")
	}
}
