package node

import (
	"testing"

	"github.com/myco-mesh/myco/pkg/digest"
)

func TestServiceTable_PutAndGet(t *testing.T) {
	t.Parallel()

	tbl := newServiceTable(2)

	svc := NewService(1, "a", "flake:a", "a")
	if err := tbl.Put(svc); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := tbl.Get(1)
	if !ok || got.ID != 1 {
		t.Fatalf("get: got %+v, ok=%v", got, ok)
	}

	if tbl.Len() != 1 {
		t.Fatalf("len: got %d, want 1", tbl.Len())
	}
}

func TestServiceTable_FullRejectsNewID(t *testing.T) {
	t.Parallel()

	tbl := newServiceTable(1)

	if err := tbl.Put(NewService(1, "a", "flake:a", "a")); err != nil {
		t.Fatalf("put 1: %v", err)
	}

	// Updating the same id when full is fine.
	if err := tbl.Put(NewService(1, "a2", "flake:a2", "a2")); err != nil {
		t.Fatalf("put 1 again: %v", err)
	}

	err := tbl.Put(NewService(2, "b", "flake:b", "b"))
	if err == nil {
		t.Fatal("expected ErrServiceTableFull")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []digest.Entry{{ID: 1, Version: 100}, {ID: 2, Version: 200}, {ID: 9, Version: 999}}

	body, err := encodeSnapshot(entries, 9)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	scratch := make([]digest.Entry, 16)

	got, lastID, err := decodeSnapshot(body, scratch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if lastID != 9 {
		t.Fatalf("lastID: got %d, want 9", lastID)
	}

	if len(got) != len(entries) {
		t.Fatalf("entry count: got %d, want %d", len(got), len(entries))
	}

	for i, e := range entries {
		if got[i] != e {
			t.Fatalf("entry %d: got %+v, want %+v", i, got[i], e)
		}
	}
}

func TestSnapshotRoundTrip_Empty(t *testing.T) {
	t.Parallel()

	body, err := encodeSnapshot(nil, 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	scratch := make([]digest.Entry, 4)

	got, lastID, err := decodeSnapshot(body, scratch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(got) != 0 || lastID != 0 {
		t.Fatalf("got entries=%v lastID=%d, want empty/0", got, lastID)
	}
}
