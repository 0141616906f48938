package persistence_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/basket/currency-agent/internal/persistence"
)

func openCheckpointStore(t *testing.T) (*persistence.CheckpointStore, *persistence.Store) {
	t.Helper()
	store, _ := openTestStore(t)
	cp, err := persistence.NewCheckpointStore(context.Background(), store)
	if err != nil {
		t.Fatalf("new checkpoint store: %v", err)
	}
	return cp, store
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	cp, _ := openCheckpointStore(t)
	ctx := context.Background()

	blob := []byte(`{"version":1,"messages":[{"role":"user","text":"USD to EUR?"}]}`)
	cp.Put(ctx, "conv-1", blob)

	got, ok := cp.Get(ctx, "conv-1")
	if !ok {
		t.Fatal("expected checkpoint to exist")
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("blob mismatch:\n got %s\nwant %s", got, blob)
	}
}

func TestCheckpointStore_PreservesBytesExactly(t *testing.T) {
	cp, _ := openCheckpointStore(t)
	ctx := context.Background()

	// Whitespace and key order must survive untouched.
	blob := []byte("{ \"z\": 1,\n  \"a\": [ 2 ] }")
	cp.Put(ctx, "conv-raw", blob)

	got, ok := cp.Get(ctx, "conv-raw")
	if !ok || !bytes.Equal(got, blob) {
		t.Fatalf("expected exact bytes back, got %q (ok=%v)", got, ok)
	}
}

func TestCheckpointStore_LastWriteWins(t *testing.T) {
	cp, store := openCheckpointStore(t)
	ctx := context.Background()

	cp.Put(ctx, "conv-1", []byte(`{"step":1}`))
	cp.Put(ctx, "conv-1", []byte(`{"step":2}`))

	got, ok := cp.Get(ctx, "conv-1")
	if !ok || string(got) != `{"step":2}` {
		t.Fatalf("expected second write, got %q (ok=%v)", got, ok)
	}

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE conversation_id = ?`, "conv-1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row per conversation, got %d", n)
	}
}

func TestCheckpointStore_UnknownIsAbsent(t *testing.T) {
	cp, _ := openCheckpointStore(t)

	if _, ok := cp.Get(context.Background(), "never-written"); ok {
		t.Fatal("expected absent checkpoint")
	}
	_, err := cp.Load(context.Background(), "never-written")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Load, got %v", err)
	}
}

func TestCheckpointStore_EmptyIDIsNoop(t *testing.T) {
	cp, store := openCheckpointStore(t)
	ctx := context.Background()

	cp.Put(ctx, "", []byte(`{"x":1}`))
	cp.Put(ctx, "   ", []byte(`{"x":1}`))

	if _, ok := cp.Get(ctx, ""); ok {
		t.Fatal("expected absent checkpoint for empty id")
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows written for empty id, got %d", n)
	}
}

func TestCheckpointStore_ConcurrentPutsSameKey(t *testing.T) {
	cp, _ := openCheckpointStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cp.Put(ctx, "hot", []byte{byte('a' + i)})
		}(i)
	}
	wg.Wait()

	got, ok := cp.Get(ctx, "hot")
	if !ok || len(got) != 1 {
		t.Fatalf("expected one of the concurrent writes to win, got %q (ok=%v)", got, ok)
	}
}

func TestCheckpointStore_FailOpenWhenDatabaseDown(t *testing.T) {
	cp, store := openCheckpointStore(t)
	ctx := context.Background()
	cp.Put(ctx, "conv-1", []byte(`{}`))
	_ = store.Close()

	// Neither call may panic or block; reads collapse to absent.
	cp.Put(ctx, "conv-1", []byte(`{"after":"close"}`))
	if _, ok := cp.Get(ctx, "conv-1"); ok {
		t.Fatal("expected absent checkpoint while database is unavailable")
	}

	h := store.Health()
	if h.Errors < 2 {
		t.Fatalf("expected swallowed failures to be counted, got %d", h.Errors)
	}
	if h.ErrorsByOp["checkpoints.get"] == 0 || h.ErrorsByOp["checkpoints.put"] == 0 {
		t.Fatalf("expected per-op counters, got %#v", h.ErrorsByOp)
	}
	if h.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}

	_, err := cp.Load(ctx, "conv-1")
	if persistence.Classify(err) != persistence.OutcomeTransientError {
		t.Fatalf("expected transient outcome, got %v (%v)", persistence.Classify(err), err)
	}
	if !persistence.IsTransient(err) {
		t.Fatalf("expected *TransientError, got %T", err)
	}
}
