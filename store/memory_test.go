package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_CommitPublishesWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Set(ctx, "agreement/1", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, _ := tx.Has(ctx, "agreement/1"); !ok {
		t.Fatalf("expected write to be visible inside the transaction")
	}
	if m.Len() != 0 {
		t.Fatalf("expected no committed keys before commit, got %d", m.Len())
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback after commit should be a no-op, got %v", err)
	}

	tx2, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	defer tx2.Rollback(ctx)
	raw, ok, err := tx2.Get(ctx, "agreement/1")
	if err != nil || !ok {
		t.Fatalf("expected committed key, ok=%v err=%v", ok, err)
	}
	if string(raw) != `{"id":1}` {
		t.Fatalf("unexpected value %s", raw)
	}
}

func TestMemory_RollbackDiscardsWritesAndRemovals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seed, _ := m.Begin(ctx)
	_ = seed.Set(ctx, "keep", []byte("1"))
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	tx, _ := m.Begin(ctx)
	_ = tx.Set(ctx, "drop", []byte("2"))
	_ = tx.Remove(ctx, "keep")
	if ok, _ := tx.Has(ctx, "keep"); ok {
		t.Fatalf("removed key must be hidden inside the transaction")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	check, _ := m.Begin(ctx)
	defer check.Rollback(ctx)
	if ok, _ := check.Has(ctx, "keep"); !ok {
		t.Fatalf("rolled back removal must not delete the key")
	}
	if ok, _ := check.Has(ctx, "drop"); ok {
		t.Fatalf("rolled back write must not persist")
	}
}

func TestMemory_FinishedTxRejectsUse(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx, _ := m.Begin(ctx)
	_ = tx.Commit(ctx)

	if err := tx.Set(ctx, "k", nil); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, ErrTxDone) {
		t.Fatalf("expected ErrTxDone on double commit, got %v", err)
	}
}

func TestMemory_BeginWaitsForOpenTransaction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, _ := m.Begin(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Begin(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second Begin to block until deadline, got %v", err)
	}

	_ = first.Rollback(ctx)
	second, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin after release: %v", err)
	}
	_ = second.Rollback(ctx)
}

func TestPutJSON_IsCanonical(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx, _ := m.Begin(ctx)
	defer tx.Rollback(ctx)

	if err := PutJSON(ctx, tx, "a", map[string]any{"b": 1, "a": "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, _, _ := tx.Get(ctx, "a")
	if string(raw) != `{"a":"x","b":1}` {
		t.Fatalf("expected canonical encoding, got %s", raw)
	}

	var out struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	ok, err := GetJSON(ctx, tx, "a", &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.A != "x" || out.B != 1 {
		t.Fatalf("unexpected decode %+v", out)
	}

	ok, err = GetJSON(ctx, tx, "missing", &out)
	if err != nil || ok {
		t.Fatalf("expected missing key to report false, ok=%v err=%v", ok, err)
	}
}
