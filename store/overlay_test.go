package store

import (
	"context"
	"testing"
)

func TestOverlay_FlushAndDiscard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.Set(ctx, "agreement/1", []byte("base")); err != nil {
		t.Fatalf("set: %v", err)
	}

	o := NewOverlay(tx)
	if err := o.Set(ctx, "agreement/1", []byte("item")); err != nil {
		t.Fatalf("overlay set: %v", err)
	}
	if err := o.Set(ctx, "agreement/2", []byte("new")); err != nil {
		t.Fatalf("overlay set: %v", err)
	}
	if v, _, _ := o.Get(ctx, "agreement/1"); string(v) != "item" {
		t.Fatalf("overlay must read its own writes, got %q", v)
	}
	if v, _, _ := tx.Get(ctx, "agreement/1"); string(v) != "base" {
		t.Fatalf("parent must not see buffered writes, got %q", v)
	}

	o.Discard()
	if v, _, _ := o.Get(ctx, "agreement/1"); string(v) != "base" {
		t.Fatalf("discard must drop writes, got %q", v)
	}

	if err := o.Remove(ctx, "agreement/1"); err != nil {
		t.Fatalf("overlay remove: %v", err)
	}
	if err := o.Set(ctx, "agreement/3", []byte("kept")); err != nil {
		t.Fatalf("overlay set: %v", err)
	}
	if ok, _ := o.Has(ctx, "agreement/1"); ok {
		t.Fatal("removed key must be hidden in overlay")
	}
	if err := o.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if ok, _ := tx.Has(ctx, "agreement/1"); ok {
		t.Fatal("flush must apply removals")
	}
	if v, _, _ := tx.Get(ctx, "agreement/3"); string(v) != "kept" {
		t.Fatalf("flush must apply writes, got %q", v)
	}
	if ok, _ := tx.Has(ctx, "agreement/2"); ok {
		t.Fatal("discarded write leaked into parent")
	}
}
