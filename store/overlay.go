package store

import (
	"context"
	"fmt"
	"sort"
)

// Overlay buffers writes on top of a parent Store until Flush. It gives a
// single item of a batch its own all-or-nothing scope inside the enclosing
// transaction.
type Overlay struct {
	parent  Store
	writes  map[string][]byte
	removed map[string]struct{}
}

func NewOverlay(parent Store) *Overlay {
	return &Overlay{
		parent:  parent,
		writes:  make(map[string][]byte),
		removed: make(map[string]struct{}),
	}
}

func (o *Overlay) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if _, gone := o.removed[key]; gone {
		return nil, false, nil
	}
	if v, ok := o.writes[key]; ok {
		return clone(v), true, nil
	}
	return o.parent.Get(ctx, key)
}

func (o *Overlay) Set(_ context.Context, key string, value []byte) error {
	delete(o.removed, key)
	o.writes[key] = clone(value)
	return nil
}

func (o *Overlay) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := o.Get(ctx, key)
	return ok, err
}

func (o *Overlay) Remove(_ context.Context, key string) error {
	delete(o.writes, key)
	o.removed[key] = struct{}{}
	return nil
}

// Flush applies the buffered writes to the parent in key order and empties
// the overlay.
func (o *Overlay) Flush(ctx context.Context) error {
	for _, k := range sortedKeys(o.removed) {
		if err := o.parent.Remove(ctx, k); err != nil {
			return fmt.Errorf("store: flush remove %s: %w", k, err)
		}
	}
	for _, k := range sortedKeys(o.writes) {
		if err := o.parent.Set(ctx, k, o.writes[k]); err != nil {
			return fmt.Errorf("store: flush set %s: %w", k, err)
		}
	}
	o.Discard()
	return nil
}

// Discard drops the buffered writes.
func (o *Overlay) Discard() {
	o.writes = make(map[string][]byte)
	o.removed = make(map[string]struct{})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
