package store

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. Only one transaction is open at a time;
// Begin blocks until the previous one commits or rolls back.
type Memory struct {
	gate chan struct{}

	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{
		gate: make(chan struct{}, 1),
		data: make(map[string][]byte),
	}
}

func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	select {
	case m.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &memoryTx{
		parent:  m,
		writes:  make(map[string][]byte),
		removed: make(map[string]struct{}),
	}, nil
}

// Len returns the number of committed keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type memoryTx struct {
	parent  *Memory
	writes  map[string][]byte
	removed map[string]struct{}
	done    bool
}

func (t *memoryTx) Get(_ context.Context, key string) ([]byte, bool, error) {
	if t.done {
		return nil, false, ErrTxDone
	}
	if _, gone := t.removed[key]; gone {
		return nil, false, nil
	}
	if v, ok := t.writes[key]; ok {
		return clone(v), true, nil
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	v, ok := t.parent.data[key]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (t *memoryTx) Set(_ context.Context, key string, value []byte) error {
	if t.done {
		return ErrTxDone
	}
	delete(t.removed, key)
	t.writes[key] = clone(value)
	return nil
}

func (t *memoryTx) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := t.Get(ctx, key)
	return ok, err
}

func (t *memoryTx) Remove(_ context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	delete(t.writes, key)
	t.removed[key] = struct{}{}
	return nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.parent.mu.Lock()
	for k := range t.removed {
		delete(t.parent.data, k)
	}
	for k, v := range t.writes {
		t.parent.data[k] = v
	}
	t.parent.mu.Unlock()
	t.finish()
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *memoryTx) finish() {
	t.done = true
	t.writes = nil
	t.removed = nil
	<-t.parent.gate
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
