// Package store is the persistent keyed store the contract runs on. Every
// contract call executes inside one Tx obtained from a Backend; a call either
// commits all of its writes or none of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("store: transaction already finished")

// Store is a durable map from composite string keys to encoded records.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
}

// Tx is a Store whose writes become visible only after Commit. Rollback
// after Commit is a no-op so callers can always defer it.
type Tx interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend opens transactions. Implementations serialize transactions so
// that contract calls observe the ledger's global order.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
}

// GetJSON decodes the record at key into dst. It reports false when the key
// does not exist.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v at key using canonical JSON so equal records always
// produce identical bytes.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Encode returns the canonical (RFC 8785) JSON form of v.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
