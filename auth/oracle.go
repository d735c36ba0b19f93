package auth

import (
	"context"
	"fmt"
	"slices"

	"payflow/ledger"
)

// Oracle verifies that the current call was authorized by an address.
type Oracle interface {
	RequireAuth(ctx context.Context, addr ledger.Address) error
}

type signersKey struct{}

// WithSigners records the addresses that authorized the call carried by ctx.
func WithSigners(ctx context.Context, signers ...ledger.Address) context.Context {
	existing := Signers(ctx)
	all := make([]ledger.Address, 0, len(existing)+len(signers))
	all = append(all, existing...)
	all = append(all, signers...)
	return context.WithValue(ctx, signersKey{}, all)
}

// Signers returns the addresses that authorized the call carried by ctx.
func Signers(ctx context.Context) []ledger.Address {
	s, _ := ctx.Value(signersKey{}).([]ledger.Address)
	return s
}

// ContextOracle trusts the signers placed on the context by the transport
// layer after it verified their bearer tokens.
type ContextOracle struct{}

func (ContextOracle) RequireAuth(ctx context.Context, addr ledger.Address) error {
	if addr.IsZero() || !slices.Contains(Signers(ctx), addr) {
		return fmt.Errorf("auth: call not signed by %s: %w", addr, ledger.ErrNotAuthorized)
	}
	return nil
}

// AllowAll authorizes every address. Tests and local tooling use it the way
// a sandbox mocks all authorizations.
type AllowAll struct{}

func (AllowAll) RequireAuth(context.Context, ledger.Address) error { return nil }
