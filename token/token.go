// Package token is the token transfer gateway the contract pays through.
package token

import (
	"context"
	"fmt"

	"payflow/ledger"
	"payflow/store"
)

// Gateway moves value between addresses.
type Gateway interface {
	// Transfer fails with ledger.ErrInsufficientFunds when from holds less
	// than amount.
	Transfer(ctx context.Context, token, from, to ledger.Address, amount int64) error
	Balance(ctx context.Context, token, addr ledger.Address) (int64, error)
}

// Ledger keeps token balances in the same store transaction as the contract
// state, so an aborted call also reverts its transfers.
type Ledger struct {
	s store.Store
}

func NewLedger(s store.Store) *Ledger {
	return &Ledger{s: s}
}

func balanceKey(token, addr ledger.Address) string {
	return fmt.Sprintf("token/%s/balance/%s", token, addr)
}

func (l *Ledger) Balance(ctx context.Context, token, addr ledger.Address) (int64, error) {
	var bal int64
	if _, err := store.GetJSON(ctx, l.s, balanceKey(token, addr), &bal); err != nil {
		return 0, fmt.Errorf("token: balance: %w", err)
	}
	return bal, nil
}

func (l *Ledger) Transfer(ctx context.Context, token, from, to ledger.Address, amount int64) error {
	if amount < 0 {
		return ledger.ErrInvalidAmount
	}
	if amount == 0 || from == to {
		return nil
	}
	fromBal, err := l.Balance(ctx, token, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("token: transfer %d from %s: %w", amount, from, ledger.ErrInsufficientFunds)
	}
	toBal, err := l.Balance(ctx, token, to)
	if err != nil {
		return err
	}
	toBal, err = ledger.AddAmount(toBal, amount)
	if err != nil {
		return err
	}
	if err := store.PutJSON(ctx, l.s, balanceKey(token, from), fromBal-amount); err != nil {
		return fmt.Errorf("token: debit: %w", err)
	}
	if err := store.PutJSON(ctx, l.s, balanceKey(token, to), toBal); err != nil {
		return fmt.Errorf("token: credit: %w", err)
	}
	return nil
}

// Mint credits amount to addr out of thin air. Only setup code and the
// operator tooling call it.
func (l *Ledger) Mint(ctx context.Context, token, addr ledger.Address, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	bal, err := l.Balance(ctx, token, addr)
	if err != nil {
		return err
	}
	bal, err = ledger.AddAmount(bal, amount)
	if err != nil {
		return err
	}
	if err := store.PutJSON(ctx, l.s, balanceKey(token, addr), bal); err != nil {
		return fmt.Errorf("token: mint: %w", err)
	}
	return nil
}
