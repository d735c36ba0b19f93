package auth

import (
	"time"

	"payflow/ledger"
)

type Role string

const (
	RoleEmployer     Role = "employer"
	RoleCounterparty Role = "counterparty"
	RoleOperator     Role = "operator"
)

// Account binds a ledger address to the credentials allowed to sign calls
// for it. It mirrors the accounts table and carries no JSON annotations so
// presentation layers can shape their own payloads.
type Account struct {
	ID           string
	Address      ledger.Address
	Label        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Address    ledger.Address `json:"address"`
	Passphrase string         `json:"passphrase"`
	Label      string         `json:"label"`
	Role       Role           `json:"role"`
}

// LoginRequest contains account credentials.
type LoginRequest struct {
	Address    ledger.Address `json:"address"`
	Passphrase string         `json:"passphrase"`
}
