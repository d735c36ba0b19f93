package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payflow/ledger"
)

var (
	// ErrAccountNotFound signals that no account exists for the address or id.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateAddress signals that the address is already registered.
	ErrDuplicateAddress = errors.New("auth: address already registered")
)

// Repository handles data access for accounts.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByAddress(ctx context.Context, addr ledger.Address) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
}

// CreateAccountParams contains write parameters for creating accounts.
type CreateAccountParams struct {
	Address      ledger.Address
	Label        string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed account repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id::text, address, label, password_hash, role, created_at, updated_at`

// CreateAccount inserts a new account with a hashed passphrase.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	const insertSQL = `
		INSERT INTO accounts (address, label, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + accountColumns

	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, string(params.Address), params.Label, params.PasswordHash, string(params.Role)))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateAddress
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}
	return acct, nil
}

// GetAccountByAddress retrieves an account by its ledger address.
func (r *PGRepository) GetAccountByAddress(ctx context.Context, addr ledger.Address) (Account, error) {
	const selectSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE address = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, string(addr)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by address: %w", err)
	}
	return acct, nil
}

// GetAccountByID retrieves an account by its id.
func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	const selectSQL = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}
	return acct, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct    Account
		address string
		role    string
	)
	if err := row.Scan(&acct.ID, &address, &acct.Label, &acct.PasswordHash, &role, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}
	acct.Address = ledger.Address(address)
	acct.Role = Role(role)
	return acct, nil
}

// MemoryRepository keeps accounts in process. It backs the memory and
// SQLite deployments, which have no accounts table.
type MemoryRepository struct {
	mu        sync.RWMutex
	byAddress map[ledger.Address]Account
	byID      map[string]Account
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byAddress: make(map[ledger.Address]Account),
		byID:      make(map[string]Account),
	}
}

func (r *MemoryRepository) CreateAccount(_ context.Context, params CreateAccountParams) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddress[params.Address]; exists {
		return Account{}, ErrDuplicateAddress
	}
	now := time.Now().UTC()
	acct := Account{
		ID:           uuid.NewString(),
		Address:      params.Address,
		Label:        params.Label,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.byAddress[acct.Address] = acct
	r.byID[acct.ID] = acct
	return acct, nil
}

func (r *MemoryRepository) GetAccountByAddress(_ context.Context, addr ledger.Address) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.byAddress[addr]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (r *MemoryRepository) GetAccountByID(_ context.Context, id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}
