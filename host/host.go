// Package host executes contract calls. Each call runs inside one store
// transaction with the caller's authentication, the token gateway, the
// current ledger time and the global settings; it commits only when the
// operation returns no error.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow/auth"
	"payflow/ledger"
	"payflow/store"
	"payflow/token"
)

const settingsKey = "config/settings"

// DefaultContractAddress is the account that holds funds on behalf of
// agreements unless WithContractAddress overrides it.
const DefaultContractAddress ledger.Address = "contract_payflow"

// Settings is the global configuration record written once by Initialize.
type Settings struct {
	Owner   ledger.Address `json:"owner"`
	Arbiter ledger.Address `json:"arbiter,omitempty"`
}

// Host runs contract calls against a store backend.
type Host struct {
	backend  store.Backend
	oracle   auth.Oracle
	contract ledger.Address
	now      func() time.Time
	log      *zap.Logger
	metrics  *Metrics
}

type Option func(*Host)

// WithClock sets the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Host) { h.log = log }
}

// WithOracle sets the authentication oracle. The default trusts the signers
// recorded on the call context.
func WithOracle(o auth.Oracle) Option {
	return func(h *Host) { h.oracle = o }
}

func WithContractAddress(addr ledger.Address) Option {
	return func(h *Host) { h.contract = addr }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

func New(backend store.Backend, opts ...Option) *Host {
	h := &Host{
		backend:  backend,
		oracle:   auth.ContextOracle{},
		contract: DefaultContractAddress,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ContractAddress returns the account that holds agreement funds.
func (h *Host) ContractAddress() ledger.Address { return h.contract }

func (h *Host) Metrics() *Metrics { return h.metrics }

// Call is the environment of one contract call.
type Call struct {
	ID       string
	Name     string
	Store    store.Store
	Token    token.Gateway
	Contract ledger.Address
	Now      uint64
	Settings Settings
	Log      *zap.Logger

	initialized bool
	oracle      auth.Oracle
	events      []Event
}

// RequireAuth fails with ledger.ErrNotAuthorized unless addr authorized the
// call.
func (c *Call) RequireAuth(ctx context.Context, addr ledger.Address) error {
	return c.oracle.RequireAuth(ctx, addr)
}

// Initialized reports whether Initialize has run.
func (c *Call) Initialized() bool { return c.initialized }

// SaveSettings replaces the global settings record.
func (c *Call) SaveSettings(ctx context.Context, s Settings) error {
	if err := store.PutJSON(ctx, c.Store, settingsKey, s); err != nil {
		return fmt.Errorf("host: save settings: %w", err)
	}
	c.Settings = s
	c.initialized = true
	return nil
}

// Emit appends an event to stream. The event is discarded with the rest of
// the call if the call fails.
func (c *Call) Emit(ctx context.Context, stream, typ string, payload any) error {
	ev, err := appendEvent(ctx, c.Store, Event{
		Stream: stream,
		Type:   typ,
		CallID: c.ID,
		At:     c.Now,
	}, payload)
	if err != nil {
		return err
	}
	c.events = append(c.events, ev)
	return nil
}

// Savepoint runs fn against a child of c whose writes, transfers and events
// reach c only if fn returns nil.
func (c *Call) Savepoint(ctx context.Context, fn func(ctx context.Context, c *Call) error) error {
	overlay := store.NewOverlay(c.Store)
	child := *c
	child.Store = overlay
	child.Token = token.NewLedger(overlay)
	child.events = nil
	if err := fn(ctx, &child); err != nil {
		overlay.Discard()
		return err
	}
	if err := overlay.Flush(ctx); err != nil {
		return err
	}
	c.events = append(c.events, child.events...)
	return nil
}

// Invoke runs fn as the contract call name. A returned error rolls back every
// store write and token transfer fn made.
func (h *Host) Invoke(ctx context.Context, name string, fn func(ctx context.Context, c *Call) error) error {
	return h.run(ctx, name, true, fn)
}

// View runs fn against a snapshot and always discards its writes.
func (h *Host) View(ctx context.Context, name string, fn func(ctx context.Context, c *Call) error) error {
	return h.run(ctx, name, false, fn)
}

func (h *Host) run(ctx context.Context, name string, commit bool, fn func(ctx context.Context, c *Call) error) (err error) {
	started := time.Now()
	callID := uuid.NewString()
	log := h.log.With(zap.String("call", name), zap.String("call_id", callID))

	defer func() {
		if commit {
			h.metrics.recordCall(ctx, name, time.Since(started), err)
		}
		switch {
		case err == nil:
			log.Debug("call completed", zap.Duration("duration", time.Since(started)))
		case ledger.KindOf(err) == ledger.KindInternal:
			log.Error("call failed", zap.Error(err))
		default:
			log.Info("call rejected", zap.String("code", ledger.CodeOf(err)), zap.Error(err))
		}
	}()

	tx, err := h.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("host: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := &Call{
		ID:       callID,
		Name:     name,
		Store:    tx,
		Token:    token.NewLedger(tx),
		Contract: h.contract,
		Now:      unixSeconds(h.now()),
		Log:      log,
		oracle:   h.oracle,
	}
	ok, err := store.GetJSON(ctx, tx, settingsKey, &c.Settings)
	if err != nil {
		return fmt.Errorf("host: load settings: %w", err)
	}
	c.initialized = ok

	if err := fn(ctx, c); err != nil {
		return err
	}
	if !commit {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("host: commit tx: %w", err)
	}
	for _, ev := range c.events {
		log.Debug("event", zap.String("stream", ev.Stream), zap.Uint64("seq", ev.Seq), zap.String("type", ev.Type))
	}
	return nil
}

// Initialize stores the contract owner. It succeeds exactly once.
func (h *Host) Initialize(ctx context.Context, owner ledger.Address) error {
	if owner.IsZero() {
		return fmt.Errorf("host: initialize: empty owner: %w", ledger.ErrInvalidData)
	}
	return h.Invoke(ctx, "initialize", func(ctx context.Context, c *Call) error {
		if c.Initialized() {
			return ledger.ErrAlreadyInitialized
		}
		if err := c.RequireAuth(ctx, owner); err != nil {
			return err
		}
		return c.SaveSettings(ctx, Settings{Owner: owner})
	})
}

// Settings returns the global settings or ledger.ErrNotInitialized.
func (h *Host) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := h.View(ctx, "settings", func(_ context.Context, c *Call) error {
		if !c.Initialized() {
			return ledger.ErrNotInitialized
		}
		s = c.Settings
		return nil
	})
	return s, err
}

// Timeline lists the events of stream in append order.
func (h *Host) Timeline(ctx context.Context, stream string) ([]Event, error) {
	var events []Event
	err := h.View(ctx, "timeline", func(ctx context.Context, c *Call) error {
		var err error
		events, err = readTimeline(ctx, c.Store, stream)
		return err
	})
	return events, err
}

// Mint credits amount of tok to addr. Operator tooling and test setup use it
// to fund accounts; it is not a contract entry point.
func (h *Host) Mint(ctx context.Context, tok, addr ledger.Address, amount int64) error {
	return h.Invoke(ctx, "mint", func(ctx context.Context, c *Call) error {
		return token.NewLedger(c.Store).Mint(ctx, tok, addr, amount)
	})
}

// Balance returns the token balance of addr.
func (h *Host) Balance(ctx context.Context, tok, addr ledger.Address) (int64, error) {
	var bal int64
	err := h.View(ctx, "balance", func(ctx context.Context, c *Call) error {
		var err error
		bal, err = c.Token.Balance(ctx, tok, addr)
		return err
	})
	return bal, err
}

func unixSeconds(t time.Time) uint64 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}

