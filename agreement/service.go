// Package agreement implements payment agreements: their lifecycle and the
// payroll, escrow and milestone claim engines.
package agreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payflow/host"
	"payflow/ledger"
)

// BatchPolicy decides what a per-index failure does to a payroll batch.
type BatchPolicy string

const (
	// BatchPartial records per-index failures in the result and keeps every
	// successful claim.
	BatchPartial BatchPolicy = "partial"
	// BatchAllOrNothing aborts the whole call on the first per-index failure.
	BatchAllOrNothing BatchPolicy = "all_or_nothing"
)

// ParseBatchPolicy accepts "partial" and "all_or_nothing"; empty means
// BatchPartial.
func ParseBatchPolicy(s string) (BatchPolicy, error) {
	switch BatchPolicy(s) {
	case "", BatchPartial:
		return BatchPartial, nil
	case BatchAllOrNothing:
		return BatchAllOrNothing, nil
	default:
		return "", fmt.Errorf("agreement: unknown batch policy %q, want %q or %q", s, BatchPartial, BatchAllOrNothing)
	}
}

type Service struct {
	host         *host.Host
	repo         *Repository
	payrollBatch BatchPolicy
}

type Option func(*Service)

func WithPayrollBatchPolicy(p BatchPolicy) Option {
	return func(s *Service) { s.payrollBatch = p }
}

func NewService(h *host.Host, opts ...Option) *Service {
	s := &Service{
		host:         h,
		repo:         NewRepository(),
		payrollBatch: BatchPartial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type claimHandler func(ctx context.Context, s *Service, c *host.Call, req ClaimRequest) (int64, error)

var claimHandlers = map[Mode]claimHandler{
	ModePayroll: func(ctx context.Context, s *Service, c *host.Call, req ClaimRequest) (int64, error) {
		return s.claimPayroll(ctx, c, req.Caller, req.AgreementID, req.Index)
	},
	ModeEscrow: func(ctx context.Context, s *Service, c *host.Call, req ClaimRequest) (int64, error) {
		return s.claimTimeBased(ctx, c, req.AgreementID)
	},
	ModeMilestone: func(ctx context.Context, s *Service, c *host.Call, req ClaimRequest) (int64, error) {
		return s.claimMilestone(ctx, c, req.AgreementID, req.MilestoneID)
	},
}

// Claim settles one claim on an agreement of any mode.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (int64, error) {
	handler, ok := claimHandlers[req.Mode]
	if !ok {
		return 0, fmt.Errorf("agreement: unknown mode %q: %w", req.Mode, ledger.ErrInvalidData)
	}
	var amount int64
	err := s.host.Invoke(ctx, "claim_"+string(req.Mode), func(ctx context.Context, c *host.Call) error {
		var err error
		amount, err = handler(ctx, s, c, req)
		return err
	})
	return amount, err
}

var validTransitions = map[Status][]Status{
	StatusCreated: {StatusActive},
	StatusActive:  {StatusPaused, StatusCancelled, StatusCompleted},
	StatusPaused:  {StatusActive, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves a to next and records the change on stream. The caller
// persists a.
func transition(ctx context.Context, c *host.Call, stream string, a *Agreement, next Status) error {
	if !canTransition(a.Status, next) {
		return fmt.Errorf("agreement: invalid transition %s -> %s: %w", a.Status, next, ledger.ErrInvalidData)
	}
	prev := a.Status
	a.Status = next
	c.Log.Info("agreement status changed",
		zap.Uint64("agreement_id", a.ID),
		zap.String("mode", string(a.Mode)),
		zap.String("previous_status", string(prev)),
		zap.String("next_status", string(next)),
	)
	return c.Emit(ctx, stream, EventStatusChanged, map[string]any{
		"agreement_id":    a.ID,
		"previous_status": prev,
		"next_status":     next,
	})
}

// elapsedPeriods returns the whole periods between the activation of a and
// at, or zero before activation.
func elapsedPeriods(activatedAt *uint64, at, periodSeconds uint64) uint64 {
	if activatedAt == nil || periodSeconds == 0 || at <= *activatedAt {
		return 0
	}
	return (at - *activatedAt) / periodSeconds
}

// accrualTime is the instant up to which a's periods accrue: now, or the
// cancellation time once cancelled.
func accrualTime(a Agreement, now uint64) uint64 {
	if a.CancelledAt != nil && *a.CancelledAt < now {
		return *a.CancelledAt
	}
	return now
}
