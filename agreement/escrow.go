package agreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payflow/host"
	"payflow/ledger"
)

// ClaimTimeBased releases every period the contributor has earned since the
// last claim and returns the amount paid. The agreement completes once all
// periods are claimed.
func (s *Service) ClaimTimeBased(ctx context.Context, id uint64) (int64, error) {
	var amount int64
	err := s.host.Invoke(ctx, "claim_time_based", func(ctx context.Context, c *host.Call) error {
		var err error
		amount, err = s.claimTimeBased(ctx, c, id)
		return err
	})
	return amount, err
}

func (s *Service) claimTimeBased(ctx context.Context, c *host.Call, id uint64) (int64, error) {
	a, err := s.repo.Agreement(ctx, c.Store, id)
	if err != nil {
		return 0, err
	}
	if a.Mode != ModeEscrow {
		return 0, ledger.ErrInvalidData
	}
	terms, err := s.repo.EscrowTerms(ctx, c.Store, id)
	if err != nil {
		return 0, err
	}
	if err := c.RequireAuth(ctx, terms.Contributor); err != nil {
		return 0, err
	}
	if err := claimWindow(a, c.Now); err != nil {
		return 0, err
	}

	periods := elapsedPeriods(a.ActivatedAt, accrualTime(a, c.Now), terms.PeriodSeconds)
	if periods > uint64(terms.NumPeriods) {
		periods = uint64(terms.NumPeriods)
	}
	if periods <= uint64(terms.ClaimedPeriods) {
		return 0, ledger.ErrNoPeriodsToClaim
	}
	earned := periods - uint64(terms.ClaimedPeriods)
	amount, err := ledger.MulAmount(terms.AmountPerPeriod, earned)
	if err != nil {
		return 0, err
	}
	if err := s.repo.DebitEscrow(ctx, c.Store, id, amount); err != nil {
		return 0, err
	}
	terms.ClaimedPeriods = uint32(periods)
	if err := s.repo.PutEscrowTerms(ctx, c.Store, id, terms); err != nil {
		return 0, err
	}
	if terms.ClaimedPeriods == terms.NumPeriods && a.Status == StatusActive {
		if err := transition(ctx, c, Stream(id), &a, StatusCompleted); err != nil {
			return 0, err
		}
		if err := s.repo.PutAgreement(ctx, c.Store, a); err != nil {
			return 0, err
		}
	}
	if err := c.Token.Transfer(ctx, a.Token, c.Contract, terms.Contributor, amount); err != nil {
		return 0, fmt.Errorf("agreement: release escrow %d: %w", id, err)
	}

	c.Log.Info("time-based claim",
		zap.Uint64("agreement_id", id),
		zap.Uint64("periods", earned),
		zap.Int64("amount", amount),
	)
	if err := c.Emit(ctx, Stream(id), EventTimeBasedClaimed, map[string]any{
		"contributor":     terms.Contributor,
		"periods":         earned,
		"claimed_periods": terms.ClaimedPeriods,
		"amount":          amount,
	}); err != nil {
		return 0, err
	}
	return amount, nil
}

// ClaimedPeriods returns how many periods of escrow agreement id have been
// released.
func (s *Service) ClaimedPeriods(ctx context.Context, id uint64) (uint32, error) {
	var n uint32
	err := s.host.View(ctx, "get_claimed_periods", func(ctx context.Context, c *host.Call) error {
		terms, err := s.repo.EscrowTerms(ctx, c.Store, id)
		if err != nil {
			return err
		}
		n = terms.ClaimedPeriods
		return nil
	})
	return n, err
}
