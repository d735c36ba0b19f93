package agreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payflow/host"
	"payflow/ledger"
)

// AddMilestone appends a milestone of amount to agreement id and returns its
// id. Milestone ids start at 1.
func (s *Service) AddMilestone(ctx context.Context, id uint64, amount int64) (uint32, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	var mid uint32
	err := s.host.Invoke(ctx, "add_milestone", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.MilestoneAgreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		if err := c.RequireAuth(ctx, a.Employer); err != nil {
			return err
		}
		if a.Status == StatusCancelled || a.Status == StatusCompleted {
			return ledger.ErrInvalidData
		}
		mid, err = s.repo.appendMilestone(ctx, c.Store, id, amount)
		if err != nil {
			return err
		}
		return c.Emit(ctx, MilestoneStream(id), EventMilestoneAdded, map[string]any{
			"milestone_id": mid,
			"amount":       amount,
		})
	})
	return mid, err
}

// ApproveMilestone marks milestone mid payable. Approving twice is a no-op.
func (s *Service) ApproveMilestone(ctx context.Context, id uint64, mid uint32) error {
	return s.host.Invoke(ctx, "approve_milestone", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.MilestoneAgreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		if err := c.RequireAuth(ctx, a.Employer); err != nil {
			return err
		}
		m, err := s.repo.Milestone(ctx, c.Store, id, mid)
		if err != nil {
			return err
		}
		if m.Approved {
			return nil
		}
		m.Approved = true
		if err := s.repo.PutMilestone(ctx, c.Store, id, m); err != nil {
			return err
		}
		return c.Emit(ctx, MilestoneStream(id), EventMilestoneApproved, map[string]any{"milestone_id": mid})
	})
}

// ClaimMilestone pays an approved milestone to the contributor.
func (s *Service) ClaimMilestone(ctx context.Context, id uint64, mid uint32) (int64, error) {
	var amount int64
	err := s.host.Invoke(ctx, "claim_milestone", func(ctx context.Context, c *host.Call) error {
		var err error
		amount, err = s.claimMilestone(ctx, c, id, mid)
		return err
	})
	return amount, err
}

func (s *Service) claimMilestone(ctx context.Context, c *host.Call, id uint64, mid uint32) (int64, error) {
	a, err := s.claimableMilestoneAgreement(ctx, c, id)
	if err != nil {
		return 0, err
	}
	amount, err := s.payMilestone(ctx, c, a, mid)
	if err != nil {
		return 0, err
	}
	if err := s.completeIfSettled(ctx, c, &a); err != nil {
		return 0, err
	}
	return amount, nil
}

// BatchClaimMilestones claims milestones in the given order. Items that are
// unknown, unapproved, already claimed (before or earlier in this batch) or
// cannot be paid are reported as failures and never undo successful items.
func (s *Service) BatchClaimMilestones(ctx context.Context, id uint64, mids []uint32) (BatchClaimResult, error) {
	var result BatchClaimResult
	err := s.host.Invoke(ctx, "batch_claim_milestones", func(ctx context.Context, c *host.Call) error {
		result = BatchClaimResult{}
		a, err := s.claimableMilestoneAgreement(ctx, c, id)
		if err != nil {
			return err
		}

		processed := make(map[uint32]bool, len(mids))
		for _, mid := range mids {
			err := c.Savepoint(ctx, func(ctx context.Context, c *host.Call) error {
				if processed[mid] {
					return ledger.ErrAlreadyClaimed
				}
				amount, err := s.payMilestone(ctx, c, a, mid)
				if err != nil {
					return err
				}
				return result.succeed(amount)
			})
			if err == nil {
				processed[mid] = true
				continue
			}
			if ledger.KindOf(err) == ledger.KindInternal {
				return fmt.Errorf("agreement: batch milestone %d: %w", mid, err)
			}
			result.fail(mid, err)
		}
		return s.completeIfSettled(ctx, c, &a)
	})
	if err != nil {
		return BatchClaimResult{}, err
	}
	s.host.Metrics().RecordBatch(ctx, "batch_claim_milestones", result.SuccessfulClaims, result.FailedClaims)
	return result, nil
}

// claimableMilestoneAgreement loads agreement id and checks the preconditions
// shared by single and batch milestone claims.
func (s *Service) claimableMilestoneAgreement(ctx context.Context, c *host.Call, id uint64) (Agreement, error) {
	a, err := s.repo.MilestoneAgreement(ctx, c.Store, id)
	if err != nil {
		return Agreement{}, err
	}
	if err := c.RequireAuth(ctx, a.Contributor); err != nil {
		return Agreement{}, err
	}
	if a.Status == StatusPaused || a.Status == StatusCancelled {
		return Agreement{}, ledger.ErrInvalidData
	}
	return a, nil
}

// payMilestone marks mid claimed and debits the agreement's balance, then
// transfers the amount from the contract to the contributor.
func (s *Service) payMilestone(ctx context.Context, c *host.Call, a Agreement, mid uint32) (int64, error) {
	m, err := s.repo.Milestone(ctx, c.Store, a.ID, mid)
	if err != nil {
		return 0, err
	}
	if !m.Approved {
		return 0, ledger.ErrNotApproved
	}
	if m.Claimed {
		return 0, ledger.ErrAlreadyClaimed
	}
	m.Claimed = true
	if err := s.repo.PutMilestone(ctx, c.Store, a.ID, m); err != nil {
		return 0, err
	}
	if err := s.repo.DebitMilestoneBalance(ctx, c.Store, a.ID, m.Amount); err != nil {
		return 0, err
	}
	if err := c.Token.Transfer(ctx, a.Token, c.Contract, a.Contributor, m.Amount); err != nil {
		return 0, fmt.Errorf("agreement: pay milestone %d/%d: %w", a.ID, mid, err)
	}

	c.Log.Info("milestone claimed",
		zap.Uint64("agreement_id", a.ID),
		zap.Uint32("milestone_id", mid),
		zap.Int64("amount", m.Amount),
	)
	if err := c.Emit(ctx, MilestoneStream(a.ID), EventMilestoneClaimed, map[string]any{
		"milestone_id": mid,
		"amount":       m.Amount,
	}); err != nil {
		return 0, err
	}
	return m.Amount, nil
}

func (s *Service) completeIfSettled(ctx context.Context, c *host.Call, a *Agreement) error {
	if a.Status != StatusActive {
		return nil
	}
	done, err := s.repo.allMilestonesClaimed(ctx, c.Store, a.ID)
	if err != nil || !done {
		return err
	}
	if err := transition(ctx, c, MilestoneStream(a.ID), a, StatusCompleted); err != nil {
		return err
	}
	return s.repo.PutMilestoneAgreement(ctx, c.Store, *a)
}
