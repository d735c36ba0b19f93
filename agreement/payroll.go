package agreement

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"payflow/host"
	"payflow/ledger"
)

// ClaimPayroll pays employee every whole period elapsed since their last
// claim and returns the amount paid.
func (s *Service) ClaimPayroll(ctx context.Context, employee ledger.Address, id uint64, index uint32) (int64, error) {
	var amount int64
	err := s.host.Invoke(ctx, "claim_payroll", func(ctx context.Context, c *host.Call) error {
		var err error
		amount, err = s.claimPayroll(ctx, c, employee, id, index)
		return err
	})
	return amount, err
}

func (s *Service) claimPayroll(ctx context.Context, c *host.Call, employee ledger.Address, id uint64, index uint32) (int64, error) {
	a, err := s.repo.Agreement(ctx, c.Store, id)
	if err != nil {
		return 0, err
	}
	if a.Mode != ModePayroll {
		return 0, ledger.ErrInvalidData
	}
	if err := claimWindow(a, c.Now); err != nil {
		return 0, err
	}
	e, err := s.repo.Employee(ctx, c.Store, id, index)
	if err != nil {
		return 0, err
	}
	if e.Address != employee {
		return 0, ledger.ErrNotAuthorized
	}
	if err := c.RequireAuth(ctx, employee); err != nil {
		return 0, err
	}
	return s.payEmployee(ctx, c, a, e)
}

// payEmployee settles the unclaimed periods of e. Claimed periods and the
// escrow debit are written before the transfer.
func (s *Service) payEmployee(ctx context.Context, c *host.Call, a Agreement, e Employee) (int64, error) {
	periods := elapsedPeriods(a.ActivatedAt, accrualTime(a, c.Now), a.PeriodSeconds)
	if periods <= uint64(e.ClaimedPeriods) {
		return 0, ledger.ErrNoPeriodsToClaim
	}
	elapsed := periods - uint64(e.ClaimedPeriods)
	if periods > math.MaxUint32 {
		return 0, ledger.ErrOverflow
	}
	amount, err := ledger.MulAmount(e.Salary, elapsed)
	if err != nil {
		return 0, err
	}
	if err := s.repo.DebitEscrow(ctx, c.Store, a.ID, amount); err != nil {
		return 0, err
	}
	e.ClaimedPeriods = uint32(periods)
	if err := s.repo.PutEmployee(ctx, c.Store, a.ID, e); err != nil {
		return 0, err
	}
	if err := c.Token.Transfer(ctx, a.Token, c.Contract, e.Address, amount); err != nil {
		return 0, fmt.Errorf("agreement: pay employee %d/%d: %w", a.ID, e.Index, err)
	}

	c.Log.Info("payroll claimed",
		zap.Uint64("agreement_id", a.ID),
		zap.Uint32("index", e.Index),
		zap.Uint64("periods", elapsed),
		zap.Int64("amount", amount),
	)
	if err := c.Emit(ctx, Stream(a.ID), EventPayrollClaimed, map[string]any{
		"index":           e.Index,
		"employee":        e.Address,
		"periods":         elapsed,
		"claimed_periods": e.ClaimedPeriods,
		"amount":          amount,
	}); err != nil {
		return 0, err
	}
	return amount, nil
}

// BatchClaimPayroll claims for several employees of one agreement in the
// given order. The agreement must be active; otherwise the whole call fails
// with ledger.ErrInvalidData. caller must be the employer or the employee at
// each index. Per-index failures are handled by the service's BatchPolicy.
func (s *Service) BatchClaimPayroll(ctx context.Context, caller ledger.Address, id uint64, indices []uint32) (BatchClaimResult, error) {
	var result BatchClaimResult
	err := s.host.Invoke(ctx, "batch_claim_payroll", func(ctx context.Context, c *host.Call) error {
		result = BatchClaimResult{}
		a, err := s.repo.Agreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		if a.Mode != ModePayroll || a.Status != StatusActive {
			return ledger.ErrInvalidData
		}
		if err := c.RequireAuth(ctx, caller); err != nil {
			return err
		}

		for _, index := range indices {
			err := c.Savepoint(ctx, func(ctx context.Context, c *host.Call) error {
				e, err := s.repo.Employee(ctx, c.Store, id, index)
				if err != nil {
					return err
				}
				if caller != a.Employer && caller != e.Address {
					return ledger.ErrNotAuthorized
				}
				amount, err := s.payEmployee(ctx, c, a, e)
				if err != nil {
					return err
				}
				return result.succeed(amount)
			})
			if err == nil {
				continue
			}
			if s.payrollBatch == BatchAllOrNothing || ledger.KindOf(err) == ledger.KindInternal {
				return fmt.Errorf("agreement: batch index %d: %w", index, err)
			}
			result.fail(index, err)
		}
		return nil
	})
	if err != nil {
		return BatchClaimResult{}, err
	}
	s.host.Metrics().RecordBatch(ctx, "batch_claim_payroll", result.SuccessfulClaims, result.FailedClaims)
	return result, nil
}

// EmployeeClaimedPeriods returns how many periods the employee at index has
// been paid for.
func (s *Service) EmployeeClaimedPeriods(ctx context.Context, id uint64, index uint32) (uint32, error) {
	var n uint32
	err := s.host.View(ctx, "get_employee_claimed_periods", func(ctx context.Context, c *host.Call) error {
		e, err := s.repo.Employee(ctx, c.Store, id, index)
		if err != nil {
			return err
		}
		n = e.ClaimedPeriods
		return nil
	})
	return n, err
}
