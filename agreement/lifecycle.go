package agreement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payflow/host"
	"payflow/ledger"
	"payflow/store"
)

// family binds lifecycle operations to one of the two agreement key
// families. Payroll and escrow agreements share one; milestone agreements
// have their own id sequence and records.
type family struct {
	name   string
	load   func(r *Repository, ctx context.Context, s store.Store, id uint64) (Agreement, error)
	save   func(r *Repository, ctx context.Context, s store.Store, a Agreement) error
	stream func(id uint64) string
}

var (
	agreements = family{
		name:   "agreement",
		load:   (*Repository).Agreement,
		save:   (*Repository).PutAgreement,
		stream: Stream,
	}
	milestoneAgreements = family{
		name:   "milestone_agreement",
		load:   (*Repository).MilestoneAgreement,
		save:   (*Repository).PutMilestoneAgreement,
		stream: MilestoneStream,
	}
)

// CreatePayrollAgreement opens a payroll agreement in the created state and
// returns its id.
func (s *Service) CreatePayrollAgreement(ctx context.Context, p PayrollParams) (uint64, error) {
	if p.Employer.IsZero() || p.Token.IsZero() {
		return 0, fmt.Errorf("agreement: employer and token are required: %w", ledger.ErrInvalidData)
	}
	if p.PeriodSeconds == 0 {
		p.PeriodSeconds = DefaultPayrollPeriodSeconds
	}

	var id uint64
	err := s.host.Invoke(ctx, "create_payroll_agreement", func(ctx context.Context, c *host.Call) error {
		if err := c.RequireAuth(ctx, p.Employer); err != nil {
			return err
		}
		var err error
		id, err = s.repo.nextID(ctx, c.Store, agreementCounterKey)
		if err != nil {
			return err
		}
		a := Agreement{
			ID:                 id,
			Employer:           p.Employer,
			Token:              p.Token,
			Mode:               ModePayroll,
			Status:             StatusCreated,
			GracePeriodSeconds: p.GracePeriodSeconds,
			PeriodSeconds:      p.PeriodSeconds,
			CreatedAt:          c.Now,
		}
		return s.create(ctx, c, agreements, a)
	})
	return id, err
}

// CreateEscrowAgreement opens a time-based escrow agreement for a single
// contributor and returns its id.
func (s *Service) CreateEscrowAgreement(ctx context.Context, p EscrowParams) (uint64, error) {
	switch {
	case p.Employer.IsZero() || p.Contributor.IsZero() || p.Token.IsZero():
		return 0, fmt.Errorf("agreement: employer, contributor and token are required: %w", ledger.ErrInvalidData)
	case p.AmountPerPeriod <= 0:
		return 0, ledger.ErrInvalidAmount
	case p.PeriodSeconds == 0 || p.NumPeriods == 0:
		return 0, ledger.ErrInvalidPeriod
	}
	if _, err := ledger.MulAmount(p.AmountPerPeriod, uint64(p.NumPeriods)); err != nil {
		return 0, err
	}
	if p.GracePeriodSeconds == 0 {
		p.GracePeriodSeconds = DefaultEscrowGraceSeconds
	}

	var id uint64
	err := s.host.Invoke(ctx, "create_escrow_agreement", func(ctx context.Context, c *host.Call) error {
		if err := c.RequireAuth(ctx, p.Employer); err != nil {
			return err
		}
		var err error
		id, err = s.repo.nextID(ctx, c.Store, agreementCounterKey)
		if err != nil {
			return err
		}
		a := Agreement{
			ID:                 id,
			Employer:           p.Employer,
			Contributor:        p.Contributor,
			Token:              p.Token,
			Mode:               ModeEscrow,
			Status:             StatusCreated,
			GracePeriodSeconds: p.GracePeriodSeconds,
			PeriodSeconds:      p.PeriodSeconds,
			CreatedAt:          c.Now,
		}
		if err := s.repo.PutEscrowTerms(ctx, c.Store, id, EscrowTerms{
			Contributor:     p.Contributor,
			AmountPerPeriod: p.AmountPerPeriod,
			PeriodSeconds:   p.PeriodSeconds,
			NumPeriods:      p.NumPeriods,
		}); err != nil {
			return err
		}
		return s.create(ctx, c, agreements, a)
	})
	return id, err
}

// CreateMilestoneAgreement opens a milestone agreement. It needs no
// activation and starts active.
func (s *Service) CreateMilestoneAgreement(ctx context.Context, employer, contributor, token ledger.Address) (uint64, error) {
	if employer.IsZero() || contributor.IsZero() || token.IsZero() {
		return 0, fmt.Errorf("agreement: employer, contributor and token are required: %w", ledger.ErrInvalidData)
	}

	var id uint64
	err := s.host.Invoke(ctx, "create_milestone_agreement", func(ctx context.Context, c *host.Call) error {
		if err := c.RequireAuth(ctx, employer); err != nil {
			return err
		}
		var err error
		id, err = s.repo.nextID(ctx, c.Store, milestoneAgreementCounterKey)
		if err != nil {
			return err
		}
		now := c.Now
		a := Agreement{
			ID:          id,
			Employer:    employer,
			Contributor: contributor,
			Token:       token,
			Mode:        ModeMilestone,
			Status:      StatusActive,
			CreatedAt:   now,
			ActivatedAt: &now,
		}
		return s.create(ctx, c, milestoneAgreements, a)
	})
	return id, err
}

func (s *Service) create(ctx context.Context, c *host.Call, f family, a Agreement) error {
	if err := f.save(s.repo, ctx, c.Store, a); err != nil {
		return err
	}
	c.Log.Info("agreement created",
		zap.Uint64("agreement_id", a.ID),
		zap.String("mode", string(a.Mode)),
		zap.String("employer", a.Employer.String()),
	)
	return c.Emit(ctx, f.stream(a.ID), EventAgreementCreated, a)
}

// AddEmployee appends an employee to a payroll agreement that has not been
// activated yet and returns the employee's index.
func (s *Service) AddEmployee(ctx context.Context, id uint64, employee ledger.Address, salary int64) (uint32, error) {
	var index uint32
	err := s.host.Invoke(ctx, "add_employee_to_agreement", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.Agreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		if err := c.RequireAuth(ctx, a.Employer); err != nil {
			return err
		}
		if a.Mode != ModePayroll || a.Status != StatusCreated {
			return ledger.ErrInvalidData
		}
		if employee.IsZero() {
			return fmt.Errorf("agreement: employee address is required: %w", ledger.ErrInvalidData)
		}
		if salary <= 0 {
			return ledger.ErrInvalidAmount
		}
		index, err = s.repo.appendEmployee(ctx, c.Store, id, employee, salary)
		if err != nil {
			return err
		}
		return c.Emit(ctx, Stream(id), EventEmployeeAdded, map[string]any{
			"index":   index,
			"address": employee,
			"salary":  salary,
		})
	})
	return index, err
}

// FundAgreement moves amount from the employer to the contract and
// earmarks it for the payroll or escrow agreement id.
func (s *Service) FundAgreement(ctx context.Context, id uint64, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	return s.host.Invoke(ctx, "fund_agreement", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.Agreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		if err := c.RequireAuth(ctx, a.Employer); err != nil {
			return err
		}
		switch a.Status {
		case StatusCreated, StatusActive, StatusPaused:
		default:
			return ledger.ErrInvalidData
		}
		bal, err := s.repo.EscrowBalance(ctx, c.Store, id)
		if err != nil {
			return err
		}
		bal, err = ledger.AddAmount(bal, amount)
		if err != nil {
			return err
		}
		if err := s.repo.PutEscrowBalance(ctx, c.Store, id, bal); err != nil {
			return err
		}
		if err := c.Token.Transfer(ctx, a.Token, a.Employer, c.Contract, amount); err != nil {
			return fmt.Errorf("agreement: fund %d: %w", id, err)
		}
		return c.Emit(ctx, Stream(id), EventFunded, map[string]any{
			"amount":         amount,
			"escrow_balance": bal,
		})
	})
}

// FundMilestoneAgreement moves amount from the employer to the contract and
// credits it to the balance milestones of agreement id are paid from.
func (s *Service) FundMilestoneAgreement(ctx context.Context, id uint64, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	return s.host.Invoke(ctx, "fund_milestone_agreement", func(ctx context.Context, c *host.Call) error {
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
		bal, err := s.repo.MilestoneBalance(ctx, c.Store, id)
		if err != nil {
			return err
		}
		bal, err = ledger.AddAmount(bal, amount)
		if err != nil {
			return err
		}
		if err := s.repo.PutMilestoneBalance(ctx, c.Store, id, bal); err != nil {
			return err
		}
		if err := c.Token.Transfer(ctx, a.Token, a.Employer, c.Contract, amount); err != nil {
			return fmt.Errorf("agreement: fund milestone agreement %d: %w", id, err)
		}
		return c.Emit(ctx, MilestoneStream(id), EventFunded, map[string]any{
			"amount":         amount,
			"escrow_balance": bal,
		})
	})
}

// Activate starts accrual on a created agreement. The activation time is
// set exactly once.
func (s *Service) Activate(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, agreements, "activate_agreement", id, func(c *host.Call, a *Agreement) (Status, error) {
		if a.Status != StatusCreated || a.ActivatedAt != nil {
			return "", ledger.ErrInvalidData
		}
		now := c.Now
		a.ActivatedAt = &now
		return StatusActive, nil
	})
}

func (s *Service) Pause(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, agreements, "pause_agreement", id, pause)
}

func (s *Service) Resume(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, agreements, "resume_agreement", id, resume)
}

// Cancel stops accrual at the current time. Earned amounts stay claimable
// until the grace period ends.
func (s *Service) Cancel(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, agreements, "cancel_agreement", id, cancel)
}

func (s *Service) PauseMilestoneAgreement(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, milestoneAgreements, "pause_milestone_agreement", id, pause)
}

func (s *Service) ResumeMilestoneAgreement(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, milestoneAgreements, "resume_milestone_agreement", id, resume)
}

func (s *Service) CancelMilestoneAgreement(ctx context.Context, id uint64) error {
	return s.changeStatus(ctx, milestoneAgreements, "cancel_milestone_agreement", id, cancel)
}

func pause(_ *host.Call, a *Agreement) (Status, error) {
	if a.Status != StatusActive {
		return "", ledger.ErrInvalidData
	}
	return StatusPaused, nil
}

func resume(_ *host.Call, a *Agreement) (Status, error) {
	if a.Status != StatusPaused {
		return "", ledger.ErrInvalidData
	}
	return StatusActive, nil
}

func cancel(c *host.Call, a *Agreement) (Status, error) {
	if a.Status != StatusActive && a.Status != StatusPaused {
		return "", ledger.ErrInvalidData
	}
	now := c.Now
	a.CancelledAt = &now
	return StatusCancelled, nil
}

// changeStatus runs an employer-only status change. next validates a,
// adjusts its timestamps and names the target status.
func (s *Service) changeStatus(ctx context.Context, f family, name string, id uint64, next func(c *host.Call, a *Agreement) (Status, error)) error {
	return s.host.Invoke(ctx, name, func(ctx context.Context, c *host.Call) error {
		a, err := f.load(s.repo, ctx, c.Store, id)
		if err != nil {
			return err
		}
		if err := c.RequireAuth(ctx, a.Employer); err != nil {
			return err
		}
		status, err := next(c, &a)
		if err != nil {
			return err
		}
		if err := transition(ctx, c, f.stream(id), &a, status); err != nil {
			return err
		}
		return f.save(s.repo, ctx, c.Store, a)
	})
}

// claimWindow reports whether a accepts claims at now: active agreements
// always do, cancelled ones until their grace period ends.
func claimWindow(a Agreement, now uint64) error {
	switch a.Status {
	case StatusActive:
		return nil
	case StatusCancelled:
		end, _ := a.GracePeriodEnd()
		if now > end {
			return ledger.ErrNotInGracePeriod
		}
		return nil
	default:
		return ledger.ErrInvalidData
	}
}
