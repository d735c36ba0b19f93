package agreement

import (
	"context"

	"payflow/host"
)

// Get returns the payroll or escrow agreement id.
func (s *Service) Get(ctx context.Context, id uint64) (Agreement, error) {
	var a Agreement
	err := s.host.View(ctx, "get_agreement", func(ctx context.Context, c *host.Call) error {
		var err error
		a, err = s.repo.Agreement(ctx, c.Store, id)
		return err
	})
	return a, err
}

func (s *Service) GetMilestoneAgreement(ctx context.Context, id uint64) (Agreement, error) {
	var a Agreement
	err := s.host.View(ctx, "get_milestone_agreement", func(ctx context.Context, c *host.Call) error {
		var err error
		a, err = s.repo.MilestoneAgreement(ctx, c.Store, id)
		return err
	})
	return a, err
}

// Employees lists the employees of agreement id in index order.
func (s *Service) Employees(ctx context.Context, id uint64) ([]Employee, error) {
	var out []Employee
	err := s.host.View(ctx, "get_agreement_employees", func(ctx context.Context, c *host.Call) error {
		if _, err := s.repo.Agreement(ctx, c.Store, id); err != nil {
			return err
		}
		var err error
		out, err = s.repo.Employees(ctx, c.Store, id)
		return err
	})
	return out, err
}

func (s *Service) EscrowTerms(ctx context.Context, id uint64) (EscrowTerms, error) {
	var t EscrowTerms
	err := s.host.View(ctx, "get_escrow_terms", func(ctx context.Context, c *host.Call) error {
		var err error
		t, err = s.repo.EscrowTerms(ctx, c.Store, id)
		return err
	})
	return t, err
}

// EscrowBalance returns the funds still earmarked for agreement id.
func (s *Service) EscrowBalance(ctx context.Context, id uint64) (int64, error) {
	var bal int64
	err := s.host.View(ctx, "get_escrow_balance", func(ctx context.Context, c *host.Call) error {
		if _, err := s.repo.Agreement(ctx, c.Store, id); err != nil {
			return err
		}
		var err error
		bal, err = s.repo.EscrowBalance(ctx, c.Store, id)
		return err
	})
	return bal, err
}

// MilestoneBalance returns the unpaid funds of milestone agreement id.
func (s *Service) MilestoneBalance(ctx context.Context, id uint64) (int64, error) {
	var bal int64
	err := s.host.View(ctx, "get_milestone_balance", func(ctx context.Context, c *host.Call) error {
		if _, err := s.repo.MilestoneAgreement(ctx, c.Store, id); err != nil {
			return err
		}
		var err error
		bal, err = s.repo.MilestoneBalance(ctx, c.Store, id)
		return err
	})
	return bal, err
}

func (s *Service) GetMilestone(ctx context.Context, id uint64, mid uint32) (Milestone, error) {
	var m Milestone
	err := s.host.View(ctx, "get_milestone", func(ctx context.Context, c *host.Call) error {
		var err error
		m, err = s.repo.Milestone(ctx, c.Store, id, mid)
		return err
	})
	return m, err
}

func (s *Service) MilestoneCount(ctx context.Context, id uint64) (uint32, error) {
	var n uint32
	err := s.host.View(ctx, "get_milestone_count", func(ctx context.Context, c *host.Call) error {
		if _, err := s.repo.MilestoneAgreement(ctx, c.Store, id); err != nil {
			return err
		}
		var err error
		n, err = s.repo.MilestoneCount(ctx, c.Store, id)
		return err
	})
	return n, err
}

// Milestones lists the milestones of agreement id in id order.
func (s *Service) Milestones(ctx context.Context, id uint64) ([]Milestone, error) {
	var out []Milestone
	err := s.host.View(ctx, "get_milestones", func(ctx context.Context, c *host.Call) error {
		if _, err := s.repo.MilestoneAgreement(ctx, c.Store, id); err != nil {
			return err
		}
		n, err := s.repo.MilestoneCount(ctx, c.Store, id)
		if err != nil {
			return err
		}
		out = make([]Milestone, 0, n)
		for mid := uint32(1); mid <= n; mid++ {
			m, err := s.repo.Milestone(ctx, c.Store, id, mid)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// IsGracePeriodActive reports whether cancelled agreement id still accepts
// claims. It is false for agreements that were never cancelled.
func (s *Service) IsGracePeriodActive(ctx context.Context, id uint64) (bool, error) {
	var active bool
	err := s.host.View(ctx, "is_grace_period_active", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.Agreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		end, cancelled := a.GracePeriodEnd()
		active = cancelled && c.Now <= end
		return nil
	})
	return active, err
}

// GracePeriodEnd returns the end of the grace period of agreement id. ok is
// false while the agreement is not cancelled.
func (s *Service) GracePeriodEnd(ctx context.Context, id uint64) (end uint64, ok bool, err error) {
	err = s.host.View(ctx, "get_grace_period_end", func(ctx context.Context, c *host.Call) error {
		a, err := s.repo.Agreement(ctx, c.Store, id)
		if err != nil {
			return err
		}
		end, ok = a.GracePeriodEnd()
		return nil
	})
	return end, ok, err
}

// Timeline lists the events of payroll or escrow agreement id.
func (s *Service) Timeline(ctx context.Context, id uint64) ([]host.Event, error) {
	return s.host.Timeline(ctx, Stream(id))
}

func (s *Service) MilestoneTimeline(ctx context.Context, id uint64) ([]host.Event, error) {
	return s.host.Timeline(ctx, MilestoneStream(id))
}
