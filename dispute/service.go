// Package dispute arbitrates disagreements over payroll, escrow and
// milestone agreements. One dispute may be open per agreement; the
// configured arbiter settles it by splitting the agreement's remaining funds
// between the parties.
package dispute

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"payflow/agreement"
	"payflow/host"
	"payflow/ledger"
	"payflow/store"
)

// SettingsStream is the timeline stream of global configuration changes.
const SettingsStream = "settings"

type Service struct {
	host       *host.Host
	repo       *Repository
	agreements *agreement.Repository
}

func NewService(h *host.Host) *Service {
	return &Service{
		host:       h,
		repo:       NewRepository(),
		agreements: agreement.NewRepository(),
	}
}

// SetArbiter records the arbiter. Only the owner may call it, and only
// once.
func (s *Service) SetArbiter(ctx context.Context, owner, arbiter ledger.Address) error {
	if arbiter.IsZero() {
		return fmt.Errorf("dispute: arbiter address is required: %w", ledger.ErrInvalidData)
	}
	return s.host.Invoke(ctx, "set_arbiter", func(ctx context.Context, c *host.Call) error {
		if !c.Initialized() {
			return ledger.ErrNotInitialized
		}
		if err := c.RequireAuth(ctx, owner); err != nil {
			return err
		}
		if owner != c.Settings.Owner {
			return ledger.ErrNotAuthorized
		}
		if !c.Settings.Arbiter.IsZero() {
			return ledger.ErrAlreadyInitialized
		}
		settings := c.Settings
		settings.Arbiter = arbiter
		if err := c.SaveSettings(ctx, settings); err != nil {
			return err
		}
		return c.Emit(ctx, SettingsStream, EventArbiter, map[string]any{"arbiter": arbiter})
	})
}

// family binds dispute handling to one kind of agreement.
type family struct {
	raise   string
	resolve string
	view    string
	key     func(uint64) string
	stream  func(uint64) string
	load    func(r *agreement.Repository, ctx context.Context, s store.Store, id uint64) (agreement.Agreement, error)
	debit   func(r *agreement.Repository, ctx context.Context, s store.Store, id uint64, amount int64) error
}

var (
	agreementDisputes = family{
		raise:   "raise_dispute",
		resolve: "resolve_dispute",
		view:    "get_dispute_status",
		key:     disputeKey,
		stream:  agreement.Stream,
		load:    (*agreement.Repository).Agreement,
		debit:   (*agreement.Repository).DebitEscrow,
	}
	milestoneDisputes = family{
		raise:   "raise_milestone_dispute",
		resolve: "resolve_milestone_dispute",
		view:    "get_milestone_dispute_status",
		key:     milestoneDisputeKey,
		stream:  agreement.MilestoneStream,
		load:    (*agreement.Repository).MilestoneAgreement,
		debit:   (*agreement.Repository).DebitMilestoneBalance,
	}
)

// RaiseDispute opens the dispute of payroll or escrow agreement id. The
// caller must be the employer, the contributor or one of the employees.
func (s *Service) RaiseDispute(ctx context.Context, caller ledger.Address, id uint64) error {
	return s.raise(ctx, agreementDisputes, caller, id)
}

// RaiseMilestoneDispute opens the dispute of milestone agreement id. The
// caller must be its employer or contributor.
func (s *Service) RaiseMilestoneDispute(ctx context.Context, caller ledger.Address, id uint64) error {
	return s.raise(ctx, milestoneDisputes, caller, id)
}

func (s *Service) raise(ctx context.Context, f family, caller ledger.Address, id uint64) error {
	return s.host.Invoke(ctx, f.raise, func(ctx context.Context, c *host.Call) error {
		if err := c.RequireAuth(ctx, caller); err != nil {
			return err
		}
		a, err := f.load(s.agreements, ctx, c.Store, id)
		if err != nil {
			return err
		}
		party, err := s.isParty(ctx, c, a, caller)
		if err != nil {
			return err
		}
		if !party {
			return ledger.ErrNotAuthorized
		}

		d, err := s.repo.Get(ctx, c.Store, f.key, id)
		if err != nil {
			return err
		}
		if d.Status != StatusNone {
			return ledger.ErrDisputeAlreadyRaised
		}
		d.Status = StatusRaised
		d.RaisedBy = caller
		d.RaisedAt = c.Now
		if err := s.repo.Put(ctx, c.Store, f.key, d); err != nil {
			return err
		}

		c.Log.Info("dispute raised",
			zap.Uint64("agreement_id", id),
			zap.String("mode", string(a.Mode)),
			zap.String("raised_by", caller.String()),
		)
		return c.Emit(ctx, f.stream(id), EventRaised, map[string]any{
			"raised_by": caller,
			"raised_at": d.RaisedAt,
		})
	})
}

func (s *Service) isParty(ctx context.Context, c *host.Call, a agreement.Agreement, addr ledger.Address) (bool, error) {
	if addr == a.Employer || (!a.Contributor.IsZero() && addr == a.Contributor) {
		return true, nil
	}
	if a.Mode != agreement.ModePayroll {
		return false, nil
	}
	return s.agreements.IsEmployee(ctx, c.Store, a.ID, addr)
}

// ResolveDispute settles the raised dispute of payroll or escrow agreement
// id, paying toEmployer and toContributor out of its escrow balance. For
// payroll agreements the contributor share goes to the employee who raised
// the dispute, or to the first employee when the employer raised it.
func (s *Service) ResolveDispute(ctx context.Context, arbiter ledger.Address, id uint64, toEmployer, toContributor int64) error {
	return s.resolve(ctx, agreementDisputes, arbiter, id, toEmployer, toContributor)
}

// ResolveMilestoneDispute settles the raised dispute of milestone agreement
// id out of the funds deposited for it and not yet paid to milestones.
func (s *Service) ResolveMilestoneDispute(ctx context.Context, arbiter ledger.Address, id uint64, toEmployer, toContributor int64) error {
	return s.resolve(ctx, milestoneDisputes, arbiter, id, toEmployer, toContributor)
}

func (s *Service) resolve(ctx context.Context, f family, arbiter ledger.Address, id uint64, toEmployer, toContributor int64) error {
	return s.host.Invoke(ctx, f.resolve, func(ctx context.Context, c *host.Call) error {
		if err := c.RequireAuth(ctx, arbiter); err != nil {
			return err
		}
		if c.Settings.Arbiter.IsZero() || arbiter != c.Settings.Arbiter {
			return ledger.ErrNotArbiter
		}
		a, err := f.load(s.agreements, ctx, c.Store, id)
		if err != nil {
			return err
		}
		d, err := s.repo.Get(ctx, c.Store, f.key, id)
		if err != nil {
			return err
		}
		if d.Status != StatusRaised {
			return ledger.ErrNoDispute
		}
		if toEmployer < 0 || toContributor < 0 {
			return ledger.ErrInvalidAmount
		}
		total, err := ledger.AddAmount(toEmployer, toContributor)
		if err != nil {
			return err
		}
		if err := f.debit(s.agreements, ctx, c.Store, id, total); err != nil {
			return err
		}

		d.Status = StatusResolved
		d.ResolvedAt = c.Now
		d.AmountToEmployer = toEmployer
		d.AmountToContributor = toContributor
		if err := s.repo.Put(ctx, c.Store, f.key, d); err != nil {
			return err
		}

		if toEmployer > 0 {
			if err := c.Token.Transfer(ctx, a.Token, c.Contract, a.Employer, toEmployer); err != nil {
				return fmt.Errorf("dispute: pay employer %d: %w", id, err)
			}
		}
		if toContributor > 0 {
			payee, err := s.contributorPayee(ctx, c, a, d)
			if err != nil {
				return err
			}
			if err := c.Token.Transfer(ctx, a.Token, c.Contract, payee, toContributor); err != nil {
				return fmt.Errorf("dispute: pay contributor %d: %w", id, err)
			}
		}

		c.Log.Info("dispute resolved",
			zap.Uint64("agreement_id", id),
			zap.String("mode", string(a.Mode)),
			zap.Int64("to_employer", toEmployer),
			zap.Int64("to_contributor", toContributor),
		)
		return c.Emit(ctx, f.stream(id), EventResolved, map[string]any{
			"amount_to_employer":    toEmployer,
			"amount_to_contributor": toContributor,
		})
	})
}

func (s *Service) contributorPayee(ctx context.Context, c *host.Call, a agreement.Agreement, d Dispute) (ledger.Address, error) {
	if a.Mode != agreement.ModePayroll {
		return a.Contributor, nil
	}
	if d.RaisedBy != a.Employer {
		employee, err := s.agreements.IsEmployee(ctx, c.Store, a.ID, d.RaisedBy)
		if err != nil {
			return "", err
		}
		if employee {
			return d.RaisedBy, nil
		}
	}
	e, err := s.agreements.Employee(ctx, c.Store, a.ID, 0)
	if err != nil {
		return "", err
	}
	return e.Address, nil
}

// Status returns the dispute status of payroll or escrow agreement id.
func (s *Service) Status(ctx context.Context, id uint64) (Status, error) {
	d, err := s.Get(ctx, id)
	return d.Status, err
}

// Get returns the full dispute record of payroll or escrow agreement id.
func (s *Service) Get(ctx context.Context, id uint64) (Dispute, error) {
	return s.get(ctx, agreementDisputes, id)
}

func (s *Service) MilestoneStatus(ctx context.Context, id uint64) (Status, error) {
	d, err := s.GetMilestone(ctx, id)
	return d.Status, err
}

// GetMilestone returns the dispute record of milestone agreement id.
func (s *Service) GetMilestone(ctx context.Context, id uint64) (Dispute, error) {
	return s.get(ctx, milestoneDisputes, id)
}

func (s *Service) get(ctx context.Context, f family, id uint64) (Dispute, error) {
	var d Dispute
	err := s.host.View(ctx, f.view, func(ctx context.Context, c *host.Call) error {
		if _, err := f.load(s.agreements, ctx, c.Store, id); err != nil {
			return err
		}
		var err error
		d, err = s.repo.Get(ctx, c.Store, f.key, id)
		return err
	})
	return d, err
}
