package dispute

import (
	"context"
	"fmt"

	"payflow/store"
)

func disputeKey(id uint64) string { return fmt.Sprintf("agreement/%d/dispute", id) }

func milestoneDisputeKey(id uint64) string {
	return fmt.Sprintf("milestone_agreement/%d/dispute", id)
}

// Repository stores dispute records next to the agreement they belong to.
// key maps an agreement id to its record, so payroll/escrow and milestone
// agreements sharing an id keep separate disputes.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Get returns the dispute of agreement id. Agreements that never had one
// report StatusNone.
func (r *Repository) Get(ctx context.Context, s store.Store, key func(uint64) string, id uint64) (Dispute, error) {
	d := Dispute{AgreementID: id, Status: StatusNone}
	if _, err := store.GetJSON(ctx, s, key(id), &d); err != nil {
		return Dispute{}, fmt.Errorf("dispute: load %d: %w", id, err)
	}
	return d, nil
}

func (r *Repository) Put(ctx context.Context, s store.Store, key func(uint64) string, d Dispute) error {
	if err := store.PutJSON(ctx, s, key(d.AgreementID), d); err != nil {
		return fmt.Errorf("dispute: save %d: %w", d.AgreementID, err)
	}
	return nil
}
