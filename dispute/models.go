package dispute

import "payflow/ledger"

// Status is the lifecycle of the dispute attached to an agreement.
type Status string

const (
	StatusNone     Status = "none"
	StatusRaised   Status = "raised"
	StatusResolved Status = "resolved"
)

// Dispute is the per-agreement dispute record. Resolution is terminal.
type Dispute struct {
	AgreementID         uint64         `json:"agreement_id"`
	Status              Status         `json:"status"`
	RaisedBy            ledger.Address `json:"raised_by,omitempty"`
	RaisedAt            uint64         `json:"raised_at,omitempty"`
	ResolvedAt          uint64         `json:"resolved_at,omitempty"`
	AmountToEmployer    int64          `json:"amount_to_employer,omitempty"`
	AmountToContributor int64          `json:"amount_to_contributor,omitempty"`
}

// Timeline event types.
const (
	EventRaised   = "DISPUTE_RAISED"
	EventResolved = "DISPUTE_RESOLVED"
	EventArbiter  = "ARBITER_SET"
)
