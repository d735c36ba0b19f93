package agreement

import "payflow/ledger"

// Mode selects the sub-records and claim algorithm of an agreement.
type Mode string

const (
	ModePayroll   Mode = "payroll"
	ModeEscrow    Mode = "escrow"
	ModeMilestone Mode = "milestone"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Agreement is the top-level record of one payment relationship. Milestone
// agreements use the same record under their own key family.
type Agreement struct {
	ID                 uint64         `json:"id"`
	Employer           ledger.Address `json:"employer"`
	Contributor        ledger.Address `json:"contributor,omitempty"`
	Token              ledger.Address `json:"token"`
	Mode               Mode           `json:"mode"`
	Status             Status         `json:"status"`
	GracePeriodSeconds uint64         `json:"grace_period_seconds"`
	PeriodSeconds      uint64         `json:"period_seconds,omitempty"`
	CreatedAt          uint64         `json:"created_at"`
	ActivatedAt        *uint64        `json:"activated_at,omitempty"`
	CancelledAt        *uint64        `json:"cancelled_at,omitempty"`
}

// GracePeriodEnd returns the last second at which a cancelled agreement
// still accepts claims.
func (a Agreement) GracePeriodEnd() (uint64, bool) {
	if a.CancelledAt == nil {
		return 0, false
	}
	return *a.CancelledAt + a.GracePeriodSeconds, true
}

// Employee is one salaried member of a payroll agreement.
type Employee struct {
	Index          uint32         `json:"index"`
	Address        ledger.Address `json:"address"`
	Salary         int64          `json:"salary"`
	ClaimedPeriods uint32         `json:"claimed_periods"`
}

// EscrowTerms are the time-based release terms of an escrow agreement.
type EscrowTerms struct {
	Contributor     ledger.Address `json:"contributor"`
	AmountPerPeriod int64          `json:"amount_per_period"`
	PeriodSeconds   uint64         `json:"period_seconds"`
	NumPeriods      uint32         `json:"num_periods"`
	ClaimedPeriods  uint32         `json:"claimed_periods"`
}

// Milestone is a discrete payment. Approved and Claimed only ever go from
// false to true.
type Milestone struct {
	ID       uint32 `json:"id"`
	Amount   int64  `json:"amount"`
	Approved bool   `json:"approved"`
	Claimed  bool   `json:"claimed"`
}

// ItemFailure names one batch item that could not be claimed.
type ItemFailure struct {
	Item uint32 `json:"item"`
	Code string `json:"code"`
	Err  error  `json:"-"`
}

// BatchClaimResult summarizes a batch claim. It is returned to the caller
// and never persisted.
type BatchClaimResult struct {
	SuccessfulClaims uint32        `json:"successful_claims"`
	FailedClaims     uint32        `json:"failed_claims"`
	TotalClaimed     int64         `json:"total_claimed"`
	Failures         []ItemFailure `json:"failures,omitempty"`
}

func (r *BatchClaimResult) succeed(amount int64) error {
	total, err := ledger.AddAmount(r.TotalClaimed, amount)
	if err != nil {
		return err
	}
	r.TotalClaimed = total
	r.SuccessfulClaims++
	return nil
}

func (r *BatchClaimResult) fail(item uint32, err error) {
	r.FailedClaims++
	r.Failures = append(r.Failures, ItemFailure{Item: item, Code: ledger.CodeOf(err), Err: err})
}

// PayrollParams creates a payroll agreement. A zero PeriodSeconds means one
// day.
type PayrollParams struct {
	Employer           ledger.Address `json:"employer"`
	Token              ledger.Address `json:"token"`
	GracePeriodSeconds uint64         `json:"grace_period_seconds"`
	PeriodSeconds      uint64         `json:"period_seconds"`
}

// EscrowParams creates an escrow agreement. A zero GracePeriodSeconds means
// seven days.
type EscrowParams struct {
	Employer           ledger.Address `json:"employer"`
	Contributor        ledger.Address `json:"contributor"`
	Token              ledger.Address `json:"token"`
	AmountPerPeriod    int64          `json:"amount_per_period"`
	PeriodSeconds      uint64         `json:"period_seconds"`
	NumPeriods         uint32         `json:"num_periods"`
	GracePeriodSeconds uint64         `json:"grace_period_seconds"`
}

// ClaimRequest addresses a claim on any agreement mode. Index is the
// employee index for payroll and MilestoneID the milestone for milestone
// agreements.
type ClaimRequest struct {
	Mode        Mode           `json:"mode"`
	AgreementID uint64         `json:"agreement_id"`
	Caller      ledger.Address `json:"caller"`
	Index       uint32         `json:"index"`
	MilestoneID uint32         `json:"milestone_id"`
}

const (
	DefaultPayrollPeriodSeconds uint64 = 86_400
	DefaultEscrowGraceSeconds   uint64 = 7 * 86_400
)

// Timeline event types.
const (
	EventAgreementCreated  = "AGREEMENT_CREATED"
	EventStatusChanged     = "AGREEMENT_STATUS_CHANGED"
	EventEmployeeAdded     = "EMPLOYEE_ADDED"
	EventFunded            = "AGREEMENT_FUNDED"
	EventPayrollClaimed    = "PAYROLL_CLAIMED"
	EventTimeBasedClaimed  = "TIME_BASED_CLAIMED"
	EventMilestoneAdded    = "MILESTONE_ADDED"
	EventMilestoneApproved = "MILESTONE_APPROVED"
	EventMilestoneClaimed  = "MILESTONE_CLAIMED"
)
