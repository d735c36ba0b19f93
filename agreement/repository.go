package agreement

import (
	"context"
	"fmt"

	"payflow/ledger"
	"payflow/store"
)

const (
	agreementCounterKey          = "counter/agreement"
	milestoneAgreementCounterKey = "counter/milestone_agreement"
)

func agreementKey(id uint64) string { return fmt.Sprintf("agreement/%d", id) }

func escrowBalanceKey(id uint64) string { return fmt.Sprintf("agreement/%d/escrow_balance", id) }

func employeeCountKey(id uint64) string { return fmt.Sprintf("agreement/%d/employee_count", id) }

func employeeKey(id uint64, index uint32) string {
	return fmt.Sprintf("agreement/%d/employee/%d", id, index)
}

func escrowTermsKey(id uint64) string { return fmt.Sprintf("agreement/%d/escrow_terms", id) }

func milestoneAgreementKey(id uint64) string { return fmt.Sprintf("milestone_agreement/%d", id) }

func milestoneBalanceKey(id uint64) string {
	return fmt.Sprintf("milestone_agreement/%d/escrow_balance", id)
}

func milestoneCountKey(id uint64) string {
	return fmt.Sprintf("milestone_agreement/%d/milestone_count", id)
}

func milestoneKey(id uint64, milestoneID uint32) string {
	return fmt.Sprintf("milestone_agreement/%d/milestone/%d", id, milestoneID)
}

// Stream returns the timeline stream of a payroll or escrow agreement.
func Stream(id uint64) string { return agreementKey(id) }

// MilestoneStream returns the timeline stream of a milestone agreement.
func MilestoneStream(id uint64) string { return milestoneAgreementKey(id) }

// Repository reads and writes agreement records inside a call's store. It
// holds no state; every method works on the store it is given.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) nextID(ctx context.Context, s store.Store, key string) (uint64, error) {
	var last uint64
	if _, err := store.GetJSON(ctx, s, key, &last); err != nil {
		return 0, fmt.Errorf("agreement: read counter: %w", err)
	}
	if last == ^uint64(0) {
		return 0, ledger.ErrOverflow
	}
	next := last + 1
	if err := store.PutJSON(ctx, s, key, next); err != nil {
		return 0, fmt.Errorf("agreement: write counter: %w", err)
	}
	return next, nil
}

// Agreement loads a payroll or escrow agreement.
func (r *Repository) Agreement(ctx context.Context, s store.Store, id uint64) (Agreement, error) {
	var a Agreement
	ok, err := store.GetJSON(ctx, s, agreementKey(id), &a)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load %d: %w", id, err)
	}
	if !ok {
		return Agreement{}, ledger.ErrAgreementNotFound
	}
	return a, nil
}

func (r *Repository) PutAgreement(ctx context.Context, s store.Store, a Agreement) error {
	if err := store.PutJSON(ctx, s, agreementKey(a.ID), a); err != nil {
		return fmt.Errorf("agreement: save %d: %w", a.ID, err)
	}
	return nil
}

// MilestoneAgreement loads a milestone agreement.
func (r *Repository) MilestoneAgreement(ctx context.Context, s store.Store, id uint64) (Agreement, error) {
	var a Agreement
	ok, err := store.GetJSON(ctx, s, milestoneAgreementKey(id), &a)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: load milestone agreement %d: %w", id, err)
	}
	if !ok {
		return Agreement{}, ledger.ErrAgreementNotFound
	}
	return a, nil
}

func (r *Repository) PutMilestoneAgreement(ctx context.Context, s store.Store, a Agreement) error {
	if err := store.PutJSON(ctx, s, milestoneAgreementKey(a.ID), a); err != nil {
		return fmt.Errorf("agreement: save milestone agreement %d: %w", a.ID, err)
	}
	return nil
}

// EscrowBalance returns the funds earmarked for agreement id.
func (r *Repository) EscrowBalance(ctx context.Context, s store.Store, id uint64) (int64, error) {
	var bal int64
	if _, err := store.GetJSON(ctx, s, escrowBalanceKey(id), &bal); err != nil {
		return 0, fmt.Errorf("agreement: escrow balance %d: %w", id, err)
	}
	return bal, nil
}

func (r *Repository) PutEscrowBalance(ctx context.Context, s store.Store, id uint64, bal int64) error {
	if bal < 0 {
		return ledger.ErrInsufficientFunds
	}
	if err := store.PutJSON(ctx, s, escrowBalanceKey(id), bal); err != nil {
		return fmt.Errorf("agreement: save escrow balance %d: %w", id, err)
	}
	return nil
}

// DebitEscrow removes amount from the escrow balance of id.
func (r *Repository) DebitEscrow(ctx context.Context, s store.Store, id uint64, amount int64) error {
	bal, err := r.EscrowBalance(ctx, s, id)
	if err != nil {
		return err
	}
	if bal < amount {
		return ledger.ErrInsufficientFunds
	}
	return r.PutEscrowBalance(ctx, s, id, bal-amount)
}

// MilestoneBalance returns the funds deposited for milestone agreement id
// and not yet paid out.
func (r *Repository) MilestoneBalance(ctx context.Context, s store.Store, id uint64) (int64, error) {
	var bal int64
	if _, err := store.GetJSON(ctx, s, milestoneBalanceKey(id), &bal); err != nil {
		return 0, fmt.Errorf("agreement: milestone balance %d: %w", id, err)
	}
	return bal, nil
}

func (r *Repository) PutMilestoneBalance(ctx context.Context, s store.Store, id uint64, bal int64) error {
	if bal < 0 {
		return ledger.ErrInsufficientFunds
	}
	if err := store.PutJSON(ctx, s, milestoneBalanceKey(id), bal); err != nil {
		return fmt.Errorf("agreement: save milestone balance %d: %w", id, err)
	}
	return nil
}

// DebitMilestoneBalance removes amount from the balance of milestone
// agreement id.
func (r *Repository) DebitMilestoneBalance(ctx context.Context, s store.Store, id uint64, amount int64) error {
	bal, err := r.MilestoneBalance(ctx, s, id)
	if err != nil {
		return err
	}
	if bal < amount {
		return ledger.ErrInsufficientFunds
	}
	return r.PutMilestoneBalance(ctx, s, id, bal-amount)
}

func (r *Repository) EmployeeCount(ctx context.Context, s store.Store, id uint64) (uint32, error) {
	var n uint32
	if _, err := store.GetJSON(ctx, s, employeeCountKey(id), &n); err != nil {
		return 0, fmt.Errorf("agreement: employee count %d: %w", id, err)
	}
	return n, nil
}

// Employee loads the employee at index.
func (r *Repository) Employee(ctx context.Context, s store.Store, id uint64, index uint32) (Employee, error) {
	var e Employee
	ok, err := store.GetJSON(ctx, s, employeeKey(id, index), &e)
	if err != nil {
		return Employee{}, fmt.Errorf("agreement: load employee %d/%d: %w", id, index, err)
	}
	if !ok {
		return Employee{}, ledger.ErrEmployeeNotFound
	}
	return e, nil
}

// Employees loads every employee of a payroll agreement in index order.
func (r *Repository) Employees(ctx context.Context, s store.Store, id uint64) ([]Employee, error) {
	n, err := r.EmployeeCount(ctx, s, id)
	if err != nil {
		return nil, err
	}
	out := make([]Employee, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := r.Employee(ctx, s, id, i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Repository) PutEmployee(ctx context.Context, s store.Store, id uint64, e Employee) error {
	if err := store.PutJSON(ctx, s, employeeKey(id, e.Index), e); err != nil {
		return fmt.Errorf("agreement: save employee %d/%d: %w", id, e.Index, err)
	}
	return nil
}

func (r *Repository) appendEmployee(ctx context.Context, s store.Store, id uint64, addr ledger.Address, salary int64) (uint32, error) {
	n, err := r.EmployeeCount(ctx, s, id)
	if err != nil {
		return 0, err
	}
	if n == ^uint32(0) {
		return 0, ledger.ErrOverflow
	}
	if err := r.PutEmployee(ctx, s, id, Employee{Index: n, Address: addr, Salary: salary}); err != nil {
		return 0, err
	}
	if err := store.PutJSON(ctx, s, employeeCountKey(id), n+1); err != nil {
		return 0, fmt.Errorf("agreement: save employee count %d: %w", id, err)
	}
	return n, nil
}

// IsEmployee reports whether addr is an employee of agreement id.
func (r *Repository) IsEmployee(ctx context.Context, s store.Store, id uint64, addr ledger.Address) (bool, error) {
	employees, err := r.Employees(ctx, s, id)
	if err != nil {
		return false, err
	}
	for _, e := range employees {
		if e.Address == addr {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) EscrowTerms(ctx context.Context, s store.Store, id uint64) (EscrowTerms, error) {
	var t EscrowTerms
	ok, err := store.GetJSON(ctx, s, escrowTermsKey(id), &t)
	if err != nil {
		return EscrowTerms{}, fmt.Errorf("agreement: load escrow terms %d: %w", id, err)
	}
	if !ok {
		return EscrowTerms{}, ledger.ErrInvalidData
	}
	return t, nil
}

func (r *Repository) PutEscrowTerms(ctx context.Context, s store.Store, id uint64, t EscrowTerms) error {
	if err := store.PutJSON(ctx, s, escrowTermsKey(id), t); err != nil {
		return fmt.Errorf("agreement: save escrow terms %d: %w", id, err)
	}
	return nil
}

func (r *Repository) MilestoneCount(ctx context.Context, s store.Store, id uint64) (uint32, error) {
	var n uint32
	if _, err := store.GetJSON(ctx, s, milestoneCountKey(id), &n); err != nil {
		return 0, fmt.Errorf("agreement: milestone count %d: %w", id, err)
	}
	return n, nil
}

// Milestone loads milestone mid. Ids start at 1.
func (r *Repository) Milestone(ctx context.Context, s store.Store, id uint64, mid uint32) (Milestone, error) {
	var m Milestone
	ok, err := store.GetJSON(ctx, s, milestoneKey(id, mid), &m)
	if err != nil {
		return Milestone{}, fmt.Errorf("agreement: load milestone %d/%d: %w", id, mid, err)
	}
	if !ok {
		return Milestone{}, ledger.ErrMilestoneNotFound
	}
	return m, nil
}

func (r *Repository) PutMilestone(ctx context.Context, s store.Store, id uint64, m Milestone) error {
	if err := store.PutJSON(ctx, s, milestoneKey(id, m.ID), m); err != nil {
		return fmt.Errorf("agreement: save milestone %d/%d: %w", id, m.ID, err)
	}
	return nil
}

func (r *Repository) appendMilestone(ctx context.Context, s store.Store, id uint64, amount int64) (uint32, error) {
	n, err := r.MilestoneCount(ctx, s, id)
	if err != nil {
		return 0, err
	}
	if n == ^uint32(0) {
		return 0, ledger.ErrOverflow
	}
	mid := n + 1
	if err := r.PutMilestone(ctx, s, id, Milestone{ID: mid, Amount: amount}); err != nil {
		return 0, err
	}
	if err := store.PutJSON(ctx, s, milestoneCountKey(id), mid); err != nil {
		return 0, fmt.Errorf("agreement: save milestone count %d: %w", id, err)
	}
	return mid, nil
}

// allMilestonesClaimed reports whether agreement id has at least one
// milestone and every milestone is claimed.
func (r *Repository) allMilestonesClaimed(ctx context.Context, s store.Store, id uint64) (bool, error) {
	n, err := r.MilestoneCount(ctx, s, id)
	if err != nil || n == 0 {
		return false, err
	}
	for mid := uint32(1); mid <= n; mid++ {
		m, err := r.Milestone(ctx, s, id, mid)
		if err != nil {
			return false, err
		}
		if !m.Claimed {
			return false, nil
		}
	}
	return true, nil
}
