package agreement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"payflow/auth"
	"payflow/host"
	"payflow/ledger"
	"payflow/store"
)

const day = 86_400

type fixture struct {
	t    *testing.T
	ctx  context.Context
	now  int64
	host *host.Host
	svc  *Service

	token       ledger.Address
	employer    ledger.Address
	contributor ledger.Address
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	oracle  auth.Oracle
	service []Option
}

func withOracle(o auth.Oracle) fixtureOption {
	return func(c *fixtureConfig) { c.oracle = o }
}

func withServiceOptions(opts ...Option) fixtureOption {
	return func(c *fixtureConfig) { c.service = append(c.service, opts...) }
}

// newFixture builds a service on an in-memory ledger whose oracle accepts
// every signature, with the clock at 1_700_000_000.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{oracle: auth.AllowAll{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := &fixture{
		t:           t,
		ctx:         context.Background(),
		now:         1_700_000_000,
		token:       ledger.Address("token_usdc"),
		employer:    ledger.NewAddress(),
		contributor: ledger.NewAddress(),
	}
	f.host = host.New(store.NewMemory(),
		host.WithOracle(cfg.oracle),
		host.WithClock(func() time.Time { return time.Unix(f.now, 0) }),
	)
	f.svc = NewService(f.host, cfg.service...)
	return f
}

func (f *fixture) advance(seconds int64) {
	f.now += seconds
}

func (f *fixture) mint(addr ledger.Address, amount int64) {
	f.t.Helper()
	require.NoError(f.t, f.host.Mint(f.ctx, f.token, addr, amount))
}

func (f *fixture) balance(addr ledger.Address) int64 {
	f.t.Helper()
	bal, err := f.host.Balance(f.ctx, f.token, addr)
	require.NoError(f.t, err)
	return bal
}

// fundedEscrow creates an escrow agreement, funds it in full and activates
// it.
func (f *fixture) fundedEscrow(amountPerPeriod int64, periodSeconds uint64, numPeriods uint32) uint64 {
	f.t.Helper()
	id, err := f.svc.CreateEscrowAgreement(f.ctx, EscrowParams{
		Employer:        f.employer,
		Contributor:     f.contributor,
		Token:           f.token,
		AmountPerPeriod: amountPerPeriod,
		PeriodSeconds:   periodSeconds,
		NumPeriods:      numPeriods,
	})
	require.NoError(f.t, err)
	total := amountPerPeriod * int64(numPeriods)
	f.mint(f.employer, total)
	require.NoError(f.t, f.svc.FundAgreement(f.ctx, id, total))
	require.NoError(f.t, f.svc.Activate(f.ctx, id))
	return id
}

// fundedPayroll creates a payroll agreement with one employee per salary,
// funds it with escrow and activates it.
func (f *fixture) fundedPayroll(escrow int64, salaries ...int64) (uint64, []ledger.Address) {
	f.t.Helper()
	id, err := f.svc.CreatePayrollAgreement(f.ctx, PayrollParams{
		Employer:           f.employer,
		Token:              f.token,
		GracePeriodSeconds: 3 * day,
	})
	require.NoError(f.t, err)
	employees := make([]ledger.Address, 0, len(salaries))
	for i, salary := range salaries {
		addr := ledger.NewAddress()
		index, err := f.svc.AddEmployee(f.ctx, id, addr, salary)
		require.NoError(f.t, err)
		require.Equal(f.t, uint32(i), index)
		employees = append(employees, addr)
	}
	if escrow > 0 {
		f.mint(f.employer, escrow)
		require.NoError(f.t, f.svc.FundAgreement(f.ctx, id, escrow))
	}
	require.NoError(f.t, f.svc.Activate(f.ctx, id))
	return id, employees
}

// fundedMilestones creates a milestone agreement with count milestones of
// amount each and funds the contract for all of them.
func (f *fixture) fundedMilestones(amount int64, count int) uint64 {
	f.t.Helper()
	id, err := f.svc.CreateMilestoneAgreement(f.ctx, f.employer, f.contributor, f.token)
	require.NoError(f.t, err)
	for i := 1; i <= count; i++ {
		mid, err := f.svc.AddMilestone(f.ctx, id, amount)
		require.NoError(f.t, err)
		require.Equal(f.t, uint32(i), mid)
	}
	f.mint(f.employer, amount*int64(count))
	require.NoError(f.t, f.svc.FundMilestoneAgreement(f.ctx, id, amount*int64(count)))
	return id
}

func (f *fixture) approve(id uint64, mids ...uint32) {
	f.t.Helper()
	for _, mid := range mids {
		require.NoError(f.t, f.svc.ApproveMilestone(f.ctx, id, mid))
	}
}
