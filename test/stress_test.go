package test

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"payflow/agreement"
	"payflow/auth"
	"payflow/dispute"
	"payflow/host"
	"payflow/ledger"
	"payflow/store"
	"payflow/test/actors"
	"payflow/test/chaos"
	"payflow/test/infra"
	"payflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while actors run")
)

const (
	escrowPeriod    = 600
	escrowPeriods   = 40
	escrowAmount    = 100
	escrowFunded    = escrowAmount * escrowPeriods
	payrollSalary   = 10
	payrollStaff    = 4
	payrollFunded   = 50_000
	milestoneAmount = 50
	milestoneCount  = 10
)

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn, usedShared = *flDSN, true
	case os.Getenv(infra.DSNEnv) != "":
		dsn, usedShared = os.Getenv(infra.DSNEnv), true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	var clock atomic.Int64
	clock.Store(1_700_000_000)
	h := host.New(store.NewPostgres(pool),
		host.WithOracle(auth.AllowAll{}),
		host.WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))),
		host.WithClock(func() time.Time { return time.Unix(clock.Load(), 0) }),
	)
	svc := agreement.NewService(h)
	disputes := dispute.NewService(h)

	seed := mustSeed(t, ctx, h, svc, disputes)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	stats := &actors.Stats{}

	for i := 0; i < *flConcurrency; i++ {
		for _, id := range seed.escrows {
			g.Go(func() error { return actors.EscrowClaimer(ctx2, svc, stats, id, stop) })
		}
		for idx, emp := range seed.employees {
			g.Go(func() error {
				return actors.PayrollClaimer(ctx2, svc, stats, seed.payroll, emp, uint32(idx), stop)
			})
		}
		g.Go(func() error {
			return actors.MilestoneClaimer(ctx2, svc, stats, seed.milestones, milestoneCount, stop)
		})
	}
	g.Go(func() error {
		return actors.EmployerBatcher(ctx2, svc, stats, seed.payroll, seed.employer, payrollStaff, stop)
	})
	g.Go(func() error { return actors.MilestoneApprover(ctx2, svc, stats, seed.milestones, milestoneCount, stop) })
	g.Go(func() error { return actors.Pauser(ctx2, svc, stats, seed.escrows[0], stop) })
	g.Go(func() error {
		return actors.EscrowClaimer(ctx2, svc, stats, seed.disputed, stop)
	})
	g.Go(func() error {
		return actors.Disputer(ctx2, disputes, stats, seed.disputed, seed.employer, seed.arbiter, stop)
	})
	g.Go(func() error {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx2.Done():
				return nil
			case <-stop:
				return nil
			case <-ticker.C:
				clock.Add(30)
			}
		}
	})
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.ApplicationName, stop)
	}

	checks := oracles.All(seed.token, h.ContractAddress(), seed.supply)
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool, checks)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may have killed the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Errorf("oracle %s failed. First row: %s", name, row)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if failed {
		return
	}

	if name, row, err := oracles.Run(ctx, pool, checks); err != nil || name != "" {
		t.Fatalf("final oracle %s: %s %v", name, row, err)
	}
	checkAccounting(t, ctx, h, svc, seed)
	t.Logf("calls=%d rejected=%d transient=%d backends killed=%d",
		stats.Calls.Load(), stats.Rejected.Load(), stats.Transient.Load(), chaos.Killed.Load())
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedData struct {
	token      ledger.Address
	owner      ledger.Address
	arbiter    ledger.Address
	employer   ledger.Address
	escrows    []uint64
	disputed   uint64
	payroll    uint64
	employees  []ledger.Address
	milestones uint64
	supply     int64
}

func mustSeed(t *testing.T, ctx context.Context, h *host.Host, svc *agreement.Service, disputes *dispute.Service) seedData {
	t.Helper()
	s := seedData{
		token:    ledger.Address("token_usdc"),
		owner:    ledger.NewAddress(),
		arbiter:  ledger.NewAddress(),
		employer: ledger.NewAddress(),
	}
	must := func(what string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed %s: %v", what, err)
		}
	}
	must("initialize", h.Initialize(ctx, s.owner))
	must("arbiter", disputes.SetArbiter(ctx, s.owner, s.arbiter))

	newEscrow := func() uint64 {
		id, err := svc.CreateEscrowAgreement(ctx, agreement.EscrowParams{
			Employer:        s.employer,
			Contributor:     ledger.NewAddress(),
			Token:           s.token,
			AmountPerPeriod: escrowAmount,
			PeriodSeconds:   escrowPeriod,
			NumPeriods:      escrowPeriods,
		})
		must("escrow", err)
		must("fund escrow", svc.FundAgreement(ctx, id, escrowFunded))
		must("activate escrow", svc.Activate(ctx, id))
		return id
	}

	s.supply = 5*escrowFunded + payrollFunded + milestoneAmount*milestoneCount
	must("mint", h.Mint(ctx, s.token, s.employer, s.supply))

	for range 4 {
		s.escrows = append(s.escrows, newEscrow())
	}
	s.disputed = newEscrow()

	id, err := svc.CreatePayrollAgreement(ctx, agreement.PayrollParams{
		Employer:      s.employer,
		Token:         s.token,
		PeriodSeconds: escrowPeriod,
	})
	must("payroll", err)
	s.payroll = id
	for range payrollStaff {
		emp := ledger.NewAddress()
		_, err := svc.AddEmployee(ctx, id, emp, payrollSalary)
		must("employee", err)
		s.employees = append(s.employees, emp)
	}
	must("fund payroll", svc.FundAgreement(ctx, id, payrollFunded))
	must("activate payroll", svc.Activate(ctx, id))

	id, err = svc.CreateMilestoneAgreement(ctx, s.employer, ledger.NewAddress(), s.token)
	must("milestone agreement", err)
	s.milestones = id
	for range milestoneCount {
		_, err := svc.AddMilestone(ctx, id, milestoneAmount)
		must("milestone", err)
	}
	must("fund milestones", svc.FundMilestoneAgreement(ctx, id, milestoneAmount*milestoneCount))
	return s
}

// checkAccounting verifies that what each agreement paid out matches what
// left its escrow.
func checkAccounting(t *testing.T, ctx context.Context, h *host.Host, svc *agreement.Service, s seedData) {
	t.Helper()
	for _, id := range s.escrows {
		terms, err := svc.EscrowTerms(ctx, id)
		if err != nil {
			t.Fatalf("escrow terms %d: %v", id, err)
		}
		bal, err := svc.EscrowBalance(ctx, id)
		if err != nil {
			t.Fatalf("escrow balance %d: %v", id, err)
		}
		paid, err := h.Balance(ctx, s.token, terms.Contributor)
		if err != nil {
			t.Fatalf("contributor balance %d: %v", id, err)
		}
		if want := int64(terms.ClaimedPeriods) * terms.AmountPerPeriod; paid != want {
			t.Errorf("escrow %d: contributor holds %d, claimed periods pay %d", id, paid, want)
		}
		if bal+paid != escrowFunded {
			t.Errorf("escrow %d: balance %d + paid %d != funded %d", id, bal, paid, escrowFunded)
		}
	}

	employees, err := svc.Employees(ctx, s.payroll)
	if err != nil {
		t.Fatalf("employees: %v", err)
	}
	var paid int64
	for _, e := range employees {
		got, err := h.Balance(ctx, s.token, e.Address)
		if err != nil {
			t.Fatalf("employee balance: %v", err)
		}
		if want := int64(e.ClaimedPeriods) * e.Salary; got != want {
			t.Errorf("employee %d: holds %d, claimed periods pay %d", e.Index, got, want)
		}
		paid += got
	}
	bal, err := svc.EscrowBalance(ctx, s.payroll)
	if err != nil {
		t.Fatalf("payroll balance: %v", err)
	}
	if bal+paid != payrollFunded {
		t.Errorf("payroll: balance %d + paid %d != funded %d", bal, paid, payrollFunded)
	}

	a, err := svc.GetMilestoneAgreement(ctx, s.milestones)
	if err != nil {
		t.Fatalf("milestone agreement: %v", err)
	}
	milestones, err := svc.Milestones(ctx, s.milestones)
	if err != nil {
		t.Fatalf("milestones: %v", err)
	}
	var claimed int64
	for _, m := range milestones {
		if m.Claimed {
			if !m.Approved {
				t.Errorf("milestone %d claimed without approval", m.ID)
			}
			claimed += m.Amount
		}
	}
	got, err := h.Balance(ctx, s.token, a.Contributor)
	if err != nil {
		t.Fatalf("milestone contributor balance: %v", err)
	}
	if got != claimed {
		t.Errorf("milestones: contributor holds %d, claimed milestones pay %d", got, claimed)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT key, convert_from(value, 'UTF8'), updated_at FROM ledger_entries ORDER BY updated_at DESC LIMIT 50`)
	if err != nil {
		t.Logf("dump ledger_entries error: %v", err)
		return
	}
	defer rows.Close()
	t.Logf("-- ledger_entries --")
	for rows.Next() {
		var (
			key, value string
			at         time.Time
		)
		if err := rows.Scan(&key, &value, &at); err != nil {
			t.Logf("dump scan: %v", err)
			return
		}
		t.Logf("%s %s = %s", at.Format(time.RFC3339Nano), key, value)
	}
}
