package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"payflow/agreement"
	"payflow/dispute"
	"payflow/ledger"
)

// Stats counts call outcomes across all actors.
type Stats struct {
	Calls     atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

// settle classifies one call result. Contract rejections and infrastructure
// failures are part of the workload; an authorization failure means the
// actor signed for the wrong address and ends the run.
func (s *Stats) settle(op string, err error) error {
	s.Calls.Add(1)
	if err == nil {
		return nil
	}
	switch ledger.KindOf(err) {
	case ledger.KindAuthorization:
		return fmt.Errorf("%s: %w", op, err)
	case ledger.KindInternal:
		s.Transient.Add(1)
	default:
		s.Rejected.Add(1)
	}
	return nil
}

func loop(ctx context.Context, stop <-chan struct{}, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// EscrowClaimer keeps claiming released periods of one escrow agreement.
func EscrowClaimer(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		_, err := svc.ClaimTimeBased(ctx, id)
		return stats.settle("claim time-based", err)
	})
}

// PayrollClaimer claims for one employee, alternating between the single
// and the batch entry points so both race against each other.
func PayrollClaimer(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, employee ledger.Address, index uint32, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		if rand.Intn(2) == 0 {
			_, err := svc.ClaimPayroll(ctx, employee, id, index)
			return stats.settle("claim payroll", err)
		}
		_, err := svc.BatchClaimPayroll(ctx, employee, id, []uint32{index, index})
		return stats.settle("batch claim payroll", err)
	})
}

// EmployerBatcher claims payroll for every employee on the employer's behalf.
func EmployerBatcher(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, employer ledger.Address, employees uint32, stop <-chan struct{}) error {
	indices := make([]uint32, 0, employees)
	for i := range employees {
		indices = append(indices, i)
	}
	return loop(ctx, stop, func() error {
		rand.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		_, err := svc.BatchClaimPayroll(ctx, employer, id, indices)
		return stats.settle("employer batch", err)
	})
}

// MilestoneApprover approves random milestones of one agreement.
func MilestoneApprover(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, milestones uint32, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		err := svc.ApproveMilestone(ctx, id, uint32(rand.Intn(int(milestones)))+1)
		return stats.settle("approve milestone", err)
	})
}

// MilestoneClaimer submits random batches, unknown and duplicate ids
// included.
func MilestoneClaimer(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, milestones uint32, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		batch := make([]uint32, 1+rand.Intn(4))
		for i := range batch {
			batch[i] = uint32(rand.Intn(int(milestones)+2)) + 1
		}
		_, err := svc.BatchClaimMilestones(ctx, id, batch)
		return stats.settle("batch claim milestones", err)
	})
}

// Pauser toggles an agreement between paused and active.
func Pauser(ctx context.Context, svc *agreement.Service, stats *Stats, id uint64, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		if err := stats.settle("pause", svc.Pause(ctx, id)); err != nil {
			return err
		}
		time.Sleep(time.Duration(rand.Intn(30)) * time.Millisecond)
		return stats.settle("resume", svc.Resume(ctx, id))
	})
}

// Disputer raises a dispute on id and has the arbiter race resolutions
// against the contributor's claims. Only one resolution may ever land.
func Disputer(ctx context.Context, disputes *dispute.Service, stats *Stats, id uint64, party, arbiter ledger.Address, stop <-chan struct{}) error {
	return loop(ctx, stop, func() error {
		if err := stats.settle("raise dispute", disputes.RaiseDispute(ctx, party, id)); err != nil {
			return err
		}
		share := int64(rand.Intn(200))
		return stats.settle("resolve dispute", disputes.ResolveDispute(ctx, arbiter, id, share, share))
	})
}
