package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/utils"
)

// Keeper job IDs.
const (
	JobFulfillRandomness = "keeper-fulfill-randomness"
	JobResolveDisputes   = "keeper-resolve-disputes"
	JobFinalizeTasks     = "keeper-finalize-tasks"
)

// TaskFinalizer finalizes unchallenged verification tasks.
type TaskFinalizer interface {
	FinalizableTasks(now time.Time) []common.Hash
	Finalize(ctx context.Context, caller common.Address, claimID common.Hash) error
}

// DisputeResolver resolves disputes whose vote has closed.
type DisputeResolver interface {
	ResolvableDisputes(now time.Time) []common.Hash
	ResolveDispute(ctx context.Context, caller common.Address, claimID common.Hash) error
}

// RandomnessFulfiller delivers randomness that is due.
type RandomnessFulfiller interface {
	FulfillDue(ctx context.Context) (int, error)
}

// KeeperStats counts keeper work since start.
type KeeperStats struct {
	Finalized        int
	Resolved         int
	Fulfilled        int
	Skipped          int
	Failed           int
	LastRun          time.Time
	LastRunDuration  time.Duration
	LastRunCompleted bool
}

// Keeper drives the permissionless, time-gated transitions of the
// protocol and collects their bounties for its account.
type Keeper struct {
	address  common.Address
	clock    clock.Clock
	tasks    TaskFinalizer
	disputes DisputeResolver
	oracle   RandomnessFulfiller
	retry    *utils.RetryConfig
	logger   *zap.Logger

	stats KeeperStats
	mu    sync.Mutex
}

// NewKeeper builds a keeper acting as address. Any collaborator may be nil
// to leave that duty to someone else.
func NewKeeper(
	address common.Address,
	clk clock.Clock,
	tasks TaskFinalizer,
	disputes DisputeResolver,
	oracle RandomnessFulfiller,
	retry *utils.RetryConfig,
	logger *zap.Logger,
) *Keeper {
	if clk == nil {
		clk = clock.New()
	}
	if retry == nil {
		retry = utils.DefaultRetryConfig()
	}
	cfg := *retry
	cfg.Permanent = IsPermanent

	return &Keeper{
		address:  address,
		clock:    clk,
		tasks:    tasks,
		disputes: disputes,
		oracle:   oracle,
		retry:    &cfg,
		logger:   logger.With(zap.String("component", "keeper"), zap.String("keeper", address.Hex())),
	}
}

// IsPermanent reports protocol rejections. Those mean the transition is
// not (or no longer) available, so retrying cannot succeed.
func IsPermanent(err error) bool {
	return ledger.KindOf(err) != ledger.KindUnknown
}

// Register schedules the keeper's three duties.
func (k *Keeper) Register(s *Scheduler, schedule string, maxRetries int) error {
	jobs := []*Job{
		{ID: JobFulfillRandomness, Name: "Fulfill randomness", Run: k.FulfillRandomness},
		{ID: JobResolveDisputes, Name: "Resolve disputes", Run: k.ResolveDisputes},
		{ID: JobFinalizeTasks, Name: "Finalize tasks", Run: k.FinalizeTasks},
	}
	for _, j := range jobs {
		j.Schedule = schedule
		j.MaxRetries = maxRetries
		j.Permanent = IsPermanent
		if err := s.ScheduleJob(j); err != nil {
			return fmt.Errorf("registering %s: %w", j.ID, err)
		}
	}
	return nil
}

// RunOnce performs every duty in order: randomness first so committees
// are seated, then resolutions, then finalizations.
func (k *Keeper) RunOnce(ctx context.Context) error {
	start := k.clock.Now()
	err := errors.Join(
		k.FulfillRandomness(ctx),
		k.ResolveDisputes(ctx),
		k.FinalizeTasks(ctx),
	)

	k.mu.Lock()
	k.stats.LastRun = start
	k.stats.LastRunDuration = k.clock.Since(start)
	k.stats.LastRunCompleted = err == nil
	k.mu.Unlock()
	return err
}

// FulfillRandomness delivers all due randomness requests.
func (k *Keeper) FulfillRandomness(ctx context.Context) error {
	if k.oracle == nil {
		return nil
	}
	n, err := k.oracle.FulfillDue(ctx)

	k.mu.Lock()
	k.stats.Fulfilled += n
	k.mu.Unlock()

	if n > 0 {
		k.logger.Info("Randomness delivered", zap.Int("requests", n))
	}
	if err != nil {
		// requests that failed stay pending for the next pass
		k.logger.Warn("Some randomness requests were not delivered", zap.Error(err))
		if IsPermanent(err) {
			return nil
		}
		return err
	}
	return nil
}

// ResolveDisputes resolves every dispute whose vote has closed.
func (k *Keeper) ResolveDisputes(ctx context.Context) error {
	if k.disputes == nil {
		return nil
	}
	ids := k.disputes.ResolvableDisputes(k.clock.Now())
	return k.each(ctx, "resolve", ids, k.disputes.ResolveDispute, func(s *KeeperStats) { s.Resolved++ })
}

// FinalizeTasks finalizes every task whose challenge window has passed.
func (k *Keeper) FinalizeTasks(ctx context.Context) error {
	if k.tasks == nil {
		return nil
	}
	ids := k.tasks.FinalizableTasks(k.clock.Now())
	return k.each(ctx, "finalize", ids, k.tasks.Finalize, func(s *KeeperStats) { s.Finalized++ })
}

func (k *Keeper) each(
	ctx context.Context,
	action string,
	ids []common.Hash,
	fn func(context.Context, common.Address, common.Hash) error,
	done func(*KeeperStats),
) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := utils.RetryWithBackoff(ctx, func() error {
			return fn(ctx, k.address, id)
		}, k.retry)

		k.mu.Lock()
		switch {
		case err == nil:
			done(&k.stats)
		case IsPermanent(err):
			k.stats.Skipped++
		default:
			k.stats.Failed++
		}
		k.mu.Unlock()

		switch {
		case err == nil:
			k.logger.Info("Keeper "+action+" succeeded", zap.String("claim_id", id.Hex()))
		case IsPermanent(err):
			k.logger.Debug("Keeper "+action+" skipped",
				zap.String("claim_id", id.Hex()),
				zap.String("kind", string(ledger.KindOf(err))),
				zap.Error(err))
		default:
			k.logger.Warn("Keeper "+action+" failed",
				zap.String("claim_id", id.Hex()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", action, id.Hex(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a copy of the keeper counters.
func (k *Keeper) Stats() KeeperStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}
