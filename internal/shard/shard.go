// Package shard coordinates range splits for large sharded runs.
//
// A sharded run's key range is cut into claimable splits in the shared
// store. Workers claim splits autonomously with a compare-and-swap, so a
// run's ranges spread across the cluster without a central assigner, and
// a crashed worker's claims are recycled by the janitor.
package shard

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"jobmesh/internal/config"
	"jobmesh/internal/metrics"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

const (
	claimBackoffBase = 100 * time.Millisecond
	claimBackoffCap  = time.Second
	janitorInterval  = time.Minute
)

var ErrClaimContention = errors.New("shard: claim retries exhausted")

type settings struct {
	minSplitSize      int64
	maxSplitSize      int64
	claimRetryMax     int
	processingTimeout time.Duration
}

func parseSettings(cfg config.ShardConfig) (settings, error) {
	s := settings{
		minSplitSize:  cfg.MinSplitSize,
		maxSplitSize:  cfg.MaxSplitSize,
		claimRetryMax: cfg.ClaimRetryMax,
	}
	if s.minSplitSize <= 0 {
		s.minSplitSize = 1000
	}
	if s.maxSplitSize < s.minSplitSize {
		s.maxSplitSize = 100000
	}
	if s.claimRetryMax <= 0 {
		s.claimRetryMax = 10
	}
	var err error
	if s.processingTimeout, err = config.ParseDurationOrDefault("shard.processing_timeout", cfg.ProcessingTimeout, 5*time.Minute); err != nil {
		return s, err
	}
	return s, nil
}

// Coordinator plans, claims and recycles splits for this worker.
type Coordinator struct {
	set     settings
	self    string
	st      store.Store
	members func() []string
	met     *metrics.Metrics
	log     logx.Logger

	stopCh   chan struct{}
	stopDone chan struct{}
}

func NewCoordinator(cfg config.ShardConfig, self string, st store.Store, members func() []string,
	met *metrics.Metrics, log logx.Logger) (*Coordinator, error) {
	set, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		set:      set,
		self:     self,
		st:       st,
		members:  members,
		met:      met,
		log:      log,
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}, nil
}

// Start launches the janitor that recycles stale PROCESSING splits.
func (c *Coordinator) Start() {
	go c.janitor()
}

func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.stopDone
}

// goalSize picks a split size for this worker: more CPUs want bigger
// bites, a loaded worker takes smaller ones. Always clamped to the
// configured bounds.
func (c *Coordinator) goalSize(inflight int) int64 {
	if inflight < 0 {
		inflight = 0
	}
	goal := int64(runtime.NumCPU()) * c.set.minSplitSize / int64(inflight+1)
	if goal < c.set.minSplitSize {
		goal = c.set.minSplitSize
	}
	if goal > c.set.maxSplitSize {
		goal = c.set.maxSplitSize
	}
	return goal
}

// Plan cuts [rangeStart, rangeEnd) into pending splits and inserts them.
// Existing splits for the same run are left untouched, so replanning after
// a crash is safe.
func (c *Coordinator) Plan(ctx context.Context, runID, rangeStart, rangeEnd int64, inflight int) (int, error) {
	if rangeEnd <= rangeStart {
		return 0, fmt.Errorf("shard: empty range [%d,%d)", rangeStart, rangeEnd)
	}
	goal := c.goalSize(inflight)
	var splits []store.SplitClaim
	for lo := rangeStart; lo < rangeEnd; lo += goal {
		hi := lo + goal
		if hi > rangeEnd {
			hi = rangeEnd
		}
		splits = append(splits, store.SplitClaim{
			RunID:      runID,
			RangeStart: lo,
			RangeEnd:   hi,
			Status:     store.SplitPending,
			NextStart:  lo,
		})
	}
	if err := c.st.InsertSplits(ctx, splits); err != nil {
		return 0, err
	}
	c.log.Info("splits planned",
		logx.Int64("run_id", runID),
		logx.Int("splits", len(splits)),
		logx.Int64("goal_size", goal))
	return len(splits), nil
}

// Claim takes the next pending split of a run for this worker. It returns
// false with no error when the run has no pending splits left. A lost CAS
// retries with doubling backoff; exhausting the budget surfaces
// ErrClaimContention.
func (c *Coordinator) Claim(ctx context.Context, runID int64) (store.SplitClaim, bool, error) {
	backoff := claimBackoffBase
	for attempt := 0; attempt < c.set.claimRetryMax; attempt++ {
		sp, ok, err := c.st.NextSplit(ctx, runID)
		if err != nil {
			return store.SplitClaim{}, false, err
		}
		if !ok {
			return store.SplitClaim{}, false, nil
		}
		applied, err := c.st.ClaimSplit(ctx, runID, sp.RangeStart, c.self, time.Now())
		if err != nil {
			return store.SplitClaim{}, false, err
		}
		if applied {
			sp.Status = store.SplitProcessing
			sp.Worker = c.self
			return sp, true, nil
		}
		if c.met != nil {
			c.met.SplitClaimConflicts.Inc()
		}
		select {
		case <-ctx.Done():
			return store.SplitClaim{}, false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > claimBackoffCap {
			backoff = claimBackoffCap
		}
	}
	return store.SplitClaim{}, false, ErrClaimContention
}

// Complete marks a claimed split DONE and records how far it got.
func (c *Coordinator) Complete(ctx context.Context, runID, rangeStart, nextStart int64) error {
	return c.st.FinishSplit(ctx, runID, rangeStart, store.SplitDone, nextStart)
}

// Fail marks a claimed split FAILED; nextStart records the resume point.
func (c *Coordinator) Fail(ctx context.Context, runID, rangeStart, nextStart int64) error {
	return c.st.FinishSplit(ctx, runID, rangeStart, store.SplitFailed, nextStart)
}

func (c *Coordinator) janitor() {
	defer close(c.stopDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.recycleOnce()
		}
	}
}

// recycleOnce requeues PROCESSING splits whose mark time passed the
// processing timeout or whose worker is no longer a cluster member.
func (c *Coordinator) recycleOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var alive []string
	if c.members != nil {
		alive = c.members()
	}
	n, err := c.st.ResetStaleSplits(ctx, time.Now().Add(-c.set.processingTimeout), alive)
	if err != nil {
		c.log.Warn("recycle stale splits", logx.Err(err))
		return
	}
	if n > 0 {
		c.log.Info("stale splits recycled", logx.Int("splits", n))
	}
}
