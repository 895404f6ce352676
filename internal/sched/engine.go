// Package sched is the scheduling engine: it tracks the runs of the
// buckets this worker owns, fires them from the timer wheel, gates them on
// their dependencies and drives the run and workflow-run state machines.
//
// All scheduling state belongs to one event-loop goroutine. Timer fires,
// executor completions, broadcast commands, bucket changes and scan ticks
// are posted onto the engine queue and applied in order, so the state
// needs no locks and every store write can stay conditional.
package sched

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobmesh/internal/config"
	"jobmesh/internal/definition"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/executor"
	"jobmesh/internal/ident"
	"jobmesh/internal/metrics"
	"jobmesh/internal/ownership"
	"jobmesh/internal/sched/wheel"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

const (
	capacityDeferral = 5 * time.Second
	fullScanEvery    = 10 // every Nth scan reloads all WAITING runs (rerun detection)
)

// ExecutorPool is the slice of the executor the engine needs.
type ExecutorPool interface {
	Enqueue(r executor.Run) error
	Cancel(runID int64) bool
	Inflight() int
}

type settings struct {
	wheelSlots     int
	tick           time.Duration
	scanInterval   time.Duration
	maxPendingRuns int
	dispatchRate   int
}

func parseSettings(cfg config.SchedulerConfig) (settings, error) {
	s := settings{
		wheelSlots:     cfg.WheelSlots,
		maxPendingRuns: cfg.MaxPendingRuns,
		dispatchRate:   cfg.DispatchRate,
	}
	if s.wheelSlots <= 0 {
		s.wheelSlots = wheel.DefaultSlots
	}
	if s.maxPendingRuns <= 0 {
		s.maxPendingRuns = 100000
	}
	if s.dispatchRate <= 0 {
		s.dispatchRate = 200
	}
	var err error
	if s.tick, err = config.ParseDurationOrDefault("scheduler.tick_interval", cfg.TickInterval, wheel.DefaultTick); err != nil {
		return s, err
	}
	if s.scanInterval, err = config.ParseDurationOrDefault("scheduler.scan_interval", cfg.ScanInterval, 10*time.Second); err != nil {
		return s, err
	}
	return s, nil
}

type Engine struct {
	set   settings
	st    store.Store
	cat   *definition.Catalog
	own   *ownership.Manager
	idgen *ident.Generator
	bus   eventbus.Bus
	met   *metrics.Metrics
	log   logx.Logger

	pool ExecutorPool
	wh   *wheel.Wheel

	ctx      context.Context
	ops      chan func()
	stopCh   chan struct{}
	stopDone chan struct{}
	limiter  *rate.Limiter

	// Everything below is owned by the loop goroutine.
	runs         map[int64]*store.JobRun
	byBucket     map[int]map[int64]struct{}
	byWfRun      map[int64]map[int64]struct{}
	parents      map[int64][]int64
	children     map[int64][]int64
	runningByJob map[int64]map[int64]struct{}
	depsLoaded   map[int64]bool
	watermark    int64
	scanCount    int

	pending atomic.Int64
}

func New(cfg config.SchedulerConfig, st store.Store, cat *definition.Catalog, own *ownership.Manager,
	idgen *ident.Generator, bus eventbus.Bus, met *metrics.Metrics, log logx.Logger) (*Engine, error) {
	set, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("sched: store is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		set:          set,
		st:           st,
		cat:          cat,
		own:          own,
		idgen:        idgen,
		bus:          bus,
		met:          met,
		log:          log,
		ops:          make(chan func(), 4096),
		stopCh:       make(chan struct{}),
		stopDone:     make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(set.dispatchRate), set.dispatchRate),
		runs:         map[int64]*store.JobRun{},
		byBucket:     map[int]map[int64]struct{}{},
		byWfRun:      map[int64]map[int64]struct{}{},
		parents:      map[int64][]int64{},
		children:     map[int64][]int64{},
		runningByJob: map[int64]map[int64]struct{}{},
		depsLoaded:   map[int64]bool{},
	}
	e.wh = wheel.New(wheel.Options{Slots: set.wheelSlots, Tick: set.tick}, e.onWheelFire, log.With(logx.String("component", "wheel")))
	return e, nil
}

// SetExecutor wires the pool; must be called before Start.
func (e *Engine) SetExecutor(pool ExecutorPool) { e.pool = pool }

func (e *Engine) Start(ctx context.Context) error {
	if e.pool == nil {
		return fmt.Errorf("sched: executor not wired")
	}
	e.ctx = ctx
	e.wh.Start()

	events, unsub := e.bus.Subscribe(256)
	go e.watchBuckets(events, unsub)
	go e.loop()

	e.log.Info("engine started",
		logx.Int("wheel_slots", e.set.wheelSlots),
		logx.Duration("tick", e.set.tick),
		logx.Duration("scan_interval", e.set.scanInterval))
	return nil
}

func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.stopDone
	e.wh.Stop()
}

// PendingCount reports how many runs the engine is tracking.
func (e *Engine) PendingCount() int { return int(e.pending.Load()) }

// post hands a closure to the loop goroutine.
func (e *Engine) post(op func()) {
	select {
	case e.ops <- op:
	case <-e.stopCh:
	}
}

func (e *Engine) loop() {
	defer close(e.stopDone)
	scan := time.NewTicker(e.set.scanInterval)
	defer scan.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case op := <-e.ops:
			op()
		case <-scan.C:
			e.scan()
		}
	}
}

func (e *Engine) onWheelFire(runID int64) {
	e.post(func() { e.fire(runID) })
}

// OnRunDone is the executor completion callback.
func (e *Engine) OnRunDone(res executor.Result) {
	e.post(func() { e.complete(res) })
}

// RegisterRun starts tracking a run. Safe to call for runs the engine
// already tracks or for buckets it does not own; both are ignored.
func (e *Engine) RegisterRun(run store.JobRun) {
	e.post(func() { e.register(run) })
}

func (e *Engine) RegisterRuns(runs []store.JobRun) {
	e.post(func() {
		for _, r := range runs {
			e.register(r)
		}
	})
}

// CancelRun aborts a run in any non-terminal state.
func (e *Engine) CancelRun(runID int64) {
	e.post(func() { e.forceStatus(runID, store.StatusCancelled) })
}

// PassRun marks a run SKIPPED, satisfying its dependents as if it had
// succeeded.
func (e *Engine) PassRun(runID int64) {
	e.post(func() { e.forceStatus(runID, store.StatusSkipped) })
}

// ForceFailRun marks a run FAIL without an attempt and without retries.
func (e *Engine) ForceFailRun(runID int64) {
	e.post(func() { e.forceStatus(runID, store.StatusFail) })
}

// CancelWorkflow aborts every tracked non-terminal run of a workflow,
// e.g. when the workflow goes offline.
func (e *Engine) CancelWorkflow(workflowID int64) {
	e.post(func() {
		var ids []int64
		for id, r := range e.runs {
			if r.WorkflowID == workflowID && !r.Status.Terminal() {
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			e.forceStatus(id, store.StatusCancelled)
		}
	})
}

func (e *Engine) watchBuckets(events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeBucketAcquired:
				if bc, ok := ev.Data.(ownership.BucketChange); ok {
					e.post(func() { e.bucketAcquired(bc.Bucket) })
				}
			case eventbus.TypeBucketLost:
				if bc, ok := ev.Data.(ownership.BucketChange); ok {
					e.post(func() { e.bucketLost(bc.Bucket) })
				}
			}
		}
	}
}

// register adds a run to the tracking tables and arms its timer. Runs
// whose bucket we do not own, duplicates and terminal runs are ignored.
func (e *Engine) register(run store.JobRun) {
	if _, dup := e.runs[run.ID]; dup {
		return
	}
	if !e.own.IsOwner(run.BucketID) {
		return
	}
	switch run.Status {
	case store.StatusWaiting, store.StatusAwaitingRetry:
	default:
		return
	}
	if len(e.runs) >= e.set.maxPendingRuns {
		e.log.Warn("pending run cap reached, deferring load",
			logx.Int64("run_id", run.ID), logx.Int("cap", e.set.maxPendingRuns))
		return
	}

	r := run
	e.runs[r.ID] = &r
	e.index(&r)
	e.loadDeps(r.WorkflowRunID)
	e.pending.Store(int64(len(e.runs)))
	if e.met != nil {
		e.met.PendingRuns.Set(float64(len(e.runs)))
	}

	if r.TriggerTime.IsZero() {
		// Dependency-only run: no clock, evaluate right away.
		e.fire(r.ID)
		return
	}
	if err := e.wh.ScheduleAt(r.ID, r.TriggerTime); err != nil {
		e.log.Warn("schedule run", logx.Int64("run_id", r.ID), logx.Err(err))
	}
}

func (e *Engine) index(r *store.JobRun) {
	if e.byBucket[r.BucketID] == nil {
		e.byBucket[r.BucketID] = map[int64]struct{}{}
	}
	e.byBucket[r.BucketID][r.ID] = struct{}{}
	if e.byWfRun[r.WorkflowRunID] == nil {
		e.byWfRun[r.WorkflowRunID] = map[int64]struct{}{}
	}
	e.byWfRun[r.WorkflowRunID][r.ID] = struct{}{}
}

func (e *Engine) drop(runID int64) {
	r, ok := e.runs[runID]
	if !ok {
		return
	}
	delete(e.runs, runID)
	e.wh.Cancel(runID)
	if set := e.byBucket[r.BucketID]; set != nil {
		delete(set, runID)
		if len(set) == 0 {
			delete(e.byBucket, r.BucketID)
		}
	}
	if set := e.byWfRun[r.WorkflowRunID]; set != nil {
		delete(set, runID)
		if len(set) == 0 {
			delete(e.byWfRun, r.WorkflowRunID)
			e.dropDeps(r.WorkflowRunID)
		}
	}
	if set := e.runningByJob[r.JobID]; set != nil {
		delete(set, runID)
		if len(set) == 0 {
			delete(e.runningByJob, r.JobID)
		}
	}
	e.pending.Store(int64(len(e.runs)))
	if e.met != nil {
		e.met.PendingRuns.Set(float64(len(e.runs)))
	}
}

// loadDeps caches the dependency edges of a workflow run on first sight.
func (e *Engine) loadDeps(wfRunID int64) {
	if e.depsLoaded[wfRunID] {
		return
	}
	edges, err := e.st.Dependencies(e.ctx, wfRunID)
	if err != nil {
		e.log.Warn("load dependencies", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}
	for _, edge := range edges {
		e.parents[edge.JobRunID] = append(e.parents[edge.JobRunID], edge.ParentRunID)
		e.children[edge.ParentRunID] = append(e.children[edge.ParentRunID], edge.JobRunID)
	}
	e.depsLoaded[wfRunID] = true
}

func (e *Engine) dropDeps(wfRunID int64) {
	if !e.depsLoaded[wfRunID] {
		return
	}
	delete(e.depsLoaded, wfRunID)
	// Edges are keyed by run id; collect the ones belonging to this
	// workflow run via the store-provided edge list shape: both ends of
	// every edge live in the same workflow run, so any run id no longer
	// tracked can be pruned.
	for id := range e.parents {
		if _, tracked := e.runs[id]; !tracked {
			delete(e.parents, id)
		}
	}
	for id := range e.children {
		if _, tracked := e.runs[id]; !tracked {
			delete(e.children, id)
		}
	}
}

func (e *Engine) bucketAcquired(bucket int) {
	runs, err := e.st.LoadRuns(e.ctx, []int{bucket},
		[]store.Status{store.StatusWaiting, store.StatusAwaitingRetry}, 0)
	if err != nil {
		e.log.Warn("load runs for acquired bucket", logx.Int("bucket", bucket), logx.Err(err))
		return
	}
	for _, r := range runs {
		e.register(r)
	}
	if e.met != nil {
		e.met.OwnedBuckets.Set(float64(len(e.own.Owned())))
	}
	if len(runs) > 0 {
		e.log.Info("bucket acquired", logx.Int("bucket", bucket), logx.Int("runs", len(runs)))
	}
}

// bucketLost drops the bucket's waiting runs. Runs already executing keep
// going: the RUNNING row is ours until it finishes, and every follow-up
// write is conditional anyway.
func (e *Engine) bucketLost(bucket int) {
	set := e.byBucket[bucket]
	var dropped int
	for id := range set {
		if r := e.runs[id]; r != nil && r.Status != store.StatusRunning {
			e.drop(id)
			dropped++
		}
	}
	if e.met != nil {
		e.met.OwnedBuckets.Set(float64(len(e.own.Owned())))
	}
	e.log.Info("bucket lost", logx.Int("bucket", bucket), logx.Int("dropped", dropped))
}

// scan picks up rows created behind our back: runs materialized by other
// workers' broadcast handling land in the store first and reach us here
// via the max-id watermark. Every Nth scan reloads all WAITING runs to
// catch reruns (rows moved back to WAITING keep their old, low ids).
func (e *Engine) scan() {
	owned := e.own.Owned()
	if len(owned) == 0 {
		return
	}
	e.scanCount++

	sinceID := e.watermark
	if e.scanCount%fullScanEvery == 0 {
		sinceID = 0
	}
	runs, err := e.st.LoadRuns(e.ctx, owned,
		[]store.Status{store.StatusWaiting, store.StatusAwaitingRetry}, sinceID)
	if err != nil {
		e.log.Warn("scan runs", logx.Err(err))
		return
	}
	for _, r := range runs {
		e.register(r)
	}

	// Tracked dependency-only runs gate on parents that may live in buckets
	// owned by other workers; nothing signals us when those reach SUCCESS,
	// so the gate is re-checked every scan. fire can materialize the next
	// cycle and grow the tables, so collect ids before touching them.
	var clockless []int64
	for id, r := range e.runs {
		if r.Status == store.StatusWaiting && r.TriggerTime.IsZero() {
			clockless = append(clockless, id)
		}
	}
	for _, id := range clockless {
		e.fire(id)
	}

	maxID, err := e.st.MaxRunID(e.ctx, owned)
	if err != nil {
		e.log.Warn("scan watermark", logx.Err(err))
		return
	}
	if maxID > e.watermark {
		e.watermark = maxID
	}
}
