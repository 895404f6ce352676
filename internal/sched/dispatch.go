package sched

import (
	"errors"
	"time"

	"jobmesh/internal/definition"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/executor"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

// WorkflowDone is the payload of workflow.completed events.
type WorkflowDone struct {
	WorkflowRunID int64        `json:"workflow_run_id"`
	WorkflowID    int64        `json:"workflow_id"`
	Status        store.Status `json:"status"`
}

// fire is the timer path: a run's clock went off, or a parent succeeded
// and its dependency-only children get re-evaluated.
func (e *Engine) fire(runID int64) {
	r := e.runs[runID]
	if r == nil {
		return
	}
	switch r.Status {
	case store.StatusWaiting, store.StatusAwaitingRetry:
	default:
		return
	}
	if !e.own.IsOwner(r.BucketID) {
		e.drop(runID)
		return
	}
	if !e.depsSatisfied(r) {
		// Stays put. A parent reaching SUCCESS re-evaluates it; a parent
		// failing leaves it WAITING on purpose, so a rerun of the parent
		// can still unblock it.
		return
	}
	e.dispatch(r)
}

func (e *Engine) depsSatisfied(r *store.JobRun) bool {
	pids := e.parents[r.ID]
	allLocal := e.depsLoaded[r.WorkflowRunID]
	for _, pid := range pids {
		p := e.runs[pid]
		if p == nil {
			allLocal = false
			break
		}
		if !p.Status.Succeeded() {
			return false
		}
	}
	if allLocal {
		return true
	}
	// Parents live in buckets owned elsewhere; ask the store.
	statuses, err := e.st.ParentStatuses(e.ctx, r.ID)
	if err != nil {
		e.log.Warn("parent statuses", logx.Int64("run_id", r.ID), logx.Err(err))
		return false
	}
	for _, s := range statuses {
		if !s.Succeeded() {
			return false
		}
	}
	return true
}

func (e *Engine) dispatch(r *store.JobRun) {
	now := time.Now()

	if res := e.limiter.Reserve(); !res.OK() || res.Delay() > 0 {
		delay := time.Second
		if res.OK() {
			delay = res.Delay()
			res.Cancel()
		}
		e.reschedule(r, now.Add(delay))
		return
	}

	ji, err := e.cat.Job(e.ctx, r.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.log.Warn("job definition missing, failing run",
				logx.Int64("run_id", r.ID), logx.Int64("job_id", r.JobID))
			e.forceStatus(r.ID, store.StatusFail)
			return
		}
		e.log.Warn("load job definition", logx.Int64("job_id", r.JobID), logx.Err(err))
		e.reschedule(r, now.Add(capacityDeferral))
		return
	}

	// A previous run of the same job still active decides the block
	// strategy before we touch the store.
	if active := e.runningByJob[r.JobID]; len(active) > 0 {
		switch ji.BlockStrategy {
		case store.BlockDiscard:
			applied, err := e.st.UpdateRunStatus(e.ctx, r.ID,
				[]store.Status{store.StatusWaiting, store.StatusAwaitingRetry}, store.StatusSkipped)
			if err != nil {
				e.log.Warn("discard blocked run", logx.Int64("run_id", r.ID), logx.Err(err))
				return
			}
			if !applied {
				e.drop(r.ID)
				return
			}
			r.Status = store.StatusSkipped
			r.EndTime = now
			e.log.Debug("run discarded, previous run still active",
				logx.Int64("run_id", r.ID), logx.Int64("job_id", r.JobID))
			e.handleTerminal(r, now)
			return
		case store.BlockCover:
			for id := range active {
				e.pool.Cancel(id)
			}
		}
		// PARALLEL (and COVER after the kill) falls through to dispatch.
	}

	applied, err := e.st.MarkRunRunning(e.ctx, r.ID, now)
	if err != nil {
		e.log.Warn("mark run running", logx.Int64("run_id", r.ID), logx.Err(err))
		e.reschedule(r, now.Add(capacityDeferral))
		return
	}
	if !applied {
		// Another owner won the conditional write; this copy is stale.
		e.log.Debug("lost dispatch race", logx.Int64("run_id", r.ID))
		e.drop(r.ID)
		return
	}

	r.Status = store.StatusRunning
	r.StartTime = now
	if e.runningByJob[r.JobID] == nil {
		e.runningByJob[r.JobID] = map[int64]struct{}{}
	}
	e.runningByJob[r.JobID][r.ID] = struct{}{}

	err = e.pool.Enqueue(executor.Run{
		RunID:         r.ID,
		JobID:         r.JobID,
		WorkflowID:    r.WorkflowID,
		WorkflowRunID: r.WorkflowRunID,
		NamespaceID:   r.NamespaceID,
		RetryCount:    r.RetryCount,
		Timeout:       ji.Timeout,
	})
	if err != nil {
		// Pool full: put the row back and defer instead of dropping.
		if _, uerr := e.st.UpdateRunStatus(e.ctx, r.ID,
			[]store.Status{store.StatusRunning}, store.StatusWaiting); uerr != nil {
			e.log.Warn("revert dispatched run", logx.Int64("run_id", r.ID), logx.Err(uerr))
		}
		r.Status = store.StatusWaiting
		delete(e.runningByJob[r.JobID], r.ID)
		e.reschedule(r, now.Add(capacityDeferral))
		e.log.Debug("executor saturated, run deferred",
			logx.Int64("run_id", r.ID), logx.Err(err))
		return
	}

	if e.met != nil {
		e.met.RunsDispatched.Inc()
		e.met.InflightRuns.Set(float64(e.pool.Inflight()))
		if !r.TriggerTime.IsZero() {
			e.met.DispatchLatency.Observe(now.Sub(r.TriggerTime).Seconds())
		}
	}
}

func (e *Engine) reschedule(r *store.JobRun, at time.Time) {
	if err := e.wh.ScheduleAt(r.ID, at); err != nil {
		e.log.Warn("reschedule run", logx.Int64("run_id", r.ID), logx.Err(err))
	}
}

// complete applies an executor result.
func (e *Engine) complete(res executor.Result) {
	now := time.Now()
	runID := res.Run.RunID
	if e.met != nil {
		e.met.InflightRuns.Set(float64(e.pool.Inflight()))
	}

	r := e.runs[runID]
	if r == nil {
		// Finished after the run left our tables. Best-effort finalize;
		// a lost conditional write means someone else already acted.
		if _, err := e.st.FinishRun(e.ctx, runID, res.Status, now); err != nil {
			e.log.Warn("finish untracked run", logx.Int64("run_id", runID), logx.Err(err))
		}
		return
	}

	if res.Status == store.StatusFail {
		if e.tryRetry(r, now) {
			return
		}
	}

	applied, err := e.st.FinishRun(e.ctx, runID, res.Status, now)
	if err != nil {
		e.log.Warn("finish run", logx.Int64("run_id", runID), logx.Err(err))
		return
	}
	if !applied {
		// The row moved under us (external PASS/KILL/MARK_FAILED). Adopt
		// whatever state won.
		fr, gerr := e.st.GetRun(e.ctx, runID)
		if gerr != nil || !fr.Status.Terminal() {
			e.drop(runID)
			return
		}
		r.Status = fr.Status
		r.EndTime = fr.EndTime
		e.handleTerminal(r, now)
		return
	}

	r.Status = res.Status
	r.EndTime = now
	if e.met != nil {
		e.met.RunsCompleted.WithLabelValues(res.Status.String()).Inc()
	}
	e.handleTerminal(r, now)
}

// tryRetry reschedules a failed attempt if the job still has retry budget.
// TIMEOUT never reaches here; it is terminal.
func (e *Engine) tryRetry(r *store.JobRun, now time.Time) bool {
	ji, err := e.cat.Job(e.ctx, r.JobID)
	if err != nil {
		return false
	}
	if r.RetryCount >= ji.MaxRetry {
		return false
	}
	interval := ji.RetryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	nextFire := now.Add(interval)
	applied, err := e.st.MarkRunForRetry(e.ctx, r.ID, r.RetryCount+1, nextFire)
	if err != nil {
		e.log.Warn("mark run for retry", logx.Int64("run_id", r.ID), logx.Err(err))
		return false
	}
	if !applied {
		return false
	}
	if set := e.runningByJob[r.JobID]; set != nil {
		delete(set, r.ID)
	}
	r.Status = store.StatusAwaitingRetry
	r.RetryCount++
	r.TriggerTime = nextFire
	e.reschedule(r, nextFire)
	if e.met != nil {
		e.met.RunsRetried.Inc()
	}
	e.log.Info("run scheduled for retry",
		logx.Int64("run_id", r.ID),
		logx.Int("attempt", r.RetryCount),
		logx.Time("next_fire", nextFire))
	return true
}

// forceStatus applies an externally commanded terminal status: CANCELLED
// (kill), SKIPPED (pass) or FAIL (mark failed).
func (e *Engine) forceStatus(runID int64, to store.Status) {
	now := time.Now()
	r := e.runs[runID]

	if r == nil {
		// Not ours (or not loaded). Flip the row conditionally, RUNNING
		// included: the owning worker's FinishRun loses the conditional
		// write and its completion path adopts whatever state won.
		fr, err := e.st.GetRun(e.ctx, runID)
		if err != nil {
			return
		}
		applied, err := e.st.UpdateRunStatus(e.ctx, runID,
			[]store.Status{store.StatusWaiting, store.StatusQueued, store.StatusAwaitingRetry, store.StatusRunning}, to)
		if err != nil {
			e.log.Warn("force status on untracked run", logx.Int64("run_id", runID), logx.Err(err))
			return
		}
		if applied {
			e.recomputeWorkflow(fr.WorkflowRunID, now)
		}
		return
	}

	if r.Status == store.StatusRunning {
		if to == store.StatusCancelled {
			// The completion path records CANCELLED.
			e.pool.Cancel(runID)
			return
		}
		// PASS / MARK_FAILED override the in-flight attempt: claim the row
		// first, then abort the work so its late result is discarded.
		applied, err := e.st.UpdateRunStatus(e.ctx, runID, []store.Status{store.StatusRunning}, to)
		if err != nil || !applied {
			return
		}
		e.pool.Cancel(runID)
		r.Status = to
		r.EndTime = now
		e.handleTerminal(r, now)
		return
	}

	applied, err := e.st.UpdateRunStatus(e.ctx, runID,
		[]store.Status{store.StatusWaiting, store.StatusQueued, store.StatusAwaitingRetry}, to)
	if err != nil {
		e.log.Warn("force status", logx.Int64("run_id", runID), logx.Err(err))
		return
	}
	if !applied {
		e.drop(runID)
		return
	}
	e.wh.Cancel(runID)
	r.Status = to
	r.EndTime = now
	if e.met != nil {
		e.met.RunsCompleted.WithLabelValues(to.String()).Inc()
	}
	e.handleTerminal(r, now)
}

// handleTerminal propagates one run's terminal status: dependents, then
// the workflow aggregate.
func (e *Engine) handleTerminal(r *store.JobRun, now time.Time) {
	e.wh.Cancel(r.ID)
	if set := e.runningByJob[r.JobID]; set != nil {
		delete(set, r.ID)
		if len(set) == 0 {
			delete(e.runningByJob, r.JobID)
		}
	}

	if r.Status.Succeeded() {
		// Dependency-only children are clockless; evaluate them now.
		// Children with their own trigger keep their wheel entry.
		for _, childID := range e.children[r.ID] {
			if c := e.runs[childID]; c != nil && c.Status == store.StatusWaiting && c.TriggerTime.IsZero() {
				e.fire(childID)
			}
		}
	}

	e.recomputeWorkflow(r.WorkflowRunID, now)
}

// finalWorkflowStatus folds terminal run counts into the workflow run's
// final status: any cancellation wins, then any failure, else success.
func finalWorkflowStatus(counts store.StatusCounts) store.Status {
	switch {
	case counts.Cancelled > 0:
		return store.StatusCancelled
	case counts.Failed > 0:
		return store.StatusFail
	default:
		return store.StatusSuccess
	}
}

func (e *Engine) recomputeWorkflow(wfRunID int64, now time.Time) {
	counts, err := e.st.CountRunStatuses(e.ctx, wfRunID)
	if err != nil {
		e.log.Warn("count run statuses", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}
	if counts.Total == 0 || counts.Terminal != counts.Total {
		return
	}

	final := finalWorkflowStatus(counts)
	applied, err := e.st.UpdateWorkflowRunStatus(e.ctx, wfRunID,
		[]store.Status{store.StatusRunning}, final, now)
	if err != nil {
		e.log.Warn("finalize workflow run", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}
	if applied {
		wr, gerr := e.st.GetWorkflowRun(e.ctx, wfRunID)
		if gerr == nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeWorkflowCompleted, Data: WorkflowDone{
				WorkflowRunID: wfRunID,
				WorkflowID:    wr.WorkflowID,
				Status:        final,
			}})
		}
		e.log.Info("workflow run finished",
			logx.Int64("workflow_run_id", wfRunID),
			logx.String("status", final.String()))
		if final == store.StatusSuccess {
			e.perpetuate(wfRunID, now)
		}
	}
	e.cleanupWorkflowRun(wfRunID)
}

func (e *Engine) cleanupWorkflowRun(wfRunID int64) {
	set := e.byWfRun[wfRunID]
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	for _, id := range ids {
		e.drop(id)
	}
}

// perpetuate synthesizes the next cycle of a recurring workflow: a fresh
// workflow run, job runs and dependency edges with new snowflake ids,
// inserted in one transaction. Only the worker whose conditional aggregate
// write succeeded gets here, so exactly one next cycle appears.
func (e *Engine) perpetuate(wfRunID int64, now time.Time) {
	wr, err := e.st.GetWorkflowRun(e.ctx, wfRunID)
	if err != nil {
		e.log.Warn("load finished workflow run", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}
	wf, err := e.cat.Workflow(e.ctx, wr.WorkflowID)
	if err != nil || !wf.Online {
		return
	}
	jobs, err := e.cat.JobsByWorkflow(e.ctx, wr.WorkflowID)
	if err != nil {
		e.log.Warn("load workflow jobs", logx.Int64("workflow_id", wr.WorkflowID), logx.Err(err))
		return
	}

	online := make([]store.JobInfo, 0, len(jobs))
	anyRecurring := false
	for _, ji := range jobs {
		if !ji.Online {
			continue
		}
		online = append(online, ji)
		if definition.Recurring(ji.TriggerType) {
			anyRecurring = true
		}
	}
	if !anyRecurring || len(online) == 0 {
		return
	}

	prevTrigger := map[int64]time.Time{}
	oldRunJob := map[int64]int64{}
	oldRuns, err := e.st.RunsByWorkflowRun(e.ctx, wfRunID)
	if err != nil {
		e.log.Warn("load previous cycle runs", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}
	for _, or := range oldRuns {
		prevTrigger[or.JobID] = or.TriggerTime
		oldRunJob[or.ID] = or.JobID
	}
	oldEdges, err := e.st.Dependencies(e.ctx, wfRunID)
	if err != nil {
		e.log.Warn("load previous cycle edges", logx.Int64("workflow_run_id", wfRunID), logx.Err(err))
		return
	}

	newWfRunID, err := e.idgen.Next()
	if err != nil {
		e.log.Warn("generate workflow run id", logx.Err(err))
		return
	}

	newRunByJob := map[int64]int64{}
	newRuns := make([]store.JobRun, 0, len(online))
	var wfTrigger time.Time
	for _, ji := range online {
		var trig time.Time
		if definition.Recurring(ji.TriggerType) {
			next, _, ferr := e.cat.NextFire(ji, prevTrigger[ji.ID], now)
			if ferr != nil {
				e.log.Warn("compute next fire", logx.Int64("job_id", ji.ID), logx.Err(ferr))
				return
			}
			trig = next
			if wfTrigger.IsZero() || trig.Before(wfTrigger) {
				wfTrigger = trig
			}
		}
		runID, ierr := e.idgen.Next()
		if ierr != nil {
			e.log.Warn("generate run id", logx.Err(ierr))
			return
		}
		newRunByJob[ji.ID] = runID
		newRuns = append(newRuns, store.JobRun{
			ID:            runID,
			JobID:         ji.ID,
			WorkflowID:    wr.WorkflowID,
			WorkflowRunID: newWfRunID,
			NamespaceID:   wr.NamespaceID,
			BucketID:      e.own.BucketOf(ji.ID),
			Status:        store.StatusWaiting,
			TriggerTime:   trig,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	var newEdges []store.DependencyEdge
	for _, edge := range oldEdges {
		childID, okC := newRunByJob[oldRunJob[edge.JobRunID]]
		parentID, okP := newRunByJob[oldRunJob[edge.ParentRunID]]
		if okC && okP {
			newEdges = append(newEdges, store.DependencyEdge{
				WorkflowRunID: newWfRunID,
				JobRunID:      childID,
				ParentRunID:   parentID,
			})
		}
	}

	newWr := store.WorkflowRun{
		ID:          newWfRunID,
		WorkflowID:  wr.WorkflowID,
		NamespaceID: wr.NamespaceID,
		Status:      store.StatusRunning,
		TriggerTime: wfTrigger,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.st.Materialize(e.ctx, newWr, newRuns, newEdges); err != nil {
		e.log.Warn("materialize next cycle", logx.Int64("workflow_id", wr.WorkflowID), logx.Err(err))
		return
	}
	for _, nr := range newRuns {
		e.register(nr)
	}
	e.log.Info("next workflow cycle materialized",
		logx.Int64("workflow_id", wr.WorkflowID),
		logx.Int64("workflow_run_id", newWfRunID),
		logx.Int("runs", len(newRuns)))
}
