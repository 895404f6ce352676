package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobmesh/internal/config"
	"jobmesh/internal/definition"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/executor"
	"jobmesh/internal/ident"
	"jobmesh/internal/ownership"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

// memStore is an in-memory store.Store with the same conditional-update
// semantics as the sqlite implementation.
type memStore struct {
	mu        sync.Mutex
	runs      map[int64]store.JobRun
	wfRuns    map[int64]store.WorkflowRun
	edges     []store.DependencyEdge
	jobs      map[int64]store.JobInfo
	workflows map[int64]store.Workflow
	leases    map[int]store.BucketLease
	seen      map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:      map[int64]store.JobRun{},
		wfRuns:    map[int64]store.WorkflowRun{},
		jobs:      map[int64]store.JobInfo{},
		workflows: map[int64]store.Workflow{},
		leases:    map[int]store.BucketLease{},
		seen:      map[string]bool{},
	}
}

func (m *memStore) GetRun(_ context.Context, id int64) (store.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) LoadRuns(_ context.Context, buckets []int, statuses []store.Status, sinceID int64) ([]store.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bset := map[int]bool{}
	for _, b := range buckets {
		bset[b] = true
	}
	sset := map[store.Status]bool{}
	for _, s := range statuses {
		sset[s] = true
	}
	var out []store.JobRun
	for _, r := range m.runs {
		if bset[r.BucketID] && sset[r.Status] && r.ID > sinceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MaxRunID(_ context.Context, buckets []int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bset := map[int]bool{}
	for _, b := range buckets {
		bset[b] = true
	}
	var max int64
	for _, r := range m.runs {
		if bset[r.BucketID] && r.ID > max {
			max = r.ID
		}
	}
	return max, nil
}

func (m *memStore) MarkRunRunning(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || (r.Status != store.StatusWaiting && r.Status != store.StatusAwaitingRetry) {
		return false, nil
	}
	r.Status = store.StatusRunning
	r.StartTime = at
	m.runs[id] = r
	return true, nil
}

func (m *memStore) FinishRun(_ context.Context, id int64, to store.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != store.StatusRunning {
		return false, nil
	}
	r.Status = to
	r.EndTime = at
	m.runs[id] = r
	return true, nil
}

func (m *memStore) MarkRunForRetry(_ context.Context, id int64, retryCount int, nextFire time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != store.StatusRunning {
		return false, nil
	}
	r.Status = store.StatusAwaitingRetry
	r.RetryCount = retryCount
	r.TriggerTime = nextFire
	m.runs[id] = r
	return true, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id int64, from []store.Status, to store.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			m.runs[id] = r
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) BatchUpdateRunStatus(ctx context.Context, ids []int64, from []store.Status, to store.Status) (int, error) {
	n := 0
	for _, id := range ids {
		applied, _ := m.UpdateRunStatus(ctx, id, from, to)
		if applied {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ResetRunsForRerun(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.runs[id]; ok {
			r.Status = store.StatusWaiting
			r.RetryCount = 0
			r.StartTime = time.Time{}
			r.EndTime = time.Time{}
			m.runs[id] = r
		}
	}
	return nil
}

func (m *memStore) RunsByWorkflowRun(_ context.Context, wfRunID int64) ([]store.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.JobRun
	for _, r := range m.runs {
		if r.WorkflowRunID == wfRunID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Dependencies(_ context.Context, wfRunID int64) ([]store.DependencyEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DependencyEdge
	for _, e := range m.edges {
		if e.WorkflowRunID == wfRunID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ParentStatuses(_ context.Context, runID int64) ([]store.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Status
	for _, e := range m.edges {
		if e.JobRunID == runID {
			if p, ok := m.runs[e.ParentRunID]; ok {
				out = append(out, p.Status)
			}
		}
	}
	return out, nil
}

func (m *memStore) GetWorkflowRun(_ context.Context, id int64) (store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wr, ok := m.wfRuns[id]
	if !ok {
		return store.WorkflowRun{}, store.ErrNotFound
	}
	return wr, nil
}

func (m *memStore) UpdateWorkflowRunStatus(_ context.Context, id int64, from []store.Status, to store.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wr, ok := m.wfRuns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if wr.Status == f {
			wr.Status = to
			wr.EndTime = at
			m.wfRuns[id] = wr
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CountRunStatuses(_ context.Context, wfRunID int64) (store.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := store.StatusCounts{ByStatus: map[store.Status]int{}}
	for _, r := range m.runs {
		if r.WorkflowRunID != wfRunID {
			continue
		}
		counts.Total++
		counts.ByStatus[r.Status]++
		if r.Status.Terminal() {
			counts.Terminal++
		}
		switch r.Status {
		case store.StatusCancelled:
			counts.Cancelled++
		case store.StatusFail, store.StatusTimeout, store.StatusUpstreamFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (m *memStore) Materialize(_ context.Context, wr store.WorkflowRun, runs []store.JobRun, deps []store.DependencyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.wfRuns[wr.ID]; !exists {
		m.wfRuns[wr.ID] = wr
	}
	for _, r := range runs {
		if _, exists := m.runs[r.ID]; !exists {
			m.runs[r.ID] = r
		}
	}
	m.edges = append(m.edges, deps...)
	return nil
}

func (m *memStore) UpsertLease(_ context.Context, l store.BucketLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[l.BucketID] = l
	return nil
}

func (m *memStore) DeleteLease(_ context.Context, bucketID int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[bucketID]; ok && l.Owner == owner {
		delete(m.leases, bucketID)
	}
	return nil
}

func (m *memStore) DeleteLeasesByOwner(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, l := range m.leases {
		if l.Owner == owner {
			delete(m.leases, b)
		}
	}
	return nil
}

func (m *memStore) Leases(_ context.Context) ([]store.BucketLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.BucketLease
	for _, l := range m.leases {
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) InsertSplits(context.Context, []store.SplitClaim) error { return nil }
func (m *memStore) NextSplit(context.Context, int64) (store.SplitClaim, bool, error) {
	return store.SplitClaim{}, false, nil
}
func (m *memStore) ClaimSplit(context.Context, int64, int64, string, time.Time) (bool, error) {
	return false, nil
}
func (m *memStore) FinishSplit(context.Context, int64, int64, string, int64) error { return nil }
func (m *memStore) ResetStaleSplits(context.Context, time.Time, []string) (int, error) {
	return 0, nil
}

func (m *memStore) JobInfo(_ context.Context, jobID int64) (store.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ji, ok := m.jobs[jobID]
	if !ok {
		return store.JobInfo{}, store.ErrNotFound
	}
	return ji, nil
}

func (m *memStore) JobsByWorkflow(_ context.Context, workflowID int64) ([]store.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.JobInfo
	for _, ji := range m.jobs {
		if ji.WorkflowID == workflowID {
			out = append(out, ji)
		}
	}
	return out, nil
}

func (m *memStore) GetWorkflow(_ context.Context, workflowID int64) (store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return store.Workflow{}, store.ErrNotFound
	}
	return wf, nil
}

func (m *memStore) SeenEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return true, nil
	}
	m.seen[eventID] = true
	return false, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) runStatus(t *testing.T, id int64) store.Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		t.Fatalf("run %d not in store", id)
	}
	return r.Status
}

func (m *memStore) wfRunStatus(t *testing.T, id int64) store.Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	wr, ok := m.wfRuns[id]
	if !ok {
		t.Fatalf("workflow run %d not in store", id)
	}
	return wr.Status
}

// fakePool records enqueued runs; completions are driven by the test via
// Engine.OnRunDone.
type fakePool struct {
	mu        sync.Mutex
	enqueued  []executor.Run
	cancelled []int64
}

func (p *fakePool) Enqueue(r executor.Run) error {
	p.mu.Lock()
	p.enqueued = append(p.enqueued, r)
	p.mu.Unlock()
	return nil
}

func (p *fakePool) Cancel(runID int64) bool {
	p.mu.Lock()
	p.cancelled = append(p.cancelled, runID)
	p.mu.Unlock()
	return true
}

func (p *fakePool) Inflight() int { return 0 }

func (p *fakePool) enqueuedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.enqueued))
	for i, r := range p.enqueued {
		out[i] = r.RunID
	}
	return out
}

func (p *fakePool) hasEnqueued(id int64) bool {
	for _, got := range p.enqueuedIDs() {
		if got == id {
			return true
		}
	}
	return false
}

type engineFixture struct {
	st   *memStore
	pool *fakePool
	eng  *Engine
	own  *ownership.Manager
}

func startEngine(t *testing.T, st *memStore) *engineFixture {
	// Scans are effectively off; tests drive the engine through its API.
	return startEngineScan(t, st, "1h")
}

func startEngineScan(t *testing.T, st *memStore, scanInterval string) *engineFixture {
	t.Helper()
	const buckets = 16

	bus := eventbus.New()
	own := ownership.NewManager("w1", buckets, time.Minute, nil, bus, logx.Nop())
	// Hold every bucket without running the lease loop.
	var held []ownership.Entry
	for b := 0; b < buckets; b++ {
		held = append(held, ownership.Entry{Bucket: b, Owner: "w1", LeaseMs: time.Now().UnixMilli()})
	}
	own.MergeRemote(held)

	cat, err := definition.NewCatalog(st, "UTC", logx.Nop())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	idgen, err := ident.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	cfg := config.SchedulerConfig{
		Enabled:      true,
		WheelSlots:   16,
		TickInterval: "5ms",
		ScanInterval: scanInterval,
	}
	eng, err := New(cfg, st, cat, own, idgen, bus, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	pool := &fakePool{}
	eng.SetExecutor(pool)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(eng.Stop)
	return &engineFixture{st: st, pool: pool, eng: eng, own: own}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func seedWorkflow(st *memStore, wfID int64, jobs ...store.JobInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.workflows[wfID] = store.Workflow{ID: wfID, Online: true}
	for _, ji := range jobs {
		ji.WorkflowID = wfID
		ji.Online = true
		st.jobs[ji.ID] = ji
	}
}

func seedRun(st *memStore, r store.JobRun) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.runs[r.ID] = r
	if _, ok := st.wfRuns[r.WorkflowRunID]; !ok {
		st.wfRuns[r.WorkflowRunID] = store.WorkflowRun{
			ID:         r.WorkflowRunID,
			WorkflowID: r.WorkflowID,
			Status:     store.StatusRunning,
		}
	}
}

func TestDispatchesWaitingRunAtTriggerTime(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel})
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 4,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	if got := st.runStatus(t, 100); got != store.StatusRunning {
		t.Fatalf("store status = %s, want RUNNING", got)
	}
}

func TestDependencyGatedChildRunsAfterParent(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1,
		store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel},
		store.JobInfo{ID: 11, TriggerType: store.TriggerDependency, BlockStrategy: store.BlockParallel},
	)
	parent := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	child := store.JobRun{ID: 101, JobID: 11, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 2,
		Status: store.StatusWaiting}
	seedRun(st, parent)
	seedRun(st, child)
	st.mu.Lock()
	st.edges = append(st.edges, store.DependencyEdge{WorkflowRunID: 1000, JobRunID: 101, ParentRunID: 100})
	st.mu.Unlock()

	f := startEngine(t, st)
	f.eng.RegisterRuns([]store.JobRun{parent, child})

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	if f.pool.hasEnqueued(101) {
		t.Fatal("child dispatched before parent finished")
	}

	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusSuccess})
	waitUntil(t, func() bool { return f.pool.hasEnqueued(101) })

	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 101}, Status: store.StatusSuccess})
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusSuccess })
}

func TestFailedParentLeavesChildWaiting(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1,
		store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel},
		store.JobInfo{ID: 11, TriggerType: store.TriggerDependency, BlockStrategy: store.BlockParallel},
	)
	parent := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	child := store.JobRun{ID: 101, JobID: 11, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 2,
		Status: store.StatusWaiting}
	seedRun(st, parent)
	seedRun(st, child)
	st.mu.Lock()
	st.edges = append(st.edges, store.DependencyEdge{WorkflowRunID: 1000, JobRunID: 101, ParentRunID: 100})
	st.mu.Unlock()

	f := startEngine(t, st)
	f.eng.RegisterRuns([]store.JobRun{parent, child})

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusFail})

	waitUntil(t, func() bool { return st.runStatus(t, 100) == store.StatusFail })
	time.Sleep(50 * time.Millisecond)
	if f.pool.hasEnqueued(101) {
		t.Fatal("child dispatched despite failed parent")
	}
	if got := st.runStatus(t, 101); got != store.StatusWaiting {
		t.Fatalf("child status = %s, want WAITING", got)
	}
	// Workflow run stays open: the child is not terminal.
	if got := st.wfRunStatus(t, 1000); got != store.StatusRunning {
		t.Fatalf("workflow run status = %s, want RUNNING", got)
	}
}

func TestRemoteParentSuccessUnblocksChild(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1,
		store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel},
		store.JobInfo{ID: 11, TriggerType: store.TriggerDependency, BlockStrategy: store.BlockParallel},
	)
	// The parent lives in bucket 99, owned by some other worker; only the
	// child is ours. Its completion never reaches this engine directly.
	parent := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 99,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	child := store.JobRun{ID: 101, JobID: 11, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 2,
		Status: store.StatusWaiting}
	seedRun(st, parent)
	seedRun(st, child)
	st.mu.Lock()
	st.edges = append(st.edges, store.DependencyEdge{WorkflowRunID: 1000, JobRunID: 101, ParentRunID: 100})
	st.mu.Unlock()

	f := startEngineScan(t, st, "20ms")
	f.eng.RegisterRun(child)
	waitUntil(t, func() bool { return f.eng.PendingCount() == 1 })
	if f.pool.hasEnqueued(101) {
		t.Fatal("child dispatched before parent finished")
	}

	// The parent's owner finishes it; we only ever see the store row.
	st.mu.Lock()
	p := st.runs[100]
	p.Status = store.StatusSuccess
	p.EndTime = time.Now()
	st.runs[100] = p
	st.mu.Unlock()

	waitUntil(t, func() bool { return f.pool.hasEnqueued(101) })
}

func TestRetryThenTerminalFail(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual,
		MaxRetry: 1, RetryInterval: 10 * time.Millisecond, BlockStrategy: store.BlockParallel})
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusFail})

	// First failure becomes a retry, and the retry re-dispatches.
	waitUntil(t, func() bool { return len(f.pool.enqueuedIDs()) >= 2 })

	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100, RetryCount: 1}, Status: store.StatusFail})
	waitUntil(t, func() bool { return st.runStatus(t, 100) == store.StatusFail })
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusFail })
}

func TestTimeoutIsTerminal(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual,
		MaxRetry: 3, RetryInterval: time.Millisecond, BlockStrategy: store.BlockParallel})
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusTimeout})

	waitUntil(t, func() bool { return st.runStatus(t, 100) == store.StatusTimeout })
	if got := len(f.pool.enqueuedIDs()); got != 1 {
		t.Fatalf("timed-out run re-dispatched %d times", got-1)
	}
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusFail })
}

func TestCancelledRunCancelsWorkflow(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel})
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now().Add(time.Hour)}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)
	waitUntil(t, func() bool { return f.eng.PendingCount() == 1 })

	f.eng.CancelRun(100)
	waitUntil(t, func() bool { return st.runStatus(t, 100) == store.StatusCancelled })
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusCancelled })
}

func TestCancelReachesUntrackedRunningRun(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel})
	// Executing on another worker (bucket 99); this engine consumed the
	// kill command but tracks nothing.
	run := store.JobRun{ID: 200, JobID: 10, WorkflowID: 1, WorkflowRunID: 2000, BucketID: 99,
		Status: store.StatusRunning, StartTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.CancelRun(200)

	waitUntil(t, func() bool { return st.runStatus(t, 200) == store.StatusCancelled })
	waitUntil(t, func() bool { return st.wfRunStatus(t, 2000) == store.StatusCancelled })
}

func TestPassSatisfiesDependents(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1,
		store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel},
		store.JobInfo{ID: 11, TriggerType: store.TriggerDependency, BlockStrategy: store.BlockParallel},
	)
	parent := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now().Add(time.Hour)}
	child := store.JobRun{ID: 101, JobID: 11, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 2,
		Status: store.StatusWaiting}
	seedRun(st, parent)
	seedRun(st, child)
	st.mu.Lock()
	st.edges = append(st.edges, store.DependencyEdge{WorkflowRunID: 1000, JobRunID: 101, ParentRunID: 100})
	st.mu.Unlock()

	f := startEngine(t, st)
	f.eng.RegisterRuns([]store.JobRun{parent, child})
	waitUntil(t, func() bool { return f.eng.PendingCount() == 2 })

	f.eng.PassRun(100)
	waitUntil(t, func() bool { return st.runStatus(t, 100) == store.StatusSkipped })
	// SKIPPED counts as satisfied for the dependency-only child.
	waitUntil(t, func() bool { return f.pool.hasEnqueued(101) })
}

func TestDiscardBlockStrategy(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerFixedRate,
		TriggerValue: "1h", BlockStrategy: store.BlockDiscard})
	first := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	second := store.JobRun{ID: 101, JobID: 10, WorkflowID: 1, WorkflowRunID: 1001, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now().Add(30 * time.Millisecond)}
	seedRun(st, first)
	seedRun(st, second)

	f := startEngine(t, st)
	f.eng.RegisterRuns([]store.JobRun{first, second})

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	// The first run is still active when the second fires: DISCARD skips it.
	waitUntil(t, func() bool { return st.runStatus(t, 101) == store.StatusSkipped })
	if f.pool.hasEnqueued(101) {
		t.Fatal("discarded run was dispatched")
	}
}

func TestSuccessfulWorkflowPerpetuates(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerFixedDelay,
		TriggerValue: "1h", BlockStrategy: store.BlockParallel})
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusSuccess})
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusSuccess })

	// A fresh workflow run with a fresh job run appears.
	waitUntil(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.wfRuns) == 2 && len(st.runs) == 2
	})
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, wr := range st.wfRuns {
		if id == 1000 {
			continue
		}
		if wr.Status != store.StatusRunning {
			t.Fatalf("next cycle status = %s, want RUNNING", wr.Status)
		}
		if wr.TriggerTime.IsZero() {
			t.Fatal("next cycle has no trigger time")
		}
	}
}

func TestOfflineWorkflowDoesNotPerpetuate(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerFixedDelay,
		TriggerValue: "1h", BlockStrategy: store.BlockParallel})
	st.mu.Lock()
	wf := st.workflows[1]
	wf.Online = false
	st.workflows[1] = wf
	st.mu.Unlock()
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 1,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	waitUntil(t, func() bool { return f.pool.hasEnqueued(100) })
	f.eng.OnRunDone(executor.Result{Run: executor.Run{RunID: 100}, Status: store.StatusSuccess})
	waitUntil(t, func() bool { return st.wfRunStatus(t, 1000) == store.StatusSuccess })

	time.Sleep(50 * time.Millisecond)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.wfRuns) != 1 {
		t.Fatalf("offline workflow perpetuated: %d workflow runs", len(st.wfRuns))
	}
}

func TestFinalWorkflowStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		counts store.StatusCounts
		want   store.Status
	}{
		{"all success", store.StatusCounts{Total: 3, Terminal: 3}, store.StatusSuccess},
		{"any failure", store.StatusCounts{Total: 3, Terminal: 3, Failed: 1}, store.StatusFail},
		{"cancel beats failure", store.StatusCounts{Total: 3, Terminal: 3, Failed: 1, Cancelled: 1}, store.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := finalWorkflowStatus(tt.counts); got != tt.want {
				t.Fatalf("finalWorkflowStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegisterIgnoresForeignBuckets(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	seedWorkflow(st, 1, store.JobInfo{ID: 10, TriggerType: store.TriggerManual, BlockStrategy: store.BlockParallel})
	// Bucket 99 is out of the 16 owned buckets.
	run := store.JobRun{ID: 100, JobID: 10, WorkflowID: 1, WorkflowRunID: 1000, BucketID: 99,
		Status: store.StatusWaiting, TriggerTime: time.Now()}
	seedRun(st, run)

	f := startEngine(t, st)
	f.eng.RegisterRun(run)

	time.Sleep(50 * time.Millisecond)
	if f.eng.PendingCount() != 0 {
		t.Fatal("registered a run from an unowned bucket")
	}
}
