package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "jobmesh/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedWorkflowRun(t *testing.T, st Store, wrID int64, runs []JobRun, deps []DependencyEdge) {
	t.Helper()
	wr := WorkflowRun{ID: wrID, WorkflowID: 10, Status: StatusWaiting, TriggerTime: time.Now()}
	if err := st.Materialize(context.Background(), wr, runs, deps); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	runs := []JobRun{
		{ID: 100, JobID: 1, WorkflowID: 10, WorkflowRunID: 1000, BucketID: 1, Status: StatusWaiting, TriggerTime: time.Now()},
		{ID: 101, JobID: 2, WorkflowID: 10, WorkflowRunID: 1000, BucketID: 2, Status: StatusWaiting},
	}
	deps := []DependencyEdge{{WorkflowRunID: 1000, JobRunID: 101, ParentRunID: 100}}
	seedWorkflowRun(t, st, 1000, runs, deps)

	// Flip a status, then re-materialize: existing rows must be untouched.
	if ok, err := st.MarkRunRunning(ctx, 100, time.Now()); err != nil || !ok {
		t.Fatalf("MarkRunRunning: ok=%v err=%v", ok, err)
	}
	seedWorkflowRun(t, st, 1000, runs, deps)

	r, err := st.GetRun(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusRunning {
		t.Fatalf("status = %v, want RUNNING after re-materialize", r.Status)
	}

	got, err := st.RunsByWorkflowRun(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("runs = %d, want 2", len(got))
	}
}

func TestConditionalTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 2000, []JobRun{
		{ID: 200, JobID: 1, WorkflowID: 10, WorkflowRunID: 2000, BucketID: 0, Status: StatusWaiting},
	}, nil)

	if ok, _ := st.MarkRunRunning(ctx, 200, time.Now()); !ok {
		t.Fatal("first MarkRunRunning should apply")
	}
	// Second dispatch loses the conditional write (double ownership case).
	if ok, _ := st.MarkRunRunning(ctx, 200, time.Now()); ok {
		t.Fatal("second MarkRunRunning must not apply")
	}

	if ok, _ := st.FinishRun(ctx, 200, StatusSuccess, time.Now()); !ok {
		t.Fatal("FinishRun from RUNNING should apply")
	}
	if ok, _ := st.FinishRun(ctx, 200, StatusFail, time.Now()); ok {
		t.Fatal("FinishRun on terminal run must not apply")
	}

	r, err := st.GetRun(ctx, 200)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusSuccess || r.EndTime.IsZero() {
		t.Fatalf("run = %+v, want SUCCESS with end time", r)
	}
}

func TestRetryBookkeeping(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 3000, []JobRun{
		{ID: 300, JobID: 1, WorkflowID: 10, WorkflowRunID: 3000, BucketID: 0, Status: StatusWaiting},
	}, nil)

	if ok, _ := st.MarkRunRunning(ctx, 300, time.Now()); !ok {
		t.Fatal("MarkRunRunning")
	}
	nextFire := time.Now().Add(30 * time.Second)
	if ok, _ := st.MarkRunForRetry(ctx, 300, 1, nextFire); !ok {
		t.Fatal("MarkRunForRetry from RUNNING should apply")
	}

	r, _ := st.GetRun(ctx, 300)
	if r.Status != StatusAwaitingRetry || r.RetryCount != 1 {
		t.Fatalf("run = %+v, want AWAITING_RETRY retry=1", r)
	}
	if r.TriggerTime.UnixMilli() != nextFire.UnixMilli() {
		t.Fatalf("trigger_time = %v, want %v", r.TriggerTime, nextFire)
	}

	// AWAITING_RETRY is dispatchable again.
	if ok, _ := st.MarkRunRunning(ctx, 300, time.Now()); !ok {
		t.Fatal("MarkRunRunning from AWAITING_RETRY should apply")
	}
}

func TestLoadRunsIncremental(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 4000, []JobRun{
		{ID: 400, JobID: 1, WorkflowID: 10, WorkflowRunID: 4000, BucketID: 7, Status: StatusWaiting},
		{ID: 401, JobID: 2, WorkflowID: 10, WorkflowRunID: 4000, BucketID: 7, Status: StatusWaiting},
		{ID: 402, JobID: 3, WorkflowID: 10, WorkflowRunID: 4000, BucketID: 8, Status: StatusWaiting},
	}, nil)

	runs, err := st.LoadRuns(ctx, []int{7}, []Status{StatusWaiting}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("bucket 7 runs = %d, want 2", len(runs))
	}

	runs, err = st.LoadRuns(ctx, []int{7, 8}, []Status{StatusWaiting}, 401)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != 402 {
		t.Fatalf("incremental load = %+v, want only id 402", runs)
	}

	maxID, err := st.MaxRunID(ctx, []int{7, 8})
	if err != nil {
		t.Fatal(err)
	}
	if maxID != 402 {
		t.Fatalf("MaxRunID = %d, want 402", maxID)
	}
}

func TestParentStatusesAndCounts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 5000, []JobRun{
		{ID: 500, JobID: 1, WorkflowID: 10, WorkflowRunID: 5000, BucketID: 0, Status: StatusWaiting},
		{ID: 501, JobID: 2, WorkflowID: 10, WorkflowRunID: 5000, BucketID: 0, Status: StatusWaiting},
		{ID: 502, JobID: 3, WorkflowID: 10, WorkflowRunID: 5000, BucketID: 0, Status: StatusWaiting},
	}, []DependencyEdge{
		{WorkflowRunID: 5000, JobRunID: 502, ParentRunID: 500},
		{WorkflowRunID: 5000, JobRunID: 502, ParentRunID: 501},
	})

	if ok, _ := st.MarkRunRunning(ctx, 500, time.Now()); !ok {
		t.Fatal("MarkRunRunning")
	}
	if ok, _ := st.FinishRun(ctx, 500, StatusSuccess, time.Now()); !ok {
		t.Fatal("FinishRun")
	}

	sts, err := st.ParentStatuses(ctx, 502)
	if err != nil {
		t.Fatal(err)
	}
	if len(sts) != 2 {
		t.Fatalf("parents = %d, want 2", len(sts))
	}

	counts, err := st.CountRunStatuses(ctx, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total != 3 || counts.Terminal != 1 || counts.ByStatus[StatusSuccess] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestWorkflowRunStatusTransitions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 6000, nil, nil)

	if ok, _ := st.UpdateWorkflowRunStatus(ctx, 6000, []Status{StatusWaiting}, StatusRunning, time.Now()); !ok {
		t.Fatal("WAITING -> RUNNING should apply")
	}
	if ok, _ := st.UpdateWorkflowRunStatus(ctx, 6000, []Status{StatusRunning}, StatusSuccess, time.Now()); !ok {
		t.Fatal("RUNNING -> SUCCESS should apply")
	}
	// Recomputing the aggregate on another worker is a no-op.
	if ok, _ := st.UpdateWorkflowRunStatus(ctx, 6000, []Status{StatusRunning}, StatusFail, time.Now()); ok {
		t.Fatal("terminal workflow run must not transition again")
	}

	wr, err := st.GetWorkflowRun(ctx, 6000)
	if err != nil {
		t.Fatal(err)
	}
	if wr.Status != StatusSuccess || wr.EndTime.IsZero() {
		t.Fatalf("workflow run = %+v", wr)
	}
}

func TestLeases(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := st.UpsertLease(ctx, BucketLease{BucketID: i, Owner: "w1", LeaseTime: now}); err != nil {
			t.Fatal(err)
		}
	}
	// Takeover overwrites the row.
	if err := st.UpsertLease(ctx, BucketLease{BucketID: 1, Owner: "w2", LeaseTime: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	leases, err := st.Leases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 3 {
		t.Fatalf("leases = %d, want 3", len(leases))
	}

	if err := st.DeleteLeasesByOwner(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	leases, _ = st.Leases(ctx)
	if len(leases) != 1 || leases[0].Owner != "w2" {
		t.Fatalf("after purge leases = %+v", leases)
	}
}

func TestSplitClaimCAS(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	err := st.InsertSplits(ctx, []SplitClaim{
		{RunID: 700, RangeStart: 0, RangeEnd: 1000},
		{RunID: 700, RangeStart: 1000, RangeEnd: 2000},
	})
	if err != nil {
		t.Fatal(err)
	}

	sp, ok, err := st.NextSplit(ctx, 700)
	if err != nil || !ok {
		t.Fatalf("NextSplit: ok=%v err=%v", ok, err)
	}
	if sp.RangeStart != 0 {
		t.Fatalf("NextSplit range_start = %d, want 0", sp.RangeStart)
	}

	if ok, _ := st.ClaimSplit(ctx, 700, 0, "w1", time.Now()); !ok {
		t.Fatal("first claim should win")
	}
	// A second worker loses the CAS.
	if ok, _ := st.ClaimSplit(ctx, 700, 0, "w2", time.Now()); ok {
		t.Fatal("second claim must lose")
	}

	if err := st.FinishSplit(ctx, 700, 0, SplitDone, 1000); err != nil {
		t.Fatal(err)
	}
	sp, ok, _ = st.NextSplit(ctx, 700)
	if !ok || sp.RangeStart != 1000 {
		t.Fatalf("NextSplit after finish = %+v ok=%v, want range 1000", sp, ok)
	}
}

func TestResetStaleSplits(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.InsertSplits(ctx, []SplitClaim{
		{RunID: 800, RangeStart: 0, RangeEnd: 100},
		{RunID: 800, RangeStart: 100, RangeEnd: 200},
	}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if ok, _ := st.ClaimSplit(ctx, 800, 0, "dead-worker", old); !ok {
		t.Fatal("claim")
	}
	if ok, _ := st.ClaimSplit(ctx, 800, 100, "alive-worker", time.Now()); !ok {
		t.Fatal("claim")
	}

	n, err := st.ResetStaleSplits(ctx, time.Now().Add(-5*time.Minute), []string{"alive-worker"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset = %d, want 1 (only the dead worker's split)", n)
	}

	sp, ok, _ := st.NextSplit(ctx, 800)
	if !ok || sp.RangeStart != 0 {
		t.Fatalf("stale split not requeued: %+v ok=%v", sp, ok)
	}
}

func TestSeenEvent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seen, err := st.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("first occurrence must not be seen")
	}
	seen, err = st.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("second occurrence must be seen")
	}
}

func TestBatchUpdateAndRerunReset(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seedWorkflowRun(t, st, 9000, []JobRun{
		{ID: 900, JobID: 1, WorkflowID: 10, WorkflowRunID: 9000, BucketID: 0, Status: StatusWaiting},
		{ID: 901, JobID: 2, WorkflowID: 10, WorkflowRunID: 9000, BucketID: 0, Status: StatusWaiting},
	}, nil)

	n, err := st.BatchUpdateRunStatus(ctx, []int64{900, 901}, []Status{StatusWaiting}, StatusCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("batch updated = %d, want 2", n)
	}

	if err := st.ResetRunsForRerun(ctx, []int64{900, 901}); err != nil {
		t.Fatal(err)
	}
	r, _ := st.GetRun(ctx, 900)
	if r.Status != StatusWaiting || r.RetryCount != 0 || !r.StartTime.IsZero() {
		t.Fatalf("after rerun reset: %+v", r)
	}
}
