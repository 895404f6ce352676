package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobmesh/pkg/logx"
)

// Store is the persistence API shared by the scheduling engine, the
// ownership layer, the shard coordinator and the broadcast handlers.
//
// Conditional updates return (applied bool): false means the expected
// current state did not match, i.e. another owner acted first. Callers
// treat that as "drop locally", not as an error.
type Store interface {
	// --- job runs ---

	GetRun(ctx context.Context, id int64) (JobRun, error)
	// LoadRuns returns runs in the given buckets filtered by status.
	// sinceID > 0 restricts to runs with id > sinceID (incremental load).
	LoadRuns(ctx context.Context, buckets []int, statuses []Status, sinceID int64) ([]JobRun, error)
	MaxRunID(ctx context.Context, buckets []int) (int64, error)
	// MarkRunRunning transitions WAITING/AWAITING_RETRY -> RUNNING.
	MarkRunRunning(ctx context.Context, id int64, at time.Time) (bool, error)
	// FinishRun transitions RUNNING -> a terminal status.
	FinishRun(ctx context.Context, id int64, to Status, at time.Time) (bool, error)
	// MarkRunForRetry transitions RUNNING -> AWAITING_RETRY and stamps the
	// next fire time plus the bumped retry count.
	MarkRunForRetry(ctx context.Context, id int64, retryCount int, nextFire time.Time) (bool, error)
	UpdateRunStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error)
	BatchUpdateRunStatus(ctx context.Context, ids []int64, from []Status, to Status) (int, error)
	// ResetRunsForRerun puts runs back to WAITING with a zero retry count,
	// preserving their ids.
	ResetRunsForRerun(ctx context.Context, ids []int64) error
	RunsByWorkflowRun(ctx context.Context, workflowRunID int64) ([]JobRun, error)

	// --- dependencies ---

	Dependencies(ctx context.Context, workflowRunID int64) ([]DependencyEdge, error)
	ParentStatuses(ctx context.Context, runID int64) ([]Status, error)

	// --- workflow runs ---

	GetWorkflowRun(ctx context.Context, id int64) (WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id int64, from []Status, to Status, at time.Time) (bool, error)
	CountRunStatuses(ctx context.Context, workflowRunID int64) (StatusCounts, error)
	// Materialize inserts a workflow run, its job runs and dependency edges
	// in one transaction. Rows that already exist (same id) are left
	// untouched, which is what makes broadcast handling idempotent.
	Materialize(ctx context.Context, wr WorkflowRun, runs []JobRun, deps []DependencyEdge) error

	// --- bucket leases ---

	UpsertLease(ctx context.Context, l BucketLease) error
	DeleteLease(ctx context.Context, bucketID int, owner string) error
	DeleteLeasesByOwner(ctx context.Context, owner string) error
	Leases(ctx context.Context) ([]BucketLease, error)

	// --- shard splits ---

	InsertSplits(ctx context.Context, splits []SplitClaim) error
	// NextSplit returns the pending split with the smallest range start.
	NextSplit(ctx context.Context, runID int64) (SplitClaim, bool, error)
	// ClaimSplit CASes PENDING -> PROCESSING for this worker.
	ClaimSplit(ctx context.Context, runID, rangeStart int64, worker string, at time.Time) (bool, error)
	FinishSplit(ctx context.Context, runID, rangeStart int64, status string, nextStart int64) error
	// ResetStaleSplits requeues PROCESSING splits whose mark time is older
	// than the cutoff or whose worker is not in the alive set.
	ResetStaleSplits(ctx context.Context, olderThan time.Time, alive []string) (int, error)

	// --- definitions (read model) ---

	JobInfo(ctx context.Context, jobID int64) (JobInfo, error)
	JobsByWorkflow(ctx context.Context, workflowID int64) ([]JobInfo, error)
	GetWorkflow(ctx context.Context, workflowID int64) (Workflow, error)

	// --- broadcast dedup ---

	// SeenEvent records the event id and reports whether it was already known.
	SeenEvent(ctx context.Context, eventID string) (bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the store is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
