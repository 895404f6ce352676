package store

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("store disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures the shared store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the store is disabled (tests only; the
// worker refuses to start without one).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is the lifecycle state of a run. The numeric values are part of
// the shared schema and must never be renumbered.
type Status int

const (
	StatusWaiting        Status = 0
	StatusQueued         Status = 1
	StatusRunning        Status = 2
	StatusSuccess        Status = 3
	StatusFail           Status = 4
	StatusCancelled      Status = 5
	StatusSkipped        Status = 6
	StatusAwaitingRetry  Status = 7
	StatusUpstreamFailed Status = 8
	StatusTimeout        Status = 9
)

// Terminal reports whether no further transitions are possible.
// AWAITING_RETRY is not terminal (the run will fire again); TIMEOUT is.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusCancelled, StatusSkipped, StatusUpstreamFailed, StatusTimeout:
		return true
	}
	return false
}

// Succeeded reports whether the run counts as satisfied for dependents.
// SKIPPED (externally passed) satisfies downstream runs like SUCCESS does.
func (s Status) Succeeded() bool {
	return s == StatusSuccess || s == StatusSkipped
}

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFail:
		return "FAIL"
	case StatusCancelled:
		return "CANCELLED"
	case StatusSkipped:
		return "SKIPPED"
	case StatusAwaitingRetry:
		return "AWAITING_RETRY"
	case StatusUpstreamFailed:
		return "UPSTREAM_FAILED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// TriggerType describes how a job decides its fire time.
type TriggerType string

const (
	TriggerCron       TriggerType = "CRON"
	TriggerFixedRate  TriggerType = "FIXED_RATE"
	TriggerFixedDelay TriggerType = "FIXED_DELAY"
	TriggerManual     TriggerType = "MANUAL"
	TriggerDependency TriggerType = "DEPENDENCY"
)

// BlockStrategy describes what to do when a new run of a job fires while a
// previous run of the same job is still active.
type BlockStrategy string

const (
	BlockParallel BlockStrategy = "PARALLEL" // run regardless
	BlockDiscard  BlockStrategy = "DISCARD"  // skip the new run
	BlockCover    BlockStrategy = "COVER"    // kill the old run, then run
)

// JobRun is one scheduled execution of a job.
//
// TriggerTime zero means "dependency-only": the run has no clock of its own
// and fires when its parents succeed.
type JobRun struct {
	ID            int64
	JobID         int64
	WorkflowID    int64
	WorkflowRunID int64
	NamespaceID   int64
	BucketID      int
	Status        Status
	RetryCount    int
	TriggerTime   time.Time
	StartTime     time.Time
	EndTime       time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkflowRun is one scheduled execution of a whole workflow.
type WorkflowRun struct {
	ID          int64
	WorkflowID  int64
	NamespaceID int64
	Status      Status
	TriggerTime time.Time
	StartTime   time.Time
	EndTime     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DependencyEdge gates JobRunID on ParentRunID reaching SUCCESS.
type DependencyEdge struct {
	WorkflowRunID int64
	JobRunID      int64
	ParentRunID   int64
}

// BucketLease is the persisted form of an ownership-map entry, used to
// prime the replicated map after a cold start.
type BucketLease struct {
	BucketID  int
	Owner     string
	LeaseTime time.Time
}

// Split claim states.
const (
	SplitPending    = "PENDING"
	SplitProcessing = "PROCESSING"
	SplitDone       = "DONE"
	SplitFailed     = "FAILED"
)

// SplitClaim is one claimable range of a sharded run.
type SplitClaim struct {
	RunID      int64
	RangeStart int64
	RangeEnd   int64
	Status     string
	Worker     string
	MarkTime   time.Time
	NextStart  int64
}

// JobInfo is the read-model of a job definition.
type JobInfo struct {
	ID            int64
	WorkflowID    int64
	NamespaceID   int64
	Name          string
	TriggerType   TriggerType
	TriggerValue  string // cron spec or interval (Go duration string)
	Timeout       time.Duration
	MaxRetry      int
	RetryInterval time.Duration
	BlockStrategy BlockStrategy
	Online        bool
}

// Workflow is the read-model of a workflow definition.
type Workflow struct {
	ID          int64
	NamespaceID int64
	Name        string
	Online      bool
	Timezone    string
}

// StatusCounts aggregates the runs of one workflow run.
type StatusCounts struct {
	Total     int
	ByStatus  map[Status]int
	Terminal  int
	Cancelled int
	Failed    int // FAIL + TIMEOUT + UPSTREAM_FAILED
}
