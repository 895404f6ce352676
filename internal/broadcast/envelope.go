package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation levels.
const (
	LevelWorkflow    = "WORKFLOW"
	LevelWorkflowRun = "WORKFLOW_RUN"
	LevelJobRun      = "JOB_RUN"
	LevelAck         = "ACK"
)

// Operations.
const (
	OpOnline     = "ONLINE"
	OpTrigger    = "TRIGGER"
	OpRetry      = "RETRY"
	OpRerun      = "RERUN"
	OpOffline    = "OFFLINE"
	OpKill       = "KILL"
	OpPass       = "PASS"
	OpMarkFailed = "MARK_FAILED"
	OpAck        = "ACK"
)

// Envelope is the wire form of one cluster operation. EventID doubles as
// the dedup key and as the seed for deterministic entity ids, so every
// receiver materializes identical rows.
type Envelope struct {
	EventID   string          `json:"eventId"`
	Op        string          `json:"op"`
	OpLevel   string          `json:"opLevel"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }

func Encode(e Envelope) ([]byte, error) { return json.Marshal(e) }

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.EventID == "" || e.Op == "" {
		return Envelope{}, fmt.Errorf("broadcast: envelope missing eventId or op")
	}
	return e, nil
}

// DependencyRef is one edge of a workflow DAG, by job id.
type DependencyRef struct {
	JobID       int64 `json:"jobId"`
	ParentJobID int64 `json:"parentJobId"`
}

// TriggerPayload starts one cycle of a workflow (ONLINE and TRIGGER).
type TriggerPayload struct {
	WorkflowID   int64           `json:"workflowId"`
	NamespaceID  int64           `json:"namespaceId"`
	JobIDs       []int64         `json:"jobIds"`
	Dependencies []DependencyRef `json:"dependencies,omitempty"`
}

// OfflinePayload takes a workflow out of rotation.
type OfflinePayload struct {
	WorkflowID int64 `json:"workflowId"`
}

// KillPayload aborts a whole workflow run.
type KillPayload struct {
	WorkflowRunID int64 `json:"workflowRunId"`
}

// RerunPayload re-arms finished runs in place, keyed run id -> job id.
// JSON object keys are strings, hence the string-keyed map.
type RerunPayload struct {
	WorkflowID    int64            `json:"workflowId"`
	WorkflowRunID int64            `json:"workflowRunId"`
	Runs          map[string]int64 `json:"runs"`
}

// JobRunTriggerPayload targets one run directly (TRIGGER and RETRY).
type JobRunTriggerPayload struct {
	JobRunID      int64 `json:"jobRunId"`
	JobID         int64 `json:"jobId"`
	WorkflowRunID int64 `json:"workflowRunId"`
	NamespaceID   int64 `json:"namespaceId"`
	BucketID      int   `json:"bucketId"`
}

// JobRunRefPayload names one run (KILL, PASS, MARK_FAILED).
type JobRunRefPayload struct {
	JobRunID int64 `json:"jobRunId"`
}

// AckPayload is the reply to an acked operation.
type AckPayload struct {
	EventID string `json:"eventId"`
	Node    string `json:"node"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}
