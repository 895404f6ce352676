package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "jobmesh/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- helpers ---

// Times are stored as unix millis; zero means "not set".

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []Status) []any {
	out := make([]any, len(statuses))
	for i, st := range statuses {
		out[i] = int(st)
	}
	return out
}

func intArgs(vals []int) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func int64Args(vals []int64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

const runColumns = `id, job_id, workflow_id, workflow_run_id, namespace_id, bucket_id,
 status, retry_count, trigger_time, start_time, end_time, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (JobRun, error) {
	var r JobRun
	var trig, start, end, created, updated int64
	err := row.Scan(&r.ID, &r.JobID, &r.WorkflowID, &r.WorkflowRunID, &r.NamespaceID, &r.BucketID,
		&r.Status, &r.RetryCount, &trig, &start, &end, &created, &updated)
	if err != nil {
		return JobRun{}, err
	}
	r.TriggerTime = timeOf(trig)
	r.StartTime = timeOf(start)
	r.EndTime = timeOf(end)
	r.CreatedAt = timeOf(created)
	r.UpdatedAt = timeOf(updated)
	return r, nil
}

// --- job runs ---

func (s *sqliteStore) GetRun(ctx context.Context, id int64) (JobRun, error) {
	if s == nil || s.db == nil {
		return JobRun{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_run WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRun{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) LoadRuns(ctx context.Context, buckets []int, statuses []Status, sinceID int64) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(buckets) == 0 || len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + runColumns + ` FROM job_run
	 WHERE bucket_id IN (` + placeholders(len(buckets)) + `)
	   AND status IN (` + placeholders(len(statuses)) + `)`
	args := append(intArgs(buckets), statusArgs(statuses)...)
	if sinceID > 0 {
		q += ` AND id > ?`
		args = append(args, sinceID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MaxRunID(ctx context.Context, buckets []int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if len(buckets) == 0 {
		return 0, nil
	}
	q := `SELECT COALESCE(MAX(id), 0) FROM job_run WHERE bucket_id IN (` + placeholders(len(buckets)) + `)`
	var maxID int64
	err := s.db.QueryRowContext(ctx, q, intArgs(buckets)...).Scan(&maxID)
	return maxID, err
}

func (s *sqliteStore) MarkRunRunning(ctx context.Context, id int64, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, start_time = ?, updated_at = ?
		  WHERE id = ? AND status IN (?, ?)`,
		int(StatusRunning), msOf(at), msOf(at), id, int(StatusWaiting), int(StatusAwaitingRetry),
	)
	return applied(res, err)
}

func (s *sqliteStore) FinishRun(ctx context.Context, id int64, to Status, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, end_time = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		int(to), msOf(at), msOf(at), id, int(StatusRunning),
	)
	return applied(res, err)
}

func (s *sqliteStore) MarkRunForRetry(ctx context.Context, id int64, retryCount int, nextFire time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, retry_count = ?, trigger_time = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		int(StatusAwaitingRetry), retryCount, msOf(nextFire), msOf(now), id, int(StatusRunning),
	)
	return applied(res, err)
}

func (s *sqliteStore) UpdateRunStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if len(from) == 0 {
		return false, nil
	}
	args := []any{int(to), msOf(time.Now()), id}
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, updated_at = ?
		  WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	return applied(res, err)
}

func (s *sqliteStore) BatchUpdateRunStatus(ctx context.Context, ids []int64, from []Status, to Status) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if len(ids) == 0 || len(from) == 0 {
		return 0, nil
	}
	args := []any{int(to), msOf(time.Now())}
	args = append(args, int64Args(ids)...)
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, updated_at = ?
		  WHERE id IN (`+placeholders(len(ids))+`)
		    AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ResetRunsForRerun(ctx context.Context, ids []int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(ids) == 0 {
		return nil
	}
	args := []any{int(StatusWaiting), msOf(time.Now())}
	args = append(args, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, retry_count = 0, start_time = 0, end_time = 0, updated_at = ?
		  WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	return err
}

func (s *sqliteStore) RunsByWorkflowRun(ctx context.Context, workflowRunID int64) ([]JobRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM job_run WHERE workflow_run_id = ? ORDER BY id`, workflowRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- dependencies ---

func (s *sqliteStore) Dependencies(ctx context.Context, workflowRunID int64) ([]DependencyEdge, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_run_id, job_run_id, parent_run_id FROM job_run_dependency
		  WHERE workflow_run_id = ?`, workflowRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.WorkflowRunID, &e.JobRunID, &e.ParentRunID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ParentStatuses(ctx context.Context, runID int64) ([]Status, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.status FROM job_run_dependency d
		  JOIN job_run r ON r.id = d.parent_run_id
		 WHERE d.job_run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		var st int
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, Status(st))
	}
	return out, rows.Err()
}

// --- workflow runs ---

func (s *sqliteStore) GetWorkflowRun(ctx context.Context, id int64) (WorkflowRun, error) {
	if s == nil || s.db == nil {
		return WorkflowRun{}, ErrDisabled
	}
	var wr WorkflowRun
	var trig, start, end, created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, namespace_id, status, trigger_time, start_time, end_time, created_at, updated_at
		   FROM job_workflow_run WHERE id = ?`, id,
	).Scan(&wr.ID, &wr.WorkflowID, &wr.NamespaceID, &wr.Status, &trig, &start, &end, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRun{}, err
	}
	wr.TriggerTime = timeOf(trig)
	wr.StartTime = timeOf(start)
	wr.EndTime = timeOf(end)
	wr.CreatedAt = timeOf(created)
	wr.UpdatedAt = timeOf(updated)
	return wr, nil
}

func (s *sqliteStore) UpdateWorkflowRunStatus(ctx context.Context, id int64, from []Status, to Status, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if len(from) == 0 {
		return false, nil
	}
	set := `status = ?, updated_at = ?`
	args := []any{int(to), msOf(at)}
	if to == StatusRunning {
		set += `, start_time = ?`
		args = append(args, msOf(at))
	} else if to.Terminal() {
		set += `, end_time = ?`
		args = append(args, msOf(at))
	}
	args = append(args, id)
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_workflow_run SET `+set+`
		  WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	return applied(res, err)
}

func (s *sqliteStore) CountRunStatuses(ctx context.Context, workflowRunID int64) (StatusCounts, error) {
	counts := StatusCounts{ByStatus: map[Status]int{}}
	if s == nil || s.db == nil {
		return counts, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM job_run WHERE workflow_run_id = ? GROUP BY status`, workflowRunID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var st, n int
		if err := rows.Scan(&st, &n); err != nil {
			return counts, err
		}
		status := Status(st)
		counts.ByStatus[status] = n
		counts.Total += n
		if status.Terminal() {
			counts.Terminal += n
		}
		switch status {
		case StatusCancelled:
			counts.Cancelled += n
		case StatusFail, StatusTimeout, StatusUpstreamFailed:
			counts.Failed += n
		}
	}
	return counts, rows.Err()
}

func (s *sqliteStore) Materialize(ctx context.Context, wr WorkflowRun, runs []JobRun, deps []DependencyEdge) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := msOf(time.Now())
	if wr.ID != 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_workflow_run(id, workflow_id, namespace_id, status, trigger_time, start_time, end_time, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO NOTHING`,
			wr.ID, wr.WorkflowID, wr.NamespaceID, int(wr.Status), msOf(wr.TriggerTime),
			msOf(wr.StartTime), msOf(wr.EndTime), now, now,
		)
		if err != nil {
			return err
		}
	}
	for _, r := range runs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_run(id, job_id, workflow_id, workflow_run_id, namespace_id, bucket_id,
			                     status, retry_count, trigger_time, start_time, end_time, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO NOTHING`,
			r.ID, r.JobID, r.WorkflowID, r.WorkflowRunID, r.NamespaceID, r.BucketID,
			int(r.Status), r.RetryCount, msOf(r.TriggerTime), msOf(r.StartTime), msOf(r.EndTime), now, now,
		)
		if err != nil {
			return err
		}
	}
	for _, d := range deps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_run_dependency(workflow_run_id, job_run_id, parent_run_id)
			 VALUES(?,?,?)
			 ON CONFLICT(job_run_id, parent_run_id) DO NOTHING`,
			d.WorkflowRunID, d.JobRunID, d.ParentRunID,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- bucket leases ---

func (s *sqliteStore) UpsertLease(ctx context.Context, l BucketLease) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_bucket_lease(bucket_id, owner, lease_time) VALUES(?,?,?)
		 ON CONFLICT(bucket_id) DO UPDATE SET owner=excluded.owner, lease_time=excluded.lease_time`,
		l.BucketID, l.Owner, msOf(l.LeaseTime),
	)
	return err
}

func (s *sqliteStore) DeleteLease(ctx context.Context, bucketID int, owner string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_bucket_lease WHERE bucket_id = ? AND owner = ?`, bucketID, owner)
	return err
}

func (s *sqliteStore) DeleteLeasesByOwner(ctx context.Context, owner string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_bucket_lease WHERE owner = ?`, owner)
	return err
}

func (s *sqliteStore) Leases(ctx context.Context) ([]BucketLease, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT bucket_id, owner, lease_time FROM job_bucket_lease`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketLease
	for rows.Next() {
		var l BucketLease
		var ms int64
		if err := rows.Scan(&l.BucketID, &l.Owner, &ms); err != nil {
			return nil, err
		}
		l.LeaseTime = timeOf(ms)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- shard splits ---

func (s *sqliteStore) InsertSplits(ctx context.Context, splits []SplitClaim) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(splits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, sp := range splits {
		status := sp.Status
		if status == "" {
			status = SplitPending
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_split_claim(run_id, range_start, range_end, status, worker, mark_time, next_start)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(run_id, range_start) DO NOTHING`,
			sp.RunID, sp.RangeStart, sp.RangeEnd, status, sp.Worker, msOf(sp.MarkTime), sp.NextStart,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) NextSplit(ctx context.Context, runID int64) (SplitClaim, bool, error) {
	if s == nil || s.db == nil {
		return SplitClaim{}, false, ErrDisabled
	}
	var sp SplitClaim
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, range_start, range_end, status, worker, mark_time, next_start
		   FROM job_split_claim
		  WHERE run_id = ? AND status = ?
		  ORDER BY range_start LIMIT 1`,
		runID, SplitPending,
	).Scan(&sp.RunID, &sp.RangeStart, &sp.RangeEnd, &sp.Status, &sp.Worker, &ms, &sp.NextStart)
	if errors.Is(err, sql.ErrNoRows) {
		return SplitClaim{}, false, nil
	}
	if err != nil {
		return SplitClaim{}, false, err
	}
	sp.MarkTime = timeOf(ms)
	return sp, true, nil
}

func (s *sqliteStore) ClaimSplit(ctx context.Context, runID, rangeStart int64, worker string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_split_claim SET status = ?, worker = ?, mark_time = ?
		  WHERE run_id = ? AND range_start = ? AND status = ?`,
		SplitProcessing, worker, msOf(at), runID, rangeStart, SplitPending,
	)
	return applied(res, err)
}

func (s *sqliteStore) FinishSplit(ctx context.Context, runID, rangeStart int64, status string, nextStart int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_split_claim SET status = ?, next_start = ?, mark_time = ?
		  WHERE run_id = ? AND range_start = ?`,
		status, nextStart, msOf(time.Now()), runID, rangeStart,
	)
	return err
}

func (s *sqliteStore) ResetStaleSplits(ctx context.Context, olderThan time.Time, alive []string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	q := `UPDATE job_split_claim SET status = ?, worker = '', mark_time = 0
	  WHERE status = ? AND (mark_time < ?`
	args := []any{SplitPending, SplitProcessing, msOf(olderThan)}
	if len(alive) > 0 {
		q += ` OR worker NOT IN (` + placeholders(len(alive)) + `)`
		for _, w := range alive {
			args = append(args, w)
		}
	}
	q += `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- definitions ---

func (s *sqliteStore) JobInfo(ctx context.Context, jobID int64) (JobInfo, error) {
	if s == nil || s.db == nil {
		return JobInfo{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, namespace_id, name, trigger_type, trigger_value,
		        timeout_ms, max_retry, retry_interval_ms, block_strategy, online
		   FROM job_info WHERE id = ?`, jobID)
	ji, err := scanJobInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return JobInfo{}, ErrNotFound
	}
	return ji, err
}

func (s *sqliteStore) JobsByWorkflow(ctx context.Context, workflowID int64) ([]JobInfo, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, namespace_id, name, trigger_type, trigger_value,
		        timeout_ms, max_retry, retry_interval_ms, block_strategy, online
		   FROM job_info WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobInfo
	for rows.Next() {
		ji, err := scanJobInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ji)
	}
	return out, rows.Err()
}

func scanJobInfo(row interface{ Scan(...any) error }) (JobInfo, error) {
	var ji JobInfo
	var trigType, blockStrategy string
	var timeoutMs, retryIntervalMs int64
	var online int
	err := row.Scan(&ji.ID, &ji.WorkflowID, &ji.NamespaceID, &ji.Name, &trigType, &ji.TriggerValue,
		&timeoutMs, &ji.MaxRetry, &retryIntervalMs, &blockStrategy, &online)
	if err != nil {
		return JobInfo{}, err
	}
	ji.TriggerType = TriggerType(trigType)
	ji.BlockStrategy = BlockStrategy(blockStrategy)
	ji.Timeout = time.Duration(timeoutMs) * time.Millisecond
	ji.RetryInterval = time.Duration(retryIntervalMs) * time.Millisecond
	ji.Online = online != 0
	return ji, nil
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, workflowID int64) (Workflow, error) {
	if s == nil || s.db == nil {
		return Workflow{}, ErrDisabled
	}
	var w Workflow
	var online int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace_id, name, online, timezone FROM job_workflow WHERE id = ?`, workflowID,
	).Scan(&w.ID, &w.NamespaceID, &w.Name, &online, &w.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrNotFound
	}
	if err != nil {
		return Workflow{}, err
	}
	w.Online = online != 0
	return w, nil
}

// --- broadcast dedup ---

func (s *sqliteStore) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if eventID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_dedup(event_id, seen_at) VALUES(?,?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	// 0 rows inserted means the event was already recorded.
	return n == 0, nil
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
