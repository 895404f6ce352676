// Package definition is the read model for workflow and job definitions.
//
// The control plane owns these tables; the worker only reads them, through
// a small TTL cache, and derives fire times from the trigger settings.
package definition

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

const defaultCacheTTL = 30 * time.Second

type Catalog struct {
	st  store.Store
	log logx.Logger

	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser cron.Parser
	loc    *time.Location

	mu        sync.RWMutex
	ttl       time.Duration
	jobs      map[int64]cachedJob
	workflows map[int64]cachedWorkflow
}

type cachedJob struct {
	info     store.JobInfo
	loadedAt time.Time
}

type cachedWorkflow struct {
	wf       store.Workflow
	loadedAt time.Time
}

func NewCatalog(st store.Store, timezone string, log logx.Logger) (*Catalog, error) {
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("definition: timezone %q: %w", tz, err)
		}
	}
	return &Catalog{
		st:        st,
		log:       log,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:       loc,
		ttl:       defaultCacheTTL,
		jobs:      map[int64]cachedJob{},
		workflows: map[int64]cachedWorkflow{},
	}, nil
}

func (c *Catalog) Job(ctx context.Context, jobID int64) (store.JobInfo, error) {
	c.mu.RLock()
	cached, ok := c.jobs[jobID]
	c.mu.RUnlock()
	if ok && time.Since(cached.loadedAt) < c.ttl {
		return cached.info, nil
	}

	info, err := c.st.JobInfo(ctx, jobID)
	if err != nil {
		// Serve stale on transient store errors; a missing row is final.
		if ok && err != store.ErrNotFound {
			return cached.info, nil
		}
		return store.JobInfo{}, err
	}
	c.mu.Lock()
	c.jobs[jobID] = cachedJob{info: info, loadedAt: time.Now()}
	c.mu.Unlock()
	return info, nil
}

func (c *Catalog) Workflow(ctx context.Context, workflowID int64) (store.Workflow, error) {
	c.mu.RLock()
	cached, ok := c.workflows[workflowID]
	c.mu.RUnlock()
	if ok && time.Since(cached.loadedAt) < c.ttl {
		return cached.wf, nil
	}

	wf, err := c.st.GetWorkflow(ctx, workflowID)
	if err != nil {
		if ok && err != store.ErrNotFound {
			return cached.wf, nil
		}
		return store.Workflow{}, err
	}
	c.mu.Lock()
	c.workflows[workflowID] = cachedWorkflow{wf: wf, loadedAt: time.Now()}
	c.mu.Unlock()
	return wf, nil
}

func (c *Catalog) JobsByWorkflow(ctx context.Context, workflowID int64) ([]store.JobInfo, error) {
	jobs, err := c.st.JobsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	now := time.Now()
	for _, ji := range jobs {
		c.jobs[ji.ID] = cachedJob{info: ji, loadedAt: now}
	}
	c.mu.Unlock()
	return jobs, nil
}

// Invalidate drops cached entries for a workflow and its jobs, e.g. after
// an OFFLINE broadcast.
func (c *Catalog) Invalidate(workflowID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workflows, workflowID)
	for id, cj := range c.jobs {
		if cj.info.WorkflowID == workflowID {
			delete(c.jobs, id)
		}
	}
}

// FirstFire computes the initial trigger time for a freshly materialized
// run.
//
// Rules:
//   - CRON: next fire strictly after now
//   - FIXED_RATE / FIXED_DELAY: now + interval
//   - MANUAL: now (fire immediately)
//   - DEPENDENCY: zero time (fires when parents succeed)
func (c *Catalog) FirstFire(ji store.JobInfo, now time.Time) (time.Time, error) {
	switch ji.TriggerType {
	case store.TriggerCron:
		sched, err := c.parser.Parse(ji.TriggerValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("definition: job %d cron %q: %w", ji.ID, ji.TriggerValue, err)
		}
		return sched.Next(now.In(c.loc)), nil
	case store.TriggerFixedRate, store.TriggerFixedDelay:
		iv, err := parseInterval(ji.TriggerValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("definition: job %d interval %q: %w", ji.ID, ji.TriggerValue, err)
		}
		return now.Add(iv), nil
	case store.TriggerManual:
		return now, nil
	case store.TriggerDependency:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("definition: job %d unknown trigger type %q", ji.ID, ji.TriggerType)
	}
}

// NextFire computes the fire time for the next cycle of a recurring job,
// given the previous cycle's trigger time.
//
// Rules:
//   - CRON: next fire after the previous trigger time
//   - FIXED_RATE: previous trigger + interval (fixed cadence, no drift)
//   - FIXED_DELAY: now + interval (cadence measured from completion)
//   - MANUAL / DEPENDENCY: not recurring
func (c *Catalog) NextFire(ji store.JobInfo, prevTrigger, now time.Time) (time.Time, bool, error) {
	switch ji.TriggerType {
	case store.TriggerCron:
		sched, err := c.parser.Parse(ji.TriggerValue)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("definition: job %d cron %q: %w", ji.ID, ji.TriggerValue, err)
		}
		base := prevTrigger
		if base.IsZero() || base.Before(now.Add(-24*time.Hour)) {
			// Stale or missing previous trigger: don't replay missed cycles.
			base = now
		}
		return sched.Next(base.In(c.loc)), true, nil
	case store.TriggerFixedRate:
		iv, err := parseInterval(ji.TriggerValue)
		if err != nil {
			return time.Time{}, false, err
		}
		base := prevTrigger
		if base.IsZero() {
			base = now
		}
		next := base.Add(iv)
		// Catch up to the present without queueing a backlog.
		for !next.After(now) {
			next = next.Add(iv)
		}
		return next, true, nil
	case store.TriggerFixedDelay:
		iv, err := parseInterval(ji.TriggerValue)
		if err != nil {
			return time.Time{}, false, err
		}
		return now.Add(iv), true, nil
	default:
		return time.Time{}, false, nil
	}
}

// Recurring reports whether a job schedules its own next cycle.
func Recurring(t store.TriggerType) bool {
	switch t {
	case store.TriggerCron, store.TriggerFixedRate, store.TriggerFixedDelay:
		return true
	}
	return false
}

// parseInterval accepts a Go duration string ("30s", "5m") or a bare
// number of seconds (legacy definitions).
func parseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(s, "%d", &secs); err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}
