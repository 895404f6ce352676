// Package broadcast consumes and produces cluster operation envelopes.
//
// Envelopes arrive over the gossip mesh, are deduplicated by event id and
// dispatched to idempotent handlers, so redelivery and fan-out to every
// worker are both safe. Acked operations answer with an ACK envelope;
// outbound sends are rate limited.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobmesh/internal/config"
	"jobmesh/internal/definition"
	"jobmesh/internal/ident"
	"jobmesh/internal/metrics"
	"jobmesh/internal/ownership"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

// Engine is the slice of the scheduling engine the handlers drive.
type Engine interface {
	RegisterRun(run store.JobRun)
	RegisterRuns(runs []store.JobRun)
	CancelRun(runID int64)
	PassRun(runID int64)
	ForceFailRun(runID int64)
	CancelWorkflow(workflowID int64)
}

// Sender carries encoded envelopes to the cluster.
type Sender interface {
	BroadcastEnvelope(data []byte) error
}

type Service struct {
	self   string
	st     store.Store
	eng    Engine
	cat    *definition.Catalog
	own    *ownership.Manager
	sender Sender
	met    *metrics.Metrics
	log    logx.Logger

	limiter *rate.Limiter
	inbox   chan []byte
	outbox  chan Envelope

	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg config.BroadcastConfig, self string, st store.Store, eng Engine, cat *definition.Catalog,
	own *ownership.Manager, sender Sender, met *metrics.Metrics, log logx.Logger) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 512
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		self:     self,
		st:       st,
		eng:      eng,
		cat:      cat,
		own:      own,
		sender:   sender,
		met:      met,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		inbox:    make(chan []byte, queueSize),
		outbox:   make(chan Envelope, queueSize),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.consume(ctx)
	go s.send(ctx)
}

func (s *Service) Stop() {
	close(s.stopCh)
	<-s.stopDone
}

// HandleRaw is the cluster's envelope callback. Non-blocking: gossip
// goroutines must never stall on a slow consumer.
func (s *Service) HandleRaw(data []byte) {
	select {
	case s.inbox <- data:
	default:
		s.log.Warn("broadcast inbox full, dropping envelope", logx.Int("size", len(data)))
	}
}

// Publish queues an outbound envelope with a fresh event id.
func (s *Service) Publish(op, opLevel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		EventID:   uuid.NewString(),
		Op:        op,
		OpLevel:   opLevel,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}
	select {
	case s.outbox <- env:
		return nil
	default:
		return errors.New("broadcast: outbox full")
	}
}

func (s *Service) consume(ctx context.Context) {
	defer close(s.stopDone)
	for {
		select {
		case <-s.stopCh:
			return
		case data := <-s.inbox:
			s.handleOne(ctx, data)
		}
	}
}

func (s *Service) send(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case env := <-s.outbox:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			data, err := Encode(env)
			if err != nil {
				s.log.Warn("encode envelope", logx.Err(err))
				continue
			}
			if err := s.sender.BroadcastEnvelope(data); err != nil {
				s.log.Warn("send envelope", logx.String("op", env.Op), logx.Err(err))
			}
		}
	}
}

func (s *Service) handleOne(ctx context.Context, data []byte) {
	env, err := Decode(data)
	if err != nil {
		s.log.Warn("decode envelope", logx.Err(err))
		return
	}
	if env.OpLevel == LevelAck {
		var ack AckPayload
		if json.Unmarshal(env.Payload, &ack) == nil && !ack.OK {
			s.log.Warn("operation rejected by peer",
				logx.String("event_id", ack.EventID),
				logx.String("node", ack.Node),
				logx.String("error", ack.Error))
		}
		return
	}

	seen, err := s.st.SeenEvent(ctx, env.EventID)
	if err != nil {
		s.log.Warn("dedup check", logx.String("event_id", env.EventID), logx.Err(err))
		return
	}
	if seen {
		if s.met != nil {
			s.met.BroadcastDups.Inc()
		}
		return
	}
	if s.met != nil {
		s.met.BroadcastEvents.WithLabelValues(env.Op).Inc()
	}

	acked, herr := s.dispatch(ctx, env)
	if herr != nil {
		s.log.Warn("handle envelope",
			logx.String("op", env.Op), logx.String("level", env.OpLevel),
			logx.String("event_id", env.EventID), logx.Err(herr))
	}
	if acked {
		s.ack(env, herr)
	}
}

// dispatch routes one envelope and reports whether the op wants an ack.
func (s *Service) dispatch(ctx context.Context, env Envelope) (bool, error) {
	switch env.OpLevel {
	case LevelWorkflow:
		switch env.Op {
		case OpOnline, OpTrigger:
			return true, s.handleWorkflowTrigger(ctx, env)
		case OpOffline:
			return false, s.handleWorkflowOffline(env)
		}
	case LevelWorkflowRun:
		switch env.Op {
		case OpRerun:
			return true, s.handleRerun(ctx, env)
		case OpKill:
			return false, s.handleKill(ctx, env)
		}
	case LevelJobRun:
		switch env.Op {
		case OpTrigger, OpRetry:
			return true, s.handleJobRunTrigger(ctx, env)
		case OpKill:
			return false, s.handleJobRunRef(env, s.eng.CancelRun)
		case OpPass:
			return false, s.handleJobRunRef(env, s.eng.PassRun)
		case OpMarkFailed:
			return false, s.handleJobRunRef(env, s.eng.ForceFailRun)
		}
	}
	return false, fmt.Errorf("unknown operation %s/%s", env.OpLevel, env.Op)
}

// handleWorkflowTrigger materializes one workflow cycle. All ids derive
// from the event id, so every receiver computes the same rows and the
// insert-if-absent store write keeps the result single-copy.
func (s *Service) handleWorkflowTrigger(ctx context.Context, env Envelope) error {
	var p TriggerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if p.WorkflowID == 0 || len(p.JobIDs) == 0 {
		return errors.New("trigger payload missing workflowId or jobIds")
	}
	now := time.Now()

	wfRunID := ident.DeterministicID(env.EventID, p.WorkflowID)
	runByJob := map[int64]int64{}
	runs := make([]store.JobRun, 0, len(p.JobIDs))
	var wfTrigger time.Time
	for _, jobID := range p.JobIDs {
		ji, err := s.cat.Job(ctx, jobID)
		if err != nil {
			return fmt.Errorf("job %d: %w", jobID, err)
		}
		trig, err := s.cat.FirstFire(ji, now)
		if err != nil {
			return err
		}
		if !trig.IsZero() && (wfTrigger.IsZero() || trig.Before(wfTrigger)) {
			wfTrigger = trig
		}
		runID := ident.DeterministicID(env.EventID, jobID)
		runByJob[jobID] = runID
		runs = append(runs, store.JobRun{
			ID:            runID,
			JobID:         jobID,
			WorkflowID:    p.WorkflowID,
			WorkflowRunID: wfRunID,
			NamespaceID:   p.NamespaceID,
			BucketID:      s.own.BucketOf(jobID),
			Status:        store.StatusWaiting,
			TriggerTime:   trig,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	edges := make([]store.DependencyEdge, 0, len(p.Dependencies))
	for _, dep := range p.Dependencies {
		child, okC := runByJob[dep.JobID]
		parent, okP := runByJob[dep.ParentJobID]
		if !okC || !okP {
			return fmt.Errorf("dependency references unknown job %d->%d", dep.JobID, dep.ParentJobID)
		}
		edges = append(edges, store.DependencyEdge{
			WorkflowRunID: wfRunID,
			JobRunID:      child,
			ParentRunID:   parent,
		})
	}

	wr := store.WorkflowRun{
		ID:          wfRunID,
		WorkflowID:  p.WorkflowID,
		NamespaceID: p.NamespaceID,
		Status:      store.StatusRunning,
		TriggerTime: wfTrigger,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.st.Materialize(ctx, wr, runs, edges); err != nil {
		return err
	}
	s.eng.RegisterRuns(runs)
	s.log.Info("workflow cycle materialized",
		logx.Int64("workflow_id", p.WorkflowID),
		logx.Int64("workflow_run_id", wfRunID),
		logx.Int("runs", len(runs)))
	return nil
}

func (s *Service) handleWorkflowOffline(env Envelope) error {
	var p OfflinePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	s.cat.Invalidate(p.WorkflowID)
	s.eng.CancelWorkflow(p.WorkflowID)
	s.log.Info("workflow taken offline", logx.Int64("workflow_id", p.WorkflowID))
	return nil
}

// handleRerun re-arms finished runs in place, keeping their ids so the
// dependency edges stay valid.
func (s *Service) handleRerun(ctx context.Context, env Envelope) error {
	var p RerunPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	ids := make([]int64, 0, len(p.Runs))
	for key := range p.Runs {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("rerun run id %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errors.New("rerun payload names no runs")
	}

	if err := s.st.ResetRunsForRerun(ctx, ids); err != nil {
		return err
	}
	if _, err := s.st.UpdateWorkflowRunStatus(ctx, p.WorkflowRunID,
		[]store.Status{store.StatusSuccess, store.StatusFail, store.StatusCancelled},
		store.StatusRunning, time.Now()); err != nil {
		return err
	}
	for _, id := range ids {
		r, err := s.st.GetRun(ctx, id)
		if err != nil {
			s.log.Warn("load rerun run", logx.Int64("run_id", id), logx.Err(err))
			continue
		}
		s.eng.RegisterRun(r)
	}
	s.log.Info("workflow run re-armed",
		logx.Int64("workflow_run_id", p.WorkflowRunID), logx.Int("runs", len(ids)))
	return nil
}

func (s *Service) handleKill(ctx context.Context, env Envelope) error {
	var p KillPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	runs, err := s.st.RunsByWorkflowRun(ctx, p.WorkflowRunID)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if !r.Status.Terminal() {
			s.eng.CancelRun(r.ID)
		}
	}
	s.log.Info("workflow run killed", logx.Int64("workflow_run_id", p.WorkflowRunID))
	return nil
}

// handleJobRunTrigger fires (or retries) one run directly. A terminal row
// is reset in place; a missing row is created from the payload.
func (s *Service) handleJobRunTrigger(ctx context.Context, env Envelope) error {
	var p JobRunTriggerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if p.JobRunID == 0 {
		return errors.New("trigger payload missing jobRunId")
	}
	now := time.Now()

	r, err := s.st.GetRun(ctx, p.JobRunID)
	if errors.Is(err, store.ErrNotFound) {
		bucket := p.BucketID
		if bucket == 0 {
			bucket = s.own.BucketOf(p.JobID)
		}
		r = store.JobRun{
			ID:            p.JobRunID,
			JobID:         p.JobID,
			WorkflowRunID: p.WorkflowRunID,
			NamespaceID:   p.NamespaceID,
			BucketID:      bucket,
			Status:        store.StatusWaiting,
			TriggerTime:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if ji, jerr := s.cat.Job(ctx, p.JobID); jerr == nil {
			r.WorkflowID = ji.WorkflowID
		}
		wr, werr := s.st.GetWorkflowRun(ctx, p.WorkflowRunID)
		if errors.Is(werr, store.ErrNotFound) {
			wr = store.WorkflowRun{
				ID:          p.WorkflowRunID,
				WorkflowID:  r.WorkflowID,
				NamespaceID: p.NamespaceID,
				Status:      store.StatusRunning,
				TriggerTime: now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		} else if werr != nil {
			return werr
		}
		if err := s.st.Materialize(ctx, wr, []store.JobRun{r}, nil); err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if r.Status.Terminal() {
		if err := s.st.ResetRunsForRerun(ctx, []int64{r.ID}); err != nil {
			return err
		}
		r, err = s.st.GetRun(ctx, r.ID)
		if err != nil {
			return err
		}
	}

	s.eng.RegisterRun(r)
	return nil
}

func (s *Service) handleJobRunRef(env Envelope, apply func(int64)) error {
	var p JobRunRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	if p.JobRunID == 0 {
		return errors.New("payload missing jobRunId")
	}
	apply(p.JobRunID)
	return nil
}

func (s *Service) ack(env Envelope, herr error) {
	ack := AckPayload{EventID: env.EventID, Node: s.self, OK: herr == nil}
	if herr != nil {
		ack.Error = herr.Error()
	}
	if err := s.Publish(OpAck, LevelAck, ack); err != nil {
		s.log.Warn("queue ack", logx.String("event_id", env.EventID), logx.Err(err))
	}
}
