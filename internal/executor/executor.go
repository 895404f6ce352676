// Package executor runs dispatched job runs on a bounded worker pool.
//
// The pool makes exactly one attempt per enqueued run; retry policy lives
// with the scheduling engine, which persists retry state and re-arms the
// timer. Outcome precedence is cancel over timeout over the backend's own
// result: a run cancelled mid-flight reports CANCELLED even if the backend
// happened to return cleanly.
package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobmesh/internal/eventbus"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

// Run is the unit of work handed to a Backend.
type Run struct {
	RunID         int64
	JobID         int64
	WorkflowID    int64
	WorkflowRunID int64
	NamespaceID   int64
	RetryCount    int
	Timeout       time.Duration
}

// Backend performs the actual work of a run. Implementations must honor
// ctx cancellation.
type Backend interface {
	Execute(ctx context.Context, r Run) error
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, r Run) error

func (f BackendFunc) Execute(ctx context.Context, r Run) error { return f(ctx, r) }

// Result is the outcome of one attempt.
type Result struct {
	Run      Run
	Status   store.Status // SUCCESS, FAIL, CANCELLED or TIMEOUT
	Err      error
	Started  time.Time
	Duration time.Duration
}

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type queuedRun struct {
	run Run
}

type inflightRun struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Service is the worker pool. OnDone is invoked from worker goroutines,
// once per enqueued run, including for runs cancelled before they started.
type Service struct {
	mu sync.Mutex

	cfg     Config
	backend Backend
	onDone  func(Result)
	bus     eventbus.Bus
	log     logx.Logger

	queue     chan queuedRun
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[int64]*inflightRun

	dropped uint64
}

func New(cfg Config, backend Backend, onDone func(Result), bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		backend:  backend,
		onDone:   onDone,
		bus:      bus,
		log:      log,
		inflight: map[int64]*inflightRun{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	// Fresh queue per run so a stop/start cycle never executes stale items.
	s.queue = make(chan queuedRun, s.cfg.QueueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in executor worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("executor started",
		logx.Int("workers", s.cfg.Workers), logx.Int("queue_size", s.cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	done := s.stopDone
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Enqueue submits one attempt. Non-blocking: a full queue returns
// ErrQueueFull so the engine can reschedule instead of stalling its loop.
func (s *Service) Enqueue(r Run) error {
	s.mu.Lock()
	q := s.queue
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if r.Timeout <= 0 {
		r.Timeout = timeout
	}

	s.inflightMu.Lock()
	if _, dup := s.inflight[r.RunID]; dup {
		s.inflightMu.Unlock()
		return ErrInflight
	}
	inf := &inflightRun{}
	s.inflight[r.RunID] = inf
	s.inflightMu.Unlock()

	select {
	case q <- queuedRun{run: r}:
		return nil
	default:
		s.dropInflight(r.RunID)
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("executor queue full, dropping run",
			logx.Int64("run_id", r.RunID), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// Cancel aborts a queued or in-flight run. It reports whether the run was
// known to the pool.
func (s *Service) Cancel(runID int64) bool {
	s.inflightMu.Lock()
	inf, ok := s.inflight[runID]
	s.inflightMu.Unlock()
	if !ok {
		return false
	}
	inf.cancelled.Store(true)
	if cancel := inf.cancel; cancel != nil {
		cancel()
	}
	return true
}

// Inflight returns the number of runs queued or executing.
func (s *Service) Inflight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

func (s *Service) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Service) dropInflight(runID int64) {
	s.inflightMu.Lock()
	delete(s.inflight, runID)
	s.inflightMu.Unlock()
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedRun) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qr := <-queue:
			s.execOne(ctx, qr.run)
		}
	}
}

func (s *Service) execOne(ctx context.Context, r Run) {
	start := time.Now()

	s.inflightMu.Lock()
	inf := s.inflight[r.RunID]
	s.inflightMu.Unlock()
	if inf == nil {
		return
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	inf.cancel = cancel
	if inf.cancelled.Load() {
		// Cancelled while queued.
		cancel()
		s.finish(Result{Run: r, Status: store.StatusCancelled, Started: start})
		return
	}

	err := s.backend.Execute(runCtx, r)
	cancel()
	dur := time.Since(start)

	res := Result{Run: r, Started: start, Duration: dur}
	switch {
	case inf.cancelled.Load():
		res.Status = store.StatusCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = store.StatusTimeout
		res.Err = context.DeadlineExceeded
	case err != nil:
		res.Status = store.StatusFail
		res.Err = err
	default:
		res.Status = store.StatusSuccess
	}
	s.finish(res)
}

func (s *Service) finish(res Result) {
	s.dropInflight(res.Run.RunID)

	if res.Err != nil {
		s.log.Warn("run attempt failed",
			logx.Int64("run_id", res.Run.RunID),
			logx.String("status", res.Status.String()),
			logx.Duration("dur", res.Duration),
			logx.Err(res.Err))
	} else {
		s.log.Debug("run attempt finished",
			logx.Int64("run_id", res.Run.RunID),
			logx.String("status", res.Status.String()),
			logx.Duration("dur", res.Duration))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: res})
	}
	if s.onDone != nil {
		s.onDone(res)
	}
}
