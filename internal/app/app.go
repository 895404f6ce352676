// Package app wires the worker's services together and owns their
// startup/shutdown order.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobmesh/internal/broadcast"
	"jobmesh/internal/cluster"
	"jobmesh/internal/config"
	"jobmesh/internal/definition"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/executor"
	"jobmesh/internal/ident"
	"jobmesh/internal/metrics"
	"jobmesh/internal/observability/debug"
	"jobmesh/internal/ownership"
	rtsup "jobmesh/internal/runtime/supervisor"
	"jobmesh/internal/sched"
	"jobmesh/internal/shard"
	"jobmesh/internal/store"
	logx "jobmesh/pkg/logx"
)

const defaultBucketCount = 1024

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	met  *metrics.Metrics

	node  string
	st    store.Store
	idgen *ident.Generator
	cat   *definition.Catalog
	own   *ownership.Manager
	clus  *cluster.Service
	exec  *executor.Service
	eng   *sched.Engine
	bcast *broadcast.Service
	coord *shard.Coordinator
	dbg   *debug.Service
}

// New loads the config and constructs every service. backend performs the
// actual work of a run; the worker itself is backend-agnostic.
func New(cfgPath string, backend executor.Backend) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	node := strings.TrimSpace(cfg.Node.Name)
	if node == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node.name empty and hostname unavailable: %w", err)
		}
		node = host
	}

	bus := eventbus.New()
	met := metrics.New()
	idgen := ident.FromName(node)

	busyTimeout, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("store.driver %q disables the store; the worker needs one", cfg.Store.Driver)
	}

	leaseTTL, err := config.ParseDurationOrDefault("cluster.lease_ttl", cfg.Cluster.LeaseTTL, 30*time.Second)
	if err != nil {
		return nil, err
	}
	bucketCount := cfg.Cluster.BucketCount
	if bucketCount <= 0 {
		bucketCount = defaultBucketCount
	}
	own := ownership.NewManager(node, bucketCount, leaseTTL, st, bus,
		log.With(logx.String("comp", "ownership")))
	own.OnPersistError(func(error) { met.LeaseRenewFailures.Inc() })
	clus := cluster.New(cfg.Cluster, own, bus, log.With(logx.String("comp", "cluster")))

	cat, err := definition.NewCatalog(st, cfg.Scheduler.Timezone, log.With(logx.String("comp", "catalog")))
	if err != nil {
		return nil, err
	}

	eng, err := sched.New(cfg.Scheduler, st, cat, own, idgen, bus, met,
		log.With(logx.String("comp", "sched")))
	if err != nil {
		return nil, err
	}

	defTimeout, err := config.ParseDurationField("executor.default_timeout", cfg.Executor.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	exec := executor.New(executor.Config{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		DefaultTimeout: defTimeout,
	}, backend, eng.OnRunDone, bus, log.With(logx.String("comp", "executor")))
	eng.SetExecutor(exec)

	bcast := broadcast.New(cfg.Broadcast, node, st, eng, cat, own, clus, met,
		log.With(logx.String("comp", "broadcast")))
	clus.OnEnvelope(bcast.HandleRaw)

	var coord *shard.Coordinator
	if cfg.Shard.Enabled {
		coord, err = shard.NewCoordinator(cfg.Shard, node, st, clus.Members, met,
			log.With(logx.String("comp", "shard")))
		if err != nil {
			return nil, err
		}
	}

	dbg, err := debug.New(cfg.Debug, met, log.With(logx.String("comp", "debug")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		met:     met,
		node:    node,
		st:      st,
		idgen:   idgen,
		cat:     cat,
		own:     own,
		clus:    clus,
		exec:    exec,
		eng:     eng,
		bcast:   bcast,
		coord:   coord,
		dbg:     dbg,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	// Ownership first so the lease map is primed before gossip merges
	// arrive, then the consumers, then the mesh join last: envelopes and
	// lease entries start flowing the moment Create/Join returns.
	if err := a.own.Start(runCtx); err != nil {
		return err
	}
	a.exec.Start(runCtx)
	if err := a.eng.Start(runCtx); err != nil {
		return err
	}
	a.bcast.Start(runCtx)
	if err := a.clus.Start(); err != nil {
		return err
	}
	if a.coord != nil {
		a.coord.Start()
	}
	if a.dbg.Enabled() {
		a.dbg.Start(runCtx)
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY")
	}
	a.log.Info("worker started",
		logx.String("node", a.node),
		logx.Int("node_id", a.idgen.NodeID()),
		logx.Int("buckets", a.own.Map().BucketCount()))
	return nil
}

// reloadLoop applies hot-reloadable sections (logging) and calls out the
// ones that need a restart. Scheduling and cluster topology are pinned for
// the life of the process: rewiring them live would drop owned buckets.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			for _, s := range sections {
				switch s {
				case "logging":
					// applied above
				default:
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err == nil && sent {
		a.log.Debug("sd_notify STOPPING")
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Leave the mesh first so peers rebalance our buckets right away, then
	// drain the work pipeline, then release leases.
	step("cluster", 6*time.Second, func(context.Context) error { a.clus.Stop(); return nil })
	if a.coord != nil {
		step("shard", 2*time.Second, func(context.Context) error { a.coord.Stop(); return nil })
	}
	step("broadcast", 2*time.Second, func(context.Context) error { a.bcast.Stop(); return nil })
	step("sched", 3*time.Second, func(context.Context) error { a.eng.Stop(); return nil })
	step("executor", 3*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("ownership", 2*time.Second, func(context.Context) error { a.own.Stop(); return nil })
	step("debug", time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	step("store", time.Second, func(context.Context) error { return a.st.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
