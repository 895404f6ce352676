package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobmesh/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Node
	if strings.TrimSpace(oldCfg.Node.Name) != strings.TrimSpace(newCfg.Node.Name) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.name", strings.TrimSpace(newCfg.Node.Name)))
	}

	// Cluster
	if !reflect.DeepEqual(oldCfg.Cluster, newCfg.Cluster) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.String("cluster.bind_addr", strings.TrimSpace(newCfg.Cluster.BindAddr)),
			logx.Int("cluster.bind_port", newCfg.Cluster.BindPort),
			logx.Int("cluster.join_count", len(newCfg.Cluster.Join)),
			logx.Int("cluster.bucket_count", newCfg.Cluster.BucketCount),
			logx.String("cluster.lease_ttl", strings.TrimSpace(newCfg.Cluster.LeaseTTL)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store
	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.String("store.busy_timeout", strings.TrimSpace(newCfg.Store.BusyTimeout)),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.wheel_slots", newCfg.Scheduler.WheelSlots),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.scan_interval", strings.TrimSpace(newCfg.Scheduler.ScanInterval)),
			logx.Int("scheduler.max_pending_runs", newCfg.Scheduler.MaxPendingRuns),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Executor
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
		)
	}

	// Shard
	if !reflect.DeepEqual(oldCfg.Shard, newCfg.Shard) {
		changed = append(changed, "shard")
		attrs = append(attrs,
			logx.Bool("shard.enabled", newCfg.Shard.Enabled),
			logx.Int64("shard.min_split_size", newCfg.Shard.MinSplitSize),
			logx.Int64("shard.max_split_size", newCfg.Shard.MaxSplitSize),
			logx.Int("shard.claim_retry_max", newCfg.Shard.ClaimRetryMax),
		)
	}

	// Broadcast
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.queue_size", newCfg.Broadcast.QueueSize),
			logx.Int("broadcast.rate_per_sec", newCfg.Broadcast.RatePerSec),
		)
	}

	// Debug (never log token)
	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		strings.TrimSpace(oldCfg.Debug.Addr) != strings.TrimSpace(newCfg.Debug.Addr) ||
		oldCfg.Debug.AllowInsecure != newCfg.Debug.AllowInsecure ||
		strings.TrimSpace(oldCfg.Debug.ReadTimeout) != strings.TrimSpace(newCfg.Debug.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Debug.WriteTimeout) != strings.TrimSpace(newCfg.Debug.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Debug.IdleTimeout) != strings.TrimSpace(newCfg.Debug.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Debug.Token) != "") != (strings.TrimSpace(newCfg.Debug.Token) != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
