package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Node      NodeConfig      `json:"node"`
	Cluster   ClusterConfig   `json:"cluster"`
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Shard     ShardConfig     `json:"shard,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// NodeConfig identifies this worker in the cluster.
//
// Name must be unique across the cluster; it is used as the lease owner
// and as the memberlist node name. Empty means "use the hostname".
type NodeConfig struct {
	Name string `json:"name,omitempty"`
}

// ClusterConfig controls gossip membership and bucket leasing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - bind_addr: "0.0.0.0"
//   - bind_port: 7946
//   - bucket_count: 1024
//   - lease_ttl: "30s" (renewed at ttl/3)
type ClusterConfig struct {
	BindAddr      string   `json:"bind_addr,omitempty"`
	BindPort      int      `json:"bind_port,omitempty"`
	AdvertiseAddr string   `json:"advertise_addr,omitempty"`
	Join          []string `json:"join,omitempty"`

	BucketCount int    `json:"bucket_count,omitempty"`
	LeaseTTL    string `json:"lease_ttl,omitempty"`
}

// StoreConfig controls the shared persistence layer.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./jobmesh.db" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - wheel_slots: 512
//   - tick_interval: "100ms"
//   - scan_interval: "10s" (incremental load + rerun detection)
//   - max_pending_runs: 100000
//   - dispatch_rate: 200 (dispatches per second)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	WheelSlots     int    `json:"wheel_slots,omitempty"`
	TickInterval   string `json:"tick_interval,omitempty"`
	ScanInterval   string `json:"scan_interval,omitempty"`
	MaxPendingRuns int    `json:"max_pending_runs,omitempty"`
	DispatchRate   int    `json:"dispatch_rate,omitempty"`

	// Trigger timezone for cron evaluation.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig controls run execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; per-job timeouts still apply)
type ExecutorConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// ShardConfig controls autonomous split-range claiming.
//
// Defaults (when fields are omitted/zero):
//   - min_split_size: 1000
//   - max_split_size: 100000
//   - claim_retry_max: 10
//   - processing_timeout: "5m"
type ShardConfig struct {
	Enabled bool `json:"enabled"`

	MinSplitSize      int64  `json:"min_split_size,omitempty"`
	MaxSplitSize      int64  `json:"max_split_size,omitempty"`
	ClaimRetryMax     int    `json:"claim_retry_max,omitempty"`
	ProcessingTimeout string `json:"processing_timeout,omitempty"`
}

// BroadcastConfig controls the cluster broadcast consumer/producer.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 512
//   - rate_per_sec: 64 (outbound sends)
type BroadcastConfig struct {
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (pprof + /metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Validate rejects configs that can't possibly run.
// Defaults for omitted fields are applied by the consuming services.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Store.Driver) == "" {
		return fmt.Errorf("store.driver is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Cluster.BucketCount < 0 {
		return fmt.Errorf("cluster.bucket_count must be >= 0")
	}
	for _, field := range []struct {
		path string
		raw  string
	}{
		{"cluster.lease_ttl", c.Cluster.LeaseTTL},
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.scan_interval", c.Scheduler.ScanInterval},
		{"executor.default_timeout", c.Executor.DefaultTimeout},
		{"shard.processing_timeout", c.Shard.ProcessingTimeout},
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.write_timeout", c.Debug.WriteTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if err := checkTimezone(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
