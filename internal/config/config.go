// Package config provides configuration loading, validation, and hot-reload
// for the plugin runtime daemon.
//
// Configuration file: /etc/plugink/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - A valid reloaded config is logged but not applied to the running
//     runtime; every change, destructive or not, takes effect on restart.
//   - If the new config is invalid, an error is logged. The daemon does
//     NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (pool bounds, queue capacities, timeouts).
//   - File paths must be absolute.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the daemon.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this daemon instance in audit records and logs.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Runtime configures the workflow executor's scheduling behavior.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Isolation configures which sandboxing backend plugins load into.
	Isolation IsolationConfig `yaml:"isolation"`

	// Pool configures the per-plugin instance pool's sizing and lifecycle.
	Pool PoolConfig `yaml:"pool"`

	// Bus configures the message bus's queues and retention.
	Bus BusConfig `yaml:"bus"`

	// Event configures the Event Orchestrator's channels and replay log.
	Event EventConfig `yaml:"event"`

	// Storage configures the BoltDB persistent store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Control configures the operator control-surface Unix socket.
	Control ControlConfig `yaml:"control"`
}

// RuntimeConfig holds Workflow Executor (C9) scheduling parameters.
type RuntimeConfig struct {
	// MaxParallelNodes bounds how many ready nodes of one execution run
	// concurrently. Default: 8.
	MaxParallelNodes int `yaml:"max_parallel_nodes"`

	// WorkflowTimeout bounds the wall-clock time of one execution; 0 means
	// unbounded. Default: 0.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`

	// UseCheckpoints enables periodic execution-state persistence so a
	// crashed daemon can Resume. Default: true.
	UseCheckpoints bool `yaml:"use_checkpoints"`

	// CheckpointInterval bounds how often a checkpoint is persisted during
	// one execution (in addition to always checkpointing at completion).
	// Default: 5s.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// IsolationConfig selects and sizes the sandboxing backend (spec.md §4.3).
type IsolationConfig struct {
	// Backend selects the isolation backend: "wasm" or "remote".
	// Default: wasm.
	Backend string `yaml:"backend"`

	// MemoryByteBudget is the byte budget of the wasm backend's
	// compiled-module cache. It is also passed to every instance as
	// ResourceLimits.MaxMemoryBytes, which the wasm backend does not
	// enforce. Default: 64 MiB.
	MemoryByteBudget int64 `yaml:"memory_byte_budget"`

	// ModuleCacheSize is validated but not read by any component: the
	// wasm backend's module cache starts at 256 entries and is then sized
	// from MemoryByteBudget. Default: 256.
	ModuleCacheSize int `yaml:"module_cache_size"`

	// RemoteNATSURL is the NATS server URL the remote backend dials to
	// bridge host calls to an out-of-process plugin. Required when
	// backend = "remote".
	RemoteNATSURL string `yaml:"remote_nats_url"`

	// RemoteTimeout bounds one remote request/reply round trip.
	// Default: 10s.
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// PoolConfig holds Instance Pool (C6) sizing parameters, mirroring
// pool.Config's field names so Load's output plugs in directly.
type PoolConfig struct {
	// MinWarm is the number of pre-warmed idle instances kept per plugin.
	// Default: 1.
	MinWarm int `yaml:"min_warm"`

	// MaxTotal caps the total instance count (idle + in-use) per plugin.
	// Default: 16.
	MaxTotal int `yaml:"max_total"`

	// AcquireTimeout bounds how long Acquire blocks before failing with
	// an acquisition timeout. Default: 5s.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// IdleTTL is how long an idle instance may sit before the sweeper
	// retires it. Default: 5m.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// BusConfig holds Message Bus (C7) queue parameters.
type BusConfig struct {
	// PerPluginQueueCapacity bounds each plugin's inbox. Default: 1000.
	PerPluginQueueCapacity int `yaml:"per_plugin_queue_capacity"`

	// TopicRetention bounds how many past messages a topic replays to new
	// subscribers. Default: 50.
	TopicRetention int `yaml:"topic_retention"`

	// DefaultTTL applies to messages sent without an explicit ttl_ms.
	// 0 means unbounded. Default: 0.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// EventConfig holds Event Orchestrator (C10) channel parameters.
type EventConfig struct {
	// InboundCapacity bounds the orchestrator's producer/consumer queue.
	// Default: 256.
	InboundCapacity int `yaml:"inbound_capacity"`

	// SubscriberCapacity bounds each broadcast subscriber's buffer.
	// Default: 64.
	SubscriberCapacity int `yaml:"subscriber_capacity"`

	// LogCapacity bounds the retained replay log. 0 means unbounded.
	// Default: 10000.
	LogCapacity int `yaml:"log_capacity"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/plugink/plugink.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the on-disk audit ledger retention period.
	// Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// ControlConfig holds the operator control-surface parameters — the Unix
// socket internal/control listens on for the CLI surface (spec.md §6
// "load-plugin, list-plugins, invoke-plugin, ...").
type ControlConfig struct {
	// SocketPath is the Unix domain socket path the control server binds.
	// Permissions: 0600, owned by the daemon's user.
	// Default: /run/plugink/control.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the control socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Runtime: RuntimeConfig{
			MaxParallelNodes:   8,
			UseCheckpoints:     true,
			CheckpointInterval: 5 * time.Second,
		},
		Isolation: IsolationConfig{
			Backend:          "wasm",
			MemoryByteBudget: 64 * 1024 * 1024,
			ModuleCacheSize:  256,
			RemoteTimeout:    10 * time.Second,
		},
		Pool: PoolConfig{
			MinWarm:        1,
			MaxTotal:       16,
			AcquireTimeout: 5 * time.Second,
			IdleTTL:        5 * time.Minute,
		},
		Bus: BusConfig{
			PerPluginQueueCapacity: 1000,
			TopicRetention:         50,
		},
		Event: EventConfig{
			InboundCapacity:    256,
			SubscriberCapacity: 64,
			LogCapacity:        10000,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "/run/plugink/control.sock",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/plugink/plugink.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Runtime.MaxParallelNodes < 1 || cfg.Runtime.MaxParallelNodes > 256 {
		errs = append(errs, fmt.Sprintf("runtime.max_parallel_nodes must be in [1, 256], got %d", cfg.Runtime.MaxParallelNodes))
	}
	if cfg.Runtime.UseCheckpoints && cfg.Runtime.CheckpointInterval < time.Second {
		errs = append(errs, fmt.Sprintf("runtime.checkpoint_interval must be >= 1s when checkpoints are enabled, got %s", cfg.Runtime.CheckpointInterval))
	}
	switch cfg.Isolation.Backend {
	case "wasm":
	case "remote":
		if cfg.Isolation.RemoteNATSURL == "" {
			errs = append(errs, "isolation.remote_nats_url is required when isolation.backend = \"remote\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("isolation.backend must be \"wasm\" or \"remote\", got %q", cfg.Isolation.Backend))
	}
	if cfg.Isolation.MemoryByteBudget < 1 {
		errs = append(errs, fmt.Sprintf("isolation.memory_byte_budget must be >= 1, got %d", cfg.Isolation.MemoryByteBudget))
	}
	if cfg.Isolation.ModuleCacheSize < 1 {
		errs = append(errs, fmt.Sprintf("isolation.module_cache_size must be >= 1, got %d", cfg.Isolation.ModuleCacheSize))
	}
	if cfg.Pool.MinWarm < 0 {
		errs = append(errs, fmt.Sprintf("pool.min_warm must be >= 0, got %d", cfg.Pool.MinWarm))
	}
	if cfg.Pool.MaxTotal < 1 || cfg.Pool.MaxTotal < cfg.Pool.MinWarm {
		errs = append(errs, fmt.Sprintf("pool.max_total must be >= 1 and >= pool.min_warm, got %d (min_warm=%d)", cfg.Pool.MaxTotal, cfg.Pool.MinWarm))
	}
	if cfg.Pool.AcquireTimeout < 0 {
		errs = append(errs, "pool.acquire_timeout must be >= 0")
	}
	if cfg.Bus.PerPluginQueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("bus.per_plugin_queue_capacity must be >= 1, got %d", cfg.Bus.PerPluginQueueCapacity))
	}
	if cfg.Bus.TopicRetention < 0 {
		errs = append(errs, "bus.topic_retention must be >= 0")
	}
	if cfg.Event.InboundCapacity < 1 {
		errs = append(errs, fmt.Sprintf("event.inbound_capacity must be >= 1, got %d", cfg.Event.InboundCapacity))
	}
	if cfg.Event.SubscriberCapacity < 1 {
		errs = append(errs, fmt.Sprintf("event.subscriber_capacity must be >= 1, got %d", cfg.Event.SubscriberCapacity))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be \"json\" or \"console\", got %q", cfg.Observability.LogFormat))
	}
	if cfg.Control.Enabled && cfg.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path must not be empty when control.enabled = true")
	} else if cfg.Control.Enabled && !filepath.IsAbs(cfg.Control.SocketPath) {
		errs = append(errs, fmt.Sprintf("control.socket_path must be absolute, got %q", cfg.Control.SocketPath))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
