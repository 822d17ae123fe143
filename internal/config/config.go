// ============================================================================
// fleetwork Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML node configuration with defaults and validation
//
// Layout:
//   name: fleetwork            # cluster name, scopes lock/bus/queue keys
//   backend: memory | redis    # memory runs the whole cluster in one process
//   redis:      addr, db, password, prefix
//   lock:       ttl, reattempt, settle, retry_count, retry_delay, retry_jitter, drift_factor
//   queue:      concurrency, snapshot, poll_interval
//   supervisor: module, codec, env, max_instances_per_node, instance_delimiter, ...
//   jobs:       options (priority, delay, attempts, ...), clean_age
//   tasks:      file (desired tasks YAML)
//   metrics:    enabled, port, window, timeout
//   server:     enabled, addr
//   log:        level, format
//
// Load starts from Default() and overlays the file, so a file only names
// what it changes.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fleetwork/pkg/ipc"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete node configuration.
type Config struct {
	Name    string `yaml:"name"`
	Backend string `yaml:"backend"`

	Redis struct {
		Addr     string `yaml:"addr"`
		DB       int    `yaml:"db"`
		Password string `yaml:"password"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Lock struct {
		TTL         time.Duration `yaml:"ttl"`
		Reattempt   time.Duration `yaml:"reattempt"`
		Settle      time.Duration `yaml:"settle"`
		RetryCount  int           `yaml:"retry_count"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
		RetryJitter time.Duration `yaml:"retry_jitter"`
		DriftFactor float64       `yaml:"drift_factor"`
	} `yaml:"lock"`

	Queue struct {
		Concurrency  int           `yaml:"concurrency"`
		Snapshot     string        `yaml:"snapshot"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"queue"`

	Supervisor struct {
		Module              string        `yaml:"module"`
		Codec               string        `yaml:"codec"`
		Env                 []string      `yaml:"env"`
		MaxInstancesPerNode int           `yaml:"max_instances_per_node"`
		InstanceDelimiter   string        `yaml:"instance_delimiter"`
		RescheduleDelay     time.Duration `yaml:"reschedule_delay"`
		KillTimeout         time.Duration `yaml:"kill_timeout"`
	} `yaml:"supervisor"`

	Jobs struct {
		Options  types.JobOptions `yaml:"options"`
		CleanAge time.Duration    `yaml:"clean_age"`
	} `yaml:"jobs"`

	Tasks struct {
		File string `yaml:"file"`
	} `yaml:"tasks"`

	Metrics struct {
		Enabled bool          `yaml:"enabled"`
		Port    int           `yaml:"port"`
		Window  time.Duration `yaml:"window"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"metrics"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration every file is applied on top of.
// MaxInstancesPerNode and Module have no default and must be set.
func Default() *Config {
	var c Config
	c.Name = "fleetwork"
	c.Backend = BackendMemory

	c.Redis.Addr = "localhost:6379"
	c.Redis.DB = 7
	c.Redis.Prefix = "fw"

	c.Lock.TTL = 2 * time.Second
	c.Lock.Reattempt = 4 * time.Second
	c.Lock.Settle = 100 * time.Millisecond
	c.Lock.RetryCount = 2
	c.Lock.RetryDelay = 200 * time.Millisecond
	c.Lock.RetryJitter = 200 * time.Millisecond
	c.Lock.DriftFactor = 0.01

	c.Queue.Concurrency = 2
	c.Queue.PollInterval = 250 * time.Millisecond

	c.Supervisor.Codec = ipc.CodecNameJSON
	c.Supervisor.InstanceDelimiter = ":"
	c.Supervisor.RescheduleDelay = 2500 * time.Millisecond
	c.Supervisor.KillTimeout = 10 * time.Second

	c.Jobs.Options = types.JobOptions{
		Priority:         1,
		Delay:            time.Second,
		Attempts:         1,
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}
	c.Jobs.CleanAge = 500 * time.Millisecond

	c.Metrics.Port = 9090
	c.Metrics.Window = time.Second
	c.Metrics.Timeout = 500 * time.Millisecond

	c.Server.Addr = ":50051"

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.ShutdownTimeout = 15 * time.Second
	return &c
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Name != "", "name is required")
	check(c.Backend == BackendMemory || c.Backend == BackendRedis,
		"backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Backend)
	if c.Backend == BackendRedis {
		check(c.Redis.Addr != "", "redis.addr is required for the redis backend")
	}

	check(c.Lock.TTL > 0, "lock.ttl must be positive")
	check(c.Lock.Reattempt > 0, "lock.reattempt must be positive")
	check(c.Lock.Settle >= 0, "lock.settle must not be negative")
	check(c.Lock.RetryCount >= 0, "lock.retry_count must not be negative")
	check(c.Lock.DriftFactor >= 0 && c.Lock.DriftFactor < 1, "lock.drift_factor must be in [0, 1)")

	check(c.Queue.Concurrency >= 1, "queue.concurrency must be at least 1")

	check(c.Supervisor.Module != "", "supervisor.module is required")
	check(c.Supervisor.MaxInstancesPerNode >= 1, "supervisor.max_instances_per_node is required and must be at least 1")
	check(c.Supervisor.Codec == ipc.CodecNameJSON || c.Supervisor.Codec == ipc.CodecNameMsgpack,
		"supervisor.codec must be %q or %q", ipc.CodecNameJSON, ipc.CodecNameMsgpack)
	check(c.Supervisor.RescheduleDelay > 0, "supervisor.reschedule_delay must be positive")

	check(c.Jobs.CleanAge >= 0, "jobs.clean_age must not be negative")
	check(c.Metrics.Window > 0, "metrics.window must be positive")
	check(c.Metrics.Timeout > 0, "metrics.timeout must be positive")
	if c.Metrics.Enabled {
		check(c.Metrics.Port > 0 && c.Metrics.Port < 65536, "metrics.port is out of range")
	}
	if c.Server.Enabled {
		check(c.Server.Addr != "", "server.addr is required when the server is enabled")
	}
	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	return errors.Join(errs...)
}

// QueueName is the name of the job queue of cluster name.
func (c *Config) QueueName() string { return c.Name + "-worker" }

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
