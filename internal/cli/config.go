package cli

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bbqueue/internal/journal"
	"github.com/ChuLiYu/bbqueue/internal/wrkqmgr"
)

// Config represents the complete server configuration.
// Zero values fall back to the package defaults of journal and wrkqmgr.
type Config struct {
	Hostname string `yaml:"hostname"` // empty means os.Hostname()

	Journal struct {
		Dir               string        `yaml:"dir"`
		RecordSize        int           `yaml:"record_size"`
		SwapThreshold     uint64        `yaml:"swap_threshold"`
		Retries           int           `yaml:"retries"`
		RetryInterval     time.Duration `yaml:"retry_interval"`
		RequireParallelFS bool          `yaml:"require_parallel_fs"`
		RunAsRoot         bool          `yaml:"run_as_root"`
		MaintenanceTries  int           `yaml:"maintenance_attempts"`
		MaintenanceDelay  time.Duration `yaml:"maintenance_delay"`
	} `yaml:"journal"`

	Manager struct {
		AllowedConcurrentHP      int           `yaml:"allowed_concurrent_hp"`
		AllowedConcurrentCancel  int           `yaml:"allowed_concurrent_cancel"`
		ThrottleInterval         time.Duration `yaml:"throttle_interval"`
		BucketRefillInterval     time.Duration `yaml:"bucket_refill_interval"`
		AsyncRequestReadInterval time.Duration `yaml:"async_request_read_interval"`
		AsyncTurbo               *bool         `yaml:"async_turbo"`
		TurboFactor              float64       `yaml:"turbo_factor"`
		TurboClipValue           int           `yaml:"turbo_clip_value"`
		DeclareServerDeadCount   uint64        `yaml:"declare_server_dead_count"`
		HeartbeatInterval        time.Duration `yaml:"heartbeat_interval"`
		DumpOnRemoveWorkItem     bool          `yaml:"dump_on_remove_work_item"`
		DumpOnRemoveInterval     uint64        `yaml:"dump_on_remove_interval"`
		DumpInterval             time.Duration `yaml:"dump_interval"`
		AllowDump                *bool         `yaml:"allow_dump"`
	} `yaml:"manager"`

	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"worker"`

	Snapshot struct {
		Path           string        `yaml:"path"`
		Interval       time.Duration `yaml:"interval"`
		RetentionCount int           `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text or json
	} `yaml:"log"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	if cfg.Hostname == "" {
		if cfg.Hostname, err = os.Hostname(); err != nil {
			return nil, errors.Wrap(err, "failed to determine hostname")
		}
	}
	if cfg.Worker.WorkerCount == 0 {
		cfg.Worker.WorkerCount = 4
	}
	if cfg.Worker.BufferSize == 0 {
		cfg.Worker.BufferSize = 128
	}
	if cfg.Snapshot.RetentionCount == 0 {
		cfg.Snapshot.RetentionCount = 3
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "localhost:50051"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	return &cfg, nil
}

// JournalOptions maps the journal section onto journal.Options.
func (c *Config) JournalOptions() journal.Options {
	opts := journal.Options{
		Dir:                 c.Journal.Dir,
		RecordSize:          c.Journal.RecordSize,
		SwapThreshold:       c.Journal.SwapThreshold,
		Retries:             c.Journal.Retries,
		RetryInterval:       c.Journal.RetryInterval,
		RequireParallelFS:   c.Journal.RequireParallelFS,
		MaintenanceAttempts: c.Journal.MaintenanceTries,
		MaintenanceDelay:    c.Journal.MaintenanceDelay,
	}
	if c.Journal.RunAsRoot {
		opts.Identity = journal.NewRootIdentity()
	}
	return opts
}

// ManagerConfig maps the manager section onto wrkqmgr.Config. Logger,
// Metrics and StatusSink are left for the caller.
func (c *Config) ManagerConfig() wrkqmgr.Config {
	mc := c.Manager
	cfg := wrkqmgr.DefaultConfig()
	cfg.Hostname = c.Hostname
	setInt(&cfg.AllowedConcurrentHP, mc.AllowedConcurrentHP)
	setInt(&cfg.AllowedConcurrentCancel, mc.AllowedConcurrentCancel)
	setDuration(&cfg.ThrottleInterval, mc.ThrottleInterval)
	setDuration(&cfg.BucketRefillInterval, mc.BucketRefillInterval)
	setDuration(&cfg.AsyncRequestReadInterval, mc.AsyncRequestReadInterval)
	setDuration(&cfg.HeartbeatInterval, mc.HeartbeatInterval)
	setDuration(&cfg.DumpInterval, mc.DumpInterval)
	setDuration(&cfg.SnapshotInterval, c.Snapshot.Interval)
	setInt(&cfg.TurboClipValue, mc.TurboClipValue)
	if mc.TurboFactor != 0 {
		cfg.TurboFactor = mc.TurboFactor
	}
	if mc.DeclareServerDeadCount != 0 {
		cfg.DeclareServerDeadCount = mc.DeclareServerDeadCount
	}
	if mc.DumpOnRemoveInterval != 0 {
		cfg.DumpOnRemoveInterval = mc.DumpOnRemoveInterval
	}
	if mc.AsyncTurbo != nil {
		cfg.AsyncTurbo = *mc.AsyncTurbo
	}
	if mc.AllowDump != nil {
		cfg.AllowDump = *mc.AllowDump
	}
	cfg.DumpOnRemoveWorkItem = mc.DumpOnRemoveWorkItem
	return cfg
}

// LogLevel parses log.level, defaulting to info.
func (c *Config) LogLevel() (log.Level, error) {
	if c.Log.Level == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return lvl, errors.Wrap(err, "invalid log level")
	}
	return lvl, nil
}

// Formatter returns the logrus formatter selected by log.format.
func (c *Config) Formatter() (log.Formatter, error) {
	switch c.Log.Format {
	case "", "text":
		return &log.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &log.JSONFormatter{}, nil
	}
	return nil, errors.Errorf("invalid log format %q", c.Log.Format)
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
