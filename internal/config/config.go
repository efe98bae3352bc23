// Package config decodes chronicle.yaml into a Config, covering every
// queue.*/checkpoint.*/consumer.*/corruption.* key enumerated in spec.md §6
// plus the administrative and per-database DSNs a running process needs
// that the original specification treats as out-of-scope "process lifecycle
// wiring" (§1) but which must still exist as data.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue covers spec.md §6's queue.* keys.
type Queue struct {
	Path          string `yaml:"path"`
	RollCycle     string `yaml:"roll_cycle"`      // Hourly | Daily | LargeHourly
	OffsetTable   string `yaml:"offset_table"`    // default queue_offsets
	ReplayOnStart bool   `yaml:"replay_on_start"` // default true
	SegmentBytes  int    `yaml:"segment_bytes"`   // 0 means use the package default
	CacheName     string `yaml:"cache_name"`
}

// Checkpoint covers spec.md §6's checkpoint.* keys.
type Checkpoint struct {
	IntervalMS int `yaml:"interval_ms"` // default 60000
}

// Consumer covers spec.md §6's consumer.* keys.
type Consumer struct {
	ID              string `yaml:"id"`
	BatchBackoffMS  int    `yaml:"batch_backoff_ms"` // default 100
	DegradeAfter    int    `yaml:"degrade_after"`    // consecutive failures before degraded mode
}

// Corruption covers spec.md §6's corruption.* keys.
type Corruption struct {
	SkipMaxRuntime  int `yaml:"skip_max_runtime"`  // default 100
	SkipMaxStartup  int `yaml:"skip_max_startup"`  // default 10000
}

// DSN is a single database connection string, named for clarity in YAML.
type DSN struct {
	URL string `yaml:"url"`
}

// Config is the root document decoded from chronicle.yaml.
type Config struct {
	Queue      Queue             `yaml:"queue"`
	Checkpoint Checkpoint        `yaml:"checkpoint"`
	Consumer   Consumer          `yaml:"consumer"`
	Corruption Corruption        `yaml:"corruption"`
	Catalog    string            `yaml:"catalog_path"`
	Admin      DSN               `yaml:"admin"`
	Databases  map[string]DSN    `yaml:"databases"`
	MetricsAddr string           `yaml:"metrics_addr"`
}

// Load reads and decodes path, applies defaults, then layers environment
// overrides on top, matching the small ops-focused Go services in the
// retrieval pack that decode-then-override rather than binding env vars
// directly into struct tags.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	// ReplayOnStart defaults to true; set it before decoding so an explicit
	// "replay_on_start: false" in the file still wins.
	c := Config{Queue: Queue{ReplayOnStart: true}}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	c.applyDefaults()
	c.applyEnv()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.RollCycle == "" {
		c.Queue.RollCycle = "Daily"
	}
	if c.Queue.OffsetTable == "" {
		c.Queue.OffsetTable = "queue_offsets"
	}
	if c.Queue.CacheName == "" {
		c.Queue.CacheName = "chronicle"
	}
	if c.Checkpoint.IntervalMS == 0 {
		c.Checkpoint.IntervalMS = 60_000
	}
	if c.Consumer.BatchBackoffMS == 0 {
		c.Consumer.BatchBackoffMS = 100
	}
	if c.Consumer.ID == "" {
		c.Consumer.ID = "chronicle-applier"
	}
	if c.Consumer.DegradeAfter == 0 {
		c.Consumer.DegradeAfter = 10
	}
	if c.Corruption.SkipMaxRuntime == 0 {
		c.Corruption.SkipMaxRuntime = 100
	}
	if c.Corruption.SkipMaxStartup == 0 {
		c.Corruption.SkipMaxStartup = 10_000
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHRONICLE_QUEUE_PATH"); v != "" {
		c.Queue.Path = v
	}
	if v := os.Getenv("CHRONICLE_ROLL_CYCLE"); v != "" {
		c.Queue.RollCycle = v
	}
	if v := os.Getenv("CHRONICLE_ADMIN_DSN"); v != "" {
		c.Admin.URL = v
	}
	if v := os.Getenv("CHRONICLE_CATALOG_PATH"); v != "" {
		c.Catalog = v
	}
	if v := os.Getenv("CHRONICLE_CHECKPOINT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Checkpoint.IntervalMS = n
		}
	}
}

// CheckpointInterval returns Checkpoint.IntervalMS as a time.Duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Checkpoint.IntervalMS) * time.Millisecond
}

// BatchBackoff returns Consumer.BatchBackoffMS as a time.Duration.
func (c Config) BatchBackoff() time.Duration {
	return time.Duration(c.Consumer.BatchBackoffMS) * time.Millisecond
}
