package thumbnails

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/thumbcache/cache"
	"github.com/hazyhaar/thumbcache/driver"
	"github.com/hazyhaar/thumbcache/screenshot"
)

// Config is the top-level thumbcache configuration.
//
//	stale_after: 10m
//	hash_algorithm: md5
//	next_gen_driver: true
//	cache:   {type: sqlite, path: /var/lib/thumbcache/cache.db}
//	queue:   {path: /var/lib/thumbcache/state.db, concurrency: 2}
//	browser: {remote_url: ws://chrome:9222/devtools/browser/...}
type Config struct {
	Screenshot screenshot.Config `yaml:",inline"`
	Driver     driver.Config     `yaml:",inline"`

	Cache   cache.Config  `yaml:"cache"`
	Queue   QueueConfig   `yaml:"queue"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// QueueConfig controls background computes and the state database that
// holds the queue, metrics and worker heartbeats.
type QueueConfig struct {
	// Path of the state database. Default: thumbcache-state.db.
	Path              string        `yaml:"path"`
	Concurrency       int           `yaml:"concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	Visibility        time.Duration `yaml:"visibility"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WorkerName        string        `yaml:"worker_name"`
}

// MetricsConfig controls compute metrics.
type MetricsConfig struct {
	Disabled      bool          `yaml:"disabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("thumbnails: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero fields of every section.
func (c *Config) ApplyDefaults() {
	c.Screenshot.ApplyDefaults()
	c.Driver.ApplyDefaults()
	c.Cache.ApplyDefaults()

	if c.Queue.Path == "" {
		c.Queue.Path = "thumbcache-state.db"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 2
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = c.Queue.Concurrency
	}
	if c.Queue.Visibility <= 0 {
		// A claim must outlive the slowest capture.
		c.Queue.Visibility = c.Driver.LocateWait + 2*c.Driver.LoadWait + time.Minute
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.RetryDelay <= 0 {
		c.Queue.RetryDelay = 30 * time.Second
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.HeartbeatInterval <= 0 {
		c.Queue.HeartbeatInterval = 15 * time.Second
	}
	if c.Queue.WorkerName == "" {
		c.Queue.WorkerName = "thumbcache"
	}

	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 100
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
	if c.Metrics.Retention <= 0 {
		c.Metrics.Retention = 7 * 24 * time.Hour
	}
}

// Validate reports unusable settings.
func (c *Config) Validate() error {
	if err := c.Screenshot.Validate(); err != nil {
		return err
	}
	switch c.Driver.WebDriver.Type {
	case "chrome", "firefox":
	default:
		return fmt.Errorf("thumbnails: unknown webdriver type %q", c.Driver.WebDriver.Type)
	}
	switch strings.ToLower(c.Cache.Type) {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("thumbnails: unknown cache type %q", c.Cache.Type)
	}
	return nil
}
