package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Modules that can be selected with the modules option.
var KnownModules = []string{"scheduler", "worker", "reporter", "api"}

// Config represents momo configuration options
type Config struct {
	// NatsURL is the NATS server the modules talk through
	NatsURL string `yaml:"nats_url"`

	// LogLevel sets the logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// Modules lists the modules to run, or "all"
	Modules []string `yaml:"modules"`

	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reporter  ReporterConfig  `yaml:"reporter"`
}

type APIConfig struct {
	Port string `yaml:"port"`
}

// WorkerConfig configures task execution on this node
type WorkerConfig struct {
	// NodeID identifies the worker in logs; generated when empty
	NodeID string `yaml:"node_id"`

	// AdvertiseURL is the base of the location published in task snapshots
	AdvertiseURL string `yaml:"advertise_url"`

	// Concurrency is the number of splits a task may run at once
	Concurrency int `yaml:"concurrency"`

	// SplitInterval is the time between two execution steps
	SplitInterval time.Duration `yaml:"split_interval"`

	// Retention is how long a finished task is kept; zero keeps it forever
	Retention time.Duration `yaml:"retention"`
}

type SchedulerConfig struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// StrictInvariants drops status snapshots whose counters are inconsistent
	StrictInvariants bool `yaml:"strict_invariants"`

	// Retention is how long a finished query is tracked; zero keeps it forever
	Retention time.Duration `yaml:"retention"`
}

type ReporterConfig struct {
	PublishInterval time.Duration `yaml:"publish_interval"`

	// Retention is how long metrics of a finished query are kept
	Retention time.Duration `yaml:"retention"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		NatsURL:  "nats://127.0.0.1:4222",
		LogLevel: "info",
		Modules:  []string{"all"},
		API:      APIConfig{Port: "8080"},
		Worker: WorkerConfig{
			AdvertiseURL:  "http://localhost:8080",
			Concurrency:   2,
			SplitInterval: time.Second,
			Retention:     24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			DispatchInterval: time.Second,
			Retention:        24 * time.Hour,
		},
		Reporter: ReporterConfig{
			PublishInterval: time.Minute,
			Retention:       24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in generated values.
func (c *Config) Validate() error {
	if c.NatsURL == "" {
		return fmt.Errorf("nats_url is required")
	}
	if _, err := c.ModulesToRun(); err != nil {
		return err
	}
	if c.API.Port == "" {
		return fmt.Errorf("api.port is required")
	}

	u, err := url.Parse(c.Worker.AdvertiseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("worker.advertise_url %q must be an absolute URL", c.Worker.AdvertiseURL)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.SplitInterval <= 0 {
		return fmt.Errorf("worker.split_interval must be positive")
	}
	if c.Scheduler.DispatchInterval <= 0 {
		return fmt.Errorf("scheduler.dispatch_interval must be positive")
	}
	if c.Reporter.PublishInterval <= 0 {
		return fmt.Errorf("reporter.publish_interval must be positive")
	}
	if c.Worker.Retention < 0 || c.Scheduler.Retention < 0 || c.Reporter.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}

	if c.Worker.NodeID == "" {
		c.Worker.NodeID = uuid.NewString()
	}
	return nil
}

// ModulesToRun expands "all" and rejects unknown module names.
func (c *Config) ModulesToRun() ([]string, error) {
	if len(c.Modules) == 0 {
		return nil, fmt.Errorf("no modules selected")
	}

	var out []string
	for _, m := range c.Modules {
		m = strings.TrimSpace(m)
		if m == "all" {
			return append([]string{}, KnownModules...), nil
		}
		known := false
		for _, k := range KnownModules {
			if k == m {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown module %q", m)
		}
		out = append(out, m)
	}
	return out, nil
}
