// Package config provides configuration loading and management for taskd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskd configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	Broker  BrokerConfig  `yaml:"broker"`
	Worker  WorkerConfig  `yaml:"worker"`
	Webhook WebhookConfig `yaml:"webhook"`
	Task    TaskConfig    `yaml:"task"`
	Router  RouterConfig  `yaml:"router"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	// Host is the listen address (default: 0.0.0.0)
	Host string `yaml:"host"`
	// Port is the listen port (default: 8001)
	Port int `yaml:"port"`
	// Key is the shared API key required on every request
	Key string `yaml:"key"`
	// ShutdownTimeout bounds graceful drain on SIGTERM
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures the Redis-backed task store.
type StoreConfig struct {
	// URL is the Redis connection URL (e.g. redis://localhost:6379/0)
	URL string `yaml:"url"`
	// KeyPrefix namespaces all store keys (default: taskd)
	KeyPrefix string `yaml:"key_prefix"`
}

// BrokerConfig configures the JetStream-backed broker.
type BrokerConfig struct {
	// URL is the NATS server URL. Empty selects the in-memory broker
	// and event bus (dev mode).
	URL string `yaml:"url"`
	// ReserveWait bounds how long a reserve call long-polls when idle
	ReserveWait time.Duration `yaml:"reserve_wait"`
	// LeasePeriod is the broker ack wait; workers renew at a third of it
	LeasePeriod time.Duration `yaml:"lease_period"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// ID identifies this worker; defaults to hostname-pid
	ID string `yaml:"id"`
	// Queues is the subset of queues this worker consumes
	Queues []string `yaml:"queues"`
	// Concurrency is the number of simultaneously running tasks (default: 4)
	Concurrency int `yaml:"concurrency"`
	// RecycleAfter is the number of completed tasks before a clean exit (default: 10)
	RecycleAfter int `yaml:"recycle_after"`
	// MemoryLimitMB is the process memory ceiling in MiB (default: 2048)
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

// WebhookConfig configures terminal webhook delivery.
type WebhookConfig struct {
	// Timeout is the per-attempt HTTP timeout (default: 30s)
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts is the total number of delivery attempts (default: 4)
	MaxAttempts int `yaml:"max_attempts"`
	// Concurrency bounds the delivery pool (default: 8)
	Concurrency int `yaml:"concurrency"`
}

// TaskConfig configures record handling.
type TaskConfig struct {
	// TTL is the record lifetime from creation; terminal records evict
	// after it elapses (default: 24h)
	TTL time.Duration `yaml:"ttl"`
	// InputMaxBytes bounds the submitted payload size (default: 256 KiB)
	InputMaxBytes int `yaml:"input_max_bytes"`
}

// RouterConfig configures routing-policy loading.
type RouterConfig struct {
	// PolicyFile is an optional YAML file overriding the built-in
	// routing table. Watched for changes when set.
	PolicyFile string `yaml:"policy_file"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            8001,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "taskd",
		},
		Broker: BrokerConfig{
			URL:         "",
			ReserveWait: 2 * time.Second,
			LeasePeriod: 90 * time.Second,
		},
		Worker: WorkerConfig{
			Queues:        []string{"default"},
			Concurrency:   4,
			RecycleAfter:  10,
			MemoryLimitMB: 2048,
		},
		Webhook: WebhookConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 4,
			Concurrency: 8,
		},
		Task: TaskConfig{
			TTL:           24 * time.Hour,
			InputMaxBytes: 256 << 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	if c.API.Key == "" {
		return fmt.Errorf("api.key is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker.queues must name at least one queue")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if c.Task.TTL <= 0 {
		return fmt.Errorf("task.ttl must be positive")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.API.Host != "" {
		c.API.Host = other.API.Host
	}
	if other.API.Port != 0 {
		c.API.Port = other.API.Port
	}
	if other.API.Key != "" {
		c.API.Key = other.API.Key
	}
	if other.API.ShutdownTimeout != 0 {
		c.API.ShutdownTimeout = other.API.ShutdownTimeout
	}
	if other.Store.URL != "" {
		c.Store.URL = other.Store.URL
	}
	if other.Store.KeyPrefix != "" {
		c.Store.KeyPrefix = other.Store.KeyPrefix
	}
	if other.Broker.URL != "" {
		c.Broker.URL = other.Broker.URL
	}
	if other.Broker.ReserveWait != 0 {
		c.Broker.ReserveWait = other.Broker.ReserveWait
	}
	if other.Broker.LeasePeriod != 0 {
		c.Broker.LeasePeriod = other.Broker.LeasePeriod
	}
	if other.Worker.ID != "" {
		c.Worker.ID = other.Worker.ID
	}
	if len(other.Worker.Queues) > 0 {
		c.Worker.Queues = other.Worker.Queues
	}
	if other.Worker.Concurrency != 0 {
		c.Worker.Concurrency = other.Worker.Concurrency
	}
	if other.Worker.RecycleAfter != 0 {
		c.Worker.RecycleAfter = other.Worker.RecycleAfter
	}
	if other.Worker.MemoryLimitMB != 0 {
		c.Worker.MemoryLimitMB = other.Worker.MemoryLimitMB
	}
	if other.Webhook.Timeout != 0 {
		c.Webhook.Timeout = other.Webhook.Timeout
	}
	if other.Webhook.MaxAttempts != 0 {
		c.Webhook.MaxAttempts = other.Webhook.MaxAttempts
	}
	if other.Webhook.Concurrency != 0 {
		c.Webhook.Concurrency = other.Webhook.Concurrency
	}
	if other.Task.TTL != 0 {
		c.Task.TTL = other.Task.TTL
	}
	if other.Task.InputMaxBytes != 0 {
		c.Task.InputMaxBytes = other.Task.InputMaxBytes
	}
	if other.Router.PolicyFile != "" {
		c.Router.PolicyFile = other.Router.PolicyFile
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
