package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigFile is the default name of the config file.
const ConfigFile = "taskd.yaml"

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (explicit path, or taskd.yaml in the working directory)
// 3. Environment variables
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		if _, err := os.Stat(ConfigFile); err == nil {
			path = ConfigFile
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
		config.Merge(fileConfig)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyEnv overlays environment variables onto the config. Variable
// names follow the deployment convention (API_HOST, STORE_URL, ...).
func (l *Loader) applyEnv(c *Config) {
	if v := os.Getenv("API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		} else {
			l.logger.Warn("Ignoring invalid API_PORT", slog.String("value", v))
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := os.Getenv("WORKER_QUEUES"); v != "" {
		var queues []string
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); q != "" {
				queues = append(queues, q)
			}
		}
		if len(queues) > 0 {
			c.Worker.Queues = queues
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		} else {
			l.logger.Warn("Ignoring invalid WORKER_CONCURRENCY", slog.String("value", v))
		}
	}
	if v := os.Getenv("WORKER_RECYCLE_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.RecycleAfter = n
		} else {
			l.logger.Warn("Ignoring invalid WORKER_RECYCLE_AFTER", slog.String("value", v))
		}
	}
	if v := os.Getenv("TASK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Task.TTL = time.Duration(n) * time.Second
		} else {
			l.logger.Warn("Ignoring invalid TASK_TTL_SECONDS", slog.String("value", v))
		}
	}
	if v := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.Timeout = time.Duration(n) * time.Second
		} else {
			l.logger.Warn("Ignoring invalid WEBHOOK_TIMEOUT_SECONDS", slog.String("value", v))
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Webhook.MaxAttempts = n
		} else {
			l.logger.Warn("Ignoring invalid WEBHOOK_MAX_ATTEMPTS", slog.String("value", v))
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}
