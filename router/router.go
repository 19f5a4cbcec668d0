// Package router maps task types to queues and execution policies.
// The table is static configuration loaded at startup; a YAML policy
// file may override the shipped defaults and is hot-reloaded on change.
package router

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// DefaultType is the fallback row applied to unregistered task types.
const DefaultType = "default"

// Policy is the execution policy for one task type.
type Policy struct {
	Queue             string        `yaml:"queue"`
	HardTimeout       time.Duration `yaml:"hard_timeout"`
	SoftTimeout       time.Duration `yaml:"soft_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	DefaultPriority   string        `yaml:"default_priority"`
}

// StalenessBound is how long a running record may go without a
// heartbeat or state change before the reaper fails it as abandoned.
func (p Policy) StalenessBound() time.Duration {
	return 2 * p.HardTimeout
}

// Table maps taskType to policy. It always contains a DefaultType row.
type Table map[string]Policy

// DefaultTable returns the shipped routing table.
func DefaultTable() Table {
	return Table{
		"generate_video": {
			Queue:             "gpu_heavy",
			HardTimeout:       600 * time.Second,
			SoftTimeout:       540 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "high",
		},
		"generate_image": {
			Queue:             "gpu_medium",
			HardTimeout:       300 * time.Second,
			SoftTimeout:       270 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "normal",
		},
		"process_audio": {
			Queue:             "cpu_intensive",
			HardTimeout:       600 * time.Second,
			SoftTimeout:       540 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "normal",
		},
		"evaluate_department": {
			Queue:             "cpu_intensive",
			HardTimeout:       300 * time.Second,
			SoftTimeout:       270 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "high",
		},
		"automated_gather_creation": {
			Queue:             "cpu_intensive",
			HardTimeout:       600 * time.Second,
			SoftTimeout:       540 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "high",
		},
		DefaultType: {
			Queue:             "default",
			HardTimeout:       120 * time.Second,
			SoftTimeout:       110 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: 60 * time.Second,
			DefaultPriority:   "normal",
		},
	}
}

// Validate checks the table for completeness.
func (t Table) Validate() error {
	if _, ok := t[DefaultType]; !ok {
		return fmt.Errorf("routing table missing %q row", DefaultType)
	}
	for name, p := range t {
		if p.Queue == "" {
			return fmt.Errorf("task type %q: queue is required", name)
		}
		if p.HardTimeout <= 0 {
			return fmt.Errorf("task type %q: hard_timeout must be positive", name)
		}
		if p.SoftTimeout <= 0 || p.SoftTimeout > p.HardTimeout {
			return fmt.Errorf("task type %q: soft_timeout must be positive and not exceed hard_timeout", name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("task type %q: max_retries must not be negative", name)
		}
		if p.RetryInitialDelay <= 0 {
			return fmt.Errorf("task type %q: retry_initial_delay must be positive", name)
		}
	}
	return nil
}

// Queues returns the distinct queue names in the table.
func (t Table) Queues() []string {
	seen := make(map[string]bool)
	var queues []string
	for _, p := range t {
		if !seen[p.Queue] {
			seen[p.Queue] = true
			queues = append(queues, p.Queue)
		}
	}
	return queues
}

// Router resolves task types to policies. Safe for concurrent use;
// Reload swaps the whole table atomically.
type Router struct {
	table atomic.Value // Table
}

// New creates a router over the given table.
func New(table Table) (*Router, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	r := &Router{}
	r.table.Store(table)
	return r, nil
}

// Resolve returns the policy for taskType, falling back to the default
// row. The second result reports whether the type is registered.
func (r *Router) Resolve(taskType string) (Policy, bool) {
	table := r.table.Load().(Table)
	if p, ok := table[taskType]; ok {
		return p, true
	}
	return table[DefaultType], false
}

// Known reports whether taskType is a registered type (the default row
// does not count as registered).
func (r *Router) Known(taskType string) bool {
	if taskType == DefaultType {
		return false
	}
	table := r.table.Load().(Table)
	_, ok := table[taskType]
	return ok
}

// TaskTypes returns the registered task types, excluding the default row.
func (r *Router) TaskTypes() []string {
	table := r.table.Load().(Table)
	types := make([]string, 0, len(table)-1)
	for name := range table {
		if name != DefaultType {
			types = append(types, name)
		}
	}
	return types
}

// Queues returns the distinct queue names in the current table.
func (r *Router) Queues() []string {
	return r.table.Load().(Table).Queues()
}

// Reload validates and swaps in a new table.
func (r *Router) Reload(table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	r.table.Store(table)
	return nil
}

// maxRetryDelay caps the exponential retry schedule.
const maxRetryDelay = 600 * time.Second

// retryJitter is the ± fraction applied to each computed delay.
const retryJitter = 0.10

// RetryDelay computes the delay before retry attempt n (1-based):
// initial × 2^(n−1), capped at 600s, with ±10% jitter.
func RetryDelay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.RetryInitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := 1 + retryJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}
