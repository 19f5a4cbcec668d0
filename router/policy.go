package router

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of a policy override file. Rows are
// keyed by task type; omitted fields inherit from the shipped default
// row for that type, or from the "default" row for new types.
type policyFile struct {
	TaskTypes map[string]policyRow `yaml:"task_types"`
}

type policyRow struct {
	Queue             string `yaml:"queue"`
	HardTimeout       string `yaml:"hard_timeout"`
	SoftTimeout       string `yaml:"soft_timeout"`
	MaxRetries        *int   `yaml:"max_retries"`
	RetryInitialDelay string `yaml:"retry_initial_delay"`
	DefaultPriority   string `yaml:"default_priority"`
}

// LoadTable reads a policy file and overlays it onto the shipped
// defaults, returning the merged table.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parseTable(data)
}

func parseTable(data []byte) (Table, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	table := DefaultTable()
	for name, row := range file.TaskTypes {
		base, ok := table[name]
		if !ok {
			base = table[DefaultType]
		}
		if row.Queue != "" {
			base.Queue = row.Queue
		}
		if row.HardTimeout != "" {
			d, err := time.ParseDuration(row.HardTimeout)
			if err != nil {
				return nil, fmt.Errorf("task type %q: hard_timeout: %w", name, err)
			}
			base.HardTimeout = d
		}
		if row.SoftTimeout != "" {
			d, err := time.ParseDuration(row.SoftTimeout)
			if err != nil {
				return nil, fmt.Errorf("task type %q: soft_timeout: %w", name, err)
			}
			base.SoftTimeout = d
		}
		if row.MaxRetries != nil {
			base.MaxRetries = *row.MaxRetries
		}
		if row.RetryInitialDelay != "" {
			d, err := time.ParseDuration(row.RetryInitialDelay)
			if err != nil {
				return nil, fmt.Errorf("task type %q: retry_initial_delay: %w", name, err)
			}
			base.RetryInitialDelay = d
		}
		if row.DefaultPriority != "" {
			base.DefaultPriority = row.DefaultPriority
		}
		table[name] = base
	}

	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}
