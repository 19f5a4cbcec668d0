// Package store provides durable task persistence: the authoritative
// task records, the per-project index, atomic metrics counters, and the
// revocation set. The production implementation is Redis-backed.
package store

import (
	"context"
	"errors"

	"github.com/jomapps/taskd/task"
)

// Common store errors.
var (
	// ErrNotFound is returned when a task record does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrConflict is returned when a CAS update could not be applied
	// within the retry bound.
	ErrConflict = errors.New("concurrent update conflict")
)

// Counter names. These are the durable, cluster-wide counters; rates
// are always derived, never stored.
const (
	CounterSubmitted = "total_submitted"
	CounterCompleted = "completed"
	CounterFailed    = "failed"
	CounterRetried   = "retried"
	CounterCancelled = "cancelled"
	CounterRunning   = "currently_running"
)

// Counters is a point-in-time snapshot of the metrics counters.
type Counters struct {
	TotalSubmitted   int64 `json:"total_submitted"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	Retried          int64 `json:"retried"`
	Cancelled        int64 `json:"cancelled"`
	CurrentlyRunning int64 `json:"currently_running"`
}

// Filter narrows a project listing.
type Filter struct {
	State task.State
	Type  string
}

// Page selects a page of a project listing.
type Page struct {
	Number int
	Limit  int
}

// Pagination describes the page that was returned.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// Store is the durable task store. All record mutation goes through
// UpdateAtomically; the mutator is applied to a fresh copy and the
// write succeeds only if no concurrent update intervened. Returning an
// error from the mutator aborts the update without writing.
type Store interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	UpdateAtomically(ctx context.Context, id string, mutate func(*task.Task) error) (*task.Task, error)
	ListByProject(ctx context.Context, projectID string, f Filter, p Page) ([]*task.Task, Pagination, error)

	IncrementCounter(ctx context.Context, name string, delta int64) error
	ReadCounters(ctx context.Context) (Counters, error)

	AddRevocation(ctx context.Context, id string) error
	IsRevoked(ctx context.Context, id string) (bool, error)
	ClearRevocation(ctx context.Context, id string) error

	// RunningTaskIDs returns the ids currently indexed as running.
	// Used by the reaper and the health evaluator.
	RunningTaskIDs(ctx context.Context) ([]string, error)

	Close() error
}
