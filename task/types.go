// Package task defines the task record, its lifecycle states, and the
// error-kind taxonomy shared by every component of the dispatch plane.
// The record stored here is authoritative; queue entries only carry ids.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task record.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Priority orders entries within a queue. Lower value wins.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire name to a Priority. Empty or unknown
// names map to (PriorityNormal, false) and (PriorityNormal, true)
// respectively so callers can distinguish omission from typos.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	}
	return PriorityNormal, false
}

// ErrorKind classifies a task failure. Kinds are data, not Go error
// types; they travel in records and webhook envelopes.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindEnqueueFailed     ErrorKind = "enqueue_failed"
	KindExecutorTransient ErrorKind = "executor_transient"
	KindExecutorPermanent ErrorKind = "executor_permanent"
	KindTimeout           ErrorKind = "timeout"
	KindAbandoned         ErrorKind = "abandoned"
	KindCancelled         ErrorKind = "cancelled"
)

// ErrorInfo is the terminal failure envelope stored on a record.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// Task is the authoritative record for one unit of work.
type Task struct {
	ID         string          `json:"task_id"`
	ProjectID  string          `json:"project_id"`
	Type       string          `json:"task_type"`
	Input      json.RawMessage `json:"input"`
	Priority   Priority        `json:"priority"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`

	State   State           `json:"state"`
	// PreviousState is set when a task is cancelled, recording where
	// it was cancelled from.
	PreviousState State `json:"previous_state,omitempty"`
	Attempt       int   `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`

	// Advisory progress reported through the executor's sink.
	Progress     float64 `json:"progress,omitempty"`
	ProgressStep string  `json:"progress_step,omitempty"`

	// WorkerID is set while the task is running.
	WorkerID string `json:"worker_id,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	TTLExpiresAt    time.Time  `json:"ttl_expires_at"`

	// Version backs the store's compare-and-swap. Never set by callers.
	Version uint64 `json:"version"`
}

// Terminal reports whether the record is in a terminal state.
func (t *Task) Terminal() bool {
	return t.State.Terminal()
}

// NewID returns a fresh v4 UUID task id.
func NewID() string {
	return uuid.NewString()
}

// New builds a freshly submitted record in the Queued state.
func New(projectID, taskType string, input json.RawMessage, prio Priority, ttl time.Duration) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           NewID(),
		ProjectID:    projectID,
		Type:         taskType,
		Input:        input,
		Priority:     prio,
		State:        StateQueued,
		CreatedAt:    now,
		TTLExpiresAt: now.Add(ttl),
	}
}
