// Package lifecycle owns every task state transition. All mutation
// funnels through the store's CAS update, so concurrent writers (a
// worker, the cancel path, the reaper) cannot produce lost updates or
// backward transitions; the loser of a race observes the new state in
// its mutator and aborts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jomapps/taskd/events"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

// ErrInvalidTransition is returned when the record's current state
// forbids the requested transition.
var ErrInvalidTransition = errors.New("state forbids the transition")

// ErrAlreadyTerminal is returned by Cancel for completed or failed tasks.
var ErrAlreadyTerminal = errors.New("task already terminal")

// publishAttempts bounds the best-effort terminal event publication.
const publishAttempts = 3

// RetryDecision tells the worker what to do with its lease after a
// failure: requeue after Delay, or drop (the failure was terminal).
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// CancelOutcome reports how a cancellation request was resolved.
// Pending means the task was running and the revocation set will drive
// the transition; the caller should answer 202.
type CancelOutcome struct {
	Task    *task.Task
	Pending bool
}

// Manager performs state transitions and the bookkeeping attached to
// them: metrics counters and terminal event publication.
type Manager struct {
	store  store.Store
	bus    events.Bus
	router *router.Router
	logger *slog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(s store.Store, bus events.Bus, r *router.Router, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, bus: bus, router: r, logger: logger}
}

// Create persists a freshly submitted record and counts the submission.
func (m *Manager) Create(ctx context.Context, t *task.Task) error {
	if err := m.store.Create(ctx, t); err != nil {
		return err
	}
	m.count(ctx, store.CounterSubmitted, 1)
	return nil
}

// BeginRunning transitions Queued → Running on behalf of a worker.
func (m *Manager) BeginRunning(ctx context.Context, id, workerID string) (*task.Task, error) {
	updated, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != task.StateQueued {
			return fmt.Errorf("%w: %s is %s, not queued", ErrInvalidTransition, t.ID, t.State)
		}
		now := time.Now().UTC()
		t.State = task.StateRunning
		t.WorkerID = workerID
		t.StartedAt = &now
		t.LastHeartbeatAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.count(ctx, store.CounterRunning, 1)
	return updated, nil
}

// Complete transitions Running → Completed and publishes the terminal event.
func (m *Manager) Complete(ctx context.Context, id string, result []byte) (*task.Task, error) {
	updated, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != task.StateRunning {
			return fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, t.ID, t.State)
		}
		now := time.Now().UTC()
		t.State = task.StateCompleted
		t.Result = result
		t.Error = nil
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.count(ctx, store.CounterRunning, -1)
	m.count(ctx, store.CounterCompleted, 1)
	m.clearRevocation(ctx, id)
	m.publishTerminal(ctx, updated)
	return updated, nil
}

// Fail handles an execution failure. Retriable failures within the
// retry budget go back to Queued with attempt incremented and the
// decision tells the worker the redelivery delay; everything else is
// terminal Failed.
func (m *Manager) Fail(ctx context.Context, id string, e task.ErrorInfo) (*task.Task, RetryDecision, error) {
	var retried bool

	updated, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != task.StateRunning {
			return fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, t.ID, t.State)
		}
		policy, _ := m.router.Resolve(t.Type)
		info := e
		t.Error = &info
		if e.Retriable && t.Attempt < policy.MaxRetries {
			retried = true
			t.State = task.StateQueued
			t.Attempt++
			t.WorkerID = ""
			t.StartedAt = nil
			t.LastHeartbeatAt = nil
			return nil
		}
		retried = false
		now := time.Now().UTC()
		t.State = task.StateFailed
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, RetryDecision{}, err
	}

	m.count(ctx, store.CounterRunning, -1)
	if retried {
		m.count(ctx, store.CounterRetried, 1)
		policy, _ := m.router.Resolve(updated.Type)
		return updated, RetryDecision{Retry: true, Delay: router.RetryDelay(policy, updated.Attempt)}, nil
	}
	m.count(ctx, store.CounterFailed, 1)
	m.clearRevocation(ctx, id)
	m.publishTerminal(ctx, updated)
	return updated, RetryDecision{}, nil
}

// MarkEnqueueFailed handles the submit path where the record was
// persisted but the broker refused the entry. Queued → Failed.
func (m *Manager) MarkEnqueueFailed(ctx context.Context, id, message string) (*task.Task, error) {
	updated, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != task.StateQueued {
			return fmt.Errorf("%w: %s is %s, not queued", ErrInvalidTransition, t.ID, t.State)
		}
		now := time.Now().UTC()
		t.State = task.StateFailed
		t.Error = &task.ErrorInfo{Kind: task.KindEnqueueFailed, Message: message, Retriable: false}
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.count(ctx, store.CounterFailed, 1)
	m.clearRevocation(ctx, id)
	m.publishTerminal(ctx, updated)
	return updated, nil
}

// MarkCancelled transitions from the given previous state to
// Cancelled. Used by the worker when it observes revocation, and by
// the cancel path for queued tasks.
func (m *Manager) MarkCancelled(ctx context.Context, id string, prev task.State) (*task.Task, error) {
	updated, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != prev {
			return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, t.ID, t.State, prev)
		}
		now := time.Now().UTC()
		t.State = task.StateCancelled
		t.PreviousState = prev
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if prev == task.StateRunning {
		m.count(ctx, store.CounterRunning, -1)
	}
	m.count(ctx, store.CounterCancelled, 1)
	m.clearRevocation(ctx, id)
	m.publishTerminal(ctx, updated)
	return updated, nil
}

// Cancel resolves a client cancellation request:
//
//	Queued    → Cancelled immediately
//	Running   → revocation set; the worker's watcher drives the CAS
//	Cancelled → idempotent success
//	other terminal → ErrAlreadyTerminal
func (m *Manager) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return CancelOutcome{}, err
	}

	switch rec.State {
	case task.StateCancelled:
		return CancelOutcome{Task: rec}, nil
	case task.StateCompleted, task.StateFailed:
		return CancelOutcome{}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, rec.State)
	}

	// Revoke first so a worker that reserves the entry between our
	// read and the CAS below still observes the cancellation.
	if err := m.store.AddRevocation(ctx, id); err != nil {
		return CancelOutcome{}, err
	}

	if rec.State == task.StateQueued {
		updated, err := m.MarkCancelled(ctx, id, task.StateQueued)
		if err == nil {
			return CancelOutcome{Task: updated}, nil
		}
		if !errors.Is(err, ErrInvalidTransition) {
			return CancelOutcome{}, err
		}
		// Lost the race to a worker; fall through to the running path.
		rec, err = m.store.Get(ctx, id)
		if err != nil {
			return CancelOutcome{}, err
		}
		if rec.State == task.StateCancelled {
			return CancelOutcome{Task: rec}, nil
		}
	}

	return CancelOutcome{Task: rec, Pending: true}, nil
}

// Heartbeat records executor progress on a running task. Advisory:
// failures are reported but never affect execution.
func (m *Manager) Heartbeat(ctx context.Context, id string, progress float64, step string) error {
	_, err := m.store.UpdateAtomically(ctx, id, func(t *task.Task) error {
		if t.State != task.StateRunning {
			return fmt.Errorf("%w: %s is %s, not running", ErrInvalidTransition, t.ID, t.State)
		}
		now := time.Now().UTC()
		t.LastHeartbeatAt = &now
		if progress > 0 {
			t.Progress = progress
		}
		if step != "" {
			t.ProgressStep = step
		}
		return nil
	})
	return err
}

// clearRevocation removes any pending revocation entry once a record
// is terminal. A cancel request that lost the race to a finishing
// worker must not leave its id in the revoked set forever.
func (m *Manager) clearRevocation(ctx context.Context, id string) {
	if err := m.store.ClearRevocation(ctx, id); err != nil {
		m.logger.Warn("Failed to clear revocation", "task_id", id, "error", err)
	}
}

func (m *Manager) count(ctx context.Context, name string, delta int64) {
	if err := m.store.IncrementCounter(ctx, name, delta); err != nil {
		m.logger.Warn("Failed to update counter", "counter", name, "error", err)
	}
}

// publishTerminal publishes the terminal event, best effort with a
// small retry. A permanent failure leaves the record authoritative and
// the status endpoint correct.
func (m *Manager) publishTerminal(ctx context.Context, t *task.Task) {
	ev := &events.TerminalEvent{
		TaskID:      t.ID,
		ProjectID:   t.ProjectID,
		State:       t.State,
		Result:      t.Result,
		Error:       t.Error,
		Metadata:    t.Metadata,
		CallbackURL: t.CallbackURL,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
	}
	if t.FinishedAt != nil {
		ev.FinishedAt = *t.FinishedAt
	}

	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = m.bus.PublishTerminal(ctx, ev); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	m.logger.Error("Failed to publish terminal event",
		"task_id", t.ID, "state", t.State, "error", err)
}
