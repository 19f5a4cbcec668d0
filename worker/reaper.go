package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

// reapInterval is how often the reaper scans the running index.
const reapInterval = 60 * time.Second

// Reaper detects abandoned tasks: records stuck in Running whose
// holder stopped heartbeating, typically after a worker crash. It
// fails them as abandoned and, within the retry budget, requeues them.
// Safe to run on every API node; the store's CAS makes concurrent
// reapers settle each record exactly once.
type Reaper struct {
	store     store.Store
	broker    broker.Broker
	lifecycle *lifecycle.Manager
	router    *router.Router
	logger    *slog.Logger
	interval  time.Duration
}

// NewReaper wires a reaper.
func NewReaper(s store.Store, b broker.Broker, lm *lifecycle.Manager, r *router.Router, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:     s,
		broker:    b,
		lifecycle: lm,
		router:    r,
		logger:    logger,
		interval:  reapInterval,
	}
}

// Run scans until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep fails every stale running record it finds.
func (r *Reaper) sweep(ctx context.Context) {
	ids, err := r.store.RunningTaskIDs(ctx)
	if err != nil {
		r.logger.Warn("Reaper scan failed", "error", err)
		return
	}
	for _, id := range ids {
		r.reapOne(ctx, id)
	}
}

func (r *Reaper) reapOne(ctx context.Context, id string) {
	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn("Reaper read failed", "task_id", id, "error", err)
		return
	}
	if rec.State != task.StateRunning {
		return
	}

	policy, _ := r.router.Resolve(rec.Type)
	last := rec.StartedAt
	if rec.LastHeartbeatAt != nil {
		last = rec.LastHeartbeatAt
	}
	if last == nil || time.Since(*last) < policy.StalenessBound() {
		return
	}

	updated, decision, err := r.lifecycle.Fail(ctx, id, task.ErrorInfo{
		Kind:      task.KindAbandoned,
		Message:   "worker stopped heartbeating",
		Retriable: true,
	})
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		// A concurrent writer settled the record first.
		return
	}
	if err != nil {
		r.logger.Warn("Reaper failed to settle task", "task_id", id, "error", err)
		return
	}

	r.logger.Warn("Reaped abandoned task",
		"task_id", id,
		"task_type", rec.Type,
		"worker_id", rec.WorkerID,
		"retry", decision.Retry)

	// The crashed worker's lease died with it, so a retry needs a
	// fresh entry. The record already waited out the staleness bound;
	// the usual retry delay adds nothing.
	if decision.Retry {
		entry := broker.Entry{TaskID: id, Attempt: updated.Attempt, EnqueuedAt: time.Now().UTC()}
		if err := r.broker.Enqueue(ctx, policy.Queue, entry, updated.Priority); err != nil {
			r.logger.Error("Failed to requeue reaped task", "task_id", id, "error", err)
			if _, err := r.lifecycle.MarkEnqueueFailed(ctx, id, "requeue after abandonment failed"); err != nil {
				r.logger.Error("Failed to mark requeue failure", "task_id", id, "error", err)
			}
		}
	}
}
