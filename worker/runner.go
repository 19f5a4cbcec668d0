package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/executor"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

const (
	// renewalInterval paces lease renewal and liveness heartbeats
	// while a task runs. Must be well under the broker lease period.
	renewalInterval = 30 * time.Second

	// revocationPollInterval bounds how long a running task keeps
	// going after a client cancellation.
	revocationPollInterval = 2 * time.Second

	// hardKillGrace is how long the runner waits for the executor to
	// return after the hard deadline fires. An executor that ignores
	// its context past this point has leaked a goroutine and the
	// process must recycle.
	hardKillGrace = 10 * time.Second

	// heartbeatMinInterval throttles progress writes from chatty
	// executors.
	heartbeatMinInterval = time.Second
)

// ErrWedged reports an executor that ignored its hard deadline. The
// process cannot reclaim the goroutine and must exit.
var ErrWedged = errors.New("executor ignored hard deadline")

// errRevoked is the cancellation cause used when the revocation
// watcher stops a running task.
var errRevoked = errors.New("task revoked")

// runner drives the execution protocol for one reserved lease.
type runner struct {
	workerID  string
	store     store.Store
	lifecycle *lifecycle.Manager
	router    *router.Router
	registry  *executor.Registry
	logger    *slog.Logger
}

// handle runs one lease to completion. The returned error is nil for
// every normal outcome, including task failure; only conditions that
// require the process to recycle are reported.
func (r *runner) handle(ctx context.Context, lease broker.Lease) error {
	entry := lease.Entry()
	log := r.logger.With("task_id", entry.TaskID, "worker_id", r.workerID)

	rec, err := r.store.Get(ctx, entry.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Record evicted by TTL while the entry sat in the queue.
		log.Info("Dropping entry for evicted task")
		return ackDrop(ctx, lease, log)
	}
	if err != nil {
		// Store unreachable; give the entry back for a later attempt.
		return nackRequeue(ctx, lease, 0, log)
	}

	if rec.Terminal() {
		log.Info("Dropping entry for terminal task", "state", rec.State)
		return ackDrop(ctx, lease, log)
	}
	if rec.State == task.StateRunning {
		// A redelivery racing a live holder, or an abandoned record
		// the reaper will requeue. Either way this entry is dead.
		log.Info("Dropping redelivered entry for running task")
		return ackDrop(ctx, lease, log)
	}

	if revoked, err := r.store.IsRevoked(ctx, entry.TaskID); err == nil && revoked {
		if _, err := r.lifecycle.MarkCancelled(ctx, entry.TaskID, task.StateQueued); err != nil &&
			!errors.Is(err, lifecycle.ErrInvalidTransition) {
			log.Warn("Failed to cancel revoked task", "error", err)
		}
		return ackDrop(ctx, lease, log)
	}

	rec, err = r.lifecycle.BeginRunning(ctx, entry.TaskID, r.workerID)
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return ackDrop(ctx, lease, log)
	}
	if err != nil {
		return nackRequeue(ctx, lease, 0, log)
	}

	policy, _ := r.router.Resolve(rec.Type)
	return r.execute(ctx, lease, rec, policy, log)
}

// execute runs the executor under the policy's deadlines with lease
// renewal and revocation watching, then settles record and lease from
// the outcome.
func (r *runner) execute(ctx context.Context, lease broker.Lease, rec *task.Task, policy router.Policy, log *slog.Logger) error {
	ex, ok := r.registry.Lookup(rec.Type)
	if !ok {
		_, _, err := r.lifecycle.Fail(ctx, rec.ID, task.ErrorInfo{
			Kind:      task.KindExecutorPermanent,
			Message:   fmt.Sprintf("no executor for task type %q", rec.Type),
			Retriable: false,
		})
		if err != nil {
			log.Error("Failed to record missing executor", "error", err)
		}
		return ackDrop(ctx, lease, log)
	}

	// The task context deliberately does not descend from ctx: a pool
	// drain must let in-flight work finish under its own deadlines.
	started := time.Now()
	runCtx, cancelDeadline := context.WithDeadline(context.Background(), started.Add(policy.HardTimeout))
	defer cancelDeadline()
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)
	runCtx = executor.WithSoftDeadline(runCtx, started.Add(policy.SoftTimeout))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.renewLoop(runCtx, lease, rec.ID, log)
	}()
	go func() {
		defer wg.Done()
		r.revocationLoop(runCtx, rec.ID, cancelCause, log)
	}()

	outcomes := make(chan executor.Outcome, 1)
	go func() {
		sink := &heartbeatSink{runner: r, taskID: rec.ID}
		outcomes <- ex.Run(runCtx, executor.Request{
			TaskID:    rec.ID,
			ProjectID: rec.ProjectID,
			Type:      rec.Type,
			Input:     rec.Input,
			Attempt:   rec.Attempt,
			Metadata:  rec.Metadata,
		}, sink)
	}()

	var outcome executor.Outcome
	select {
	case outcome = <-outcomes:
	case <-runCtx.Done():
		select {
		case outcome = <-outcomes:
		case <-time.After(hardKillGrace):
			cancelCause(nil)
			wg.Wait()
			r.settleWedged(ctx, lease, rec.ID, log)
			return fmt.Errorf("%w: task %s type %s", ErrWedged, rec.ID, rec.Type)
		}
	}
	cancelCause(nil)
	wg.Wait()

	return r.settle(ctx, lease, rec.ID, outcome, log)
}

// settle applies the outcome to the record and finishes the lease.
func (r *runner) settle(ctx context.Context, lease broker.Lease, id string, outcome executor.Outcome, log *slog.Logger) error {
	switch {
	case outcome.Cancelled:
		if _, err := r.lifecycle.MarkCancelled(ctx, id, task.StateRunning); err != nil {
			log.Error("Failed to mark task cancelled", "error", err)
		}
		return ackDrop(ctx, lease, log)

	case outcome.Err != nil:
		_, decision, err := r.lifecycle.Fail(ctx, id, *outcome.Err)
		if err != nil {
			log.Error("Failed to record task failure", "error", err)
			return ackDrop(ctx, lease, log)
		}
		if decision.Retry {
			log.Info("Requeueing task for retry", "delay", decision.Delay, "kind", outcome.Err.Kind)
			return nackRequeue(ctx, lease, decision.Delay, log)
		}
		log.Info("Task failed terminally", "kind", outcome.Err.Kind)
		return ackDrop(ctx, lease, log)

	default:
		if _, err := r.lifecycle.Complete(ctx, id, outcome.Result); err != nil {
			log.Error("Failed to record task completion", "error", err)
		}
		return ackDrop(ctx, lease, log)
	}
}

// settleWedged records a timeout failure for an executor that never
// returned. The lease is dropped without requeue here; if the failure
// was within the retry budget the record is Queued again and the
// reaper-independent retry rides on the lifecycle decision.
func (r *runner) settleWedged(ctx context.Context, lease broker.Lease, id string, log *slog.Logger) {
	if revoked, err := r.store.IsRevoked(ctx, id); err == nil && revoked {
		if _, err := r.lifecycle.MarkCancelled(ctx, id, task.StateRunning); err != nil {
			log.Error("Failed to cancel wedged task", "error", err)
		}
		_ = ackDrop(ctx, lease, log)
		return
	}
	_, decision, err := r.lifecycle.Fail(ctx, id, task.ErrorInfo{
		Kind:      task.KindTimeout,
		Message:   "execution exceeded hard timeout and did not stop",
		Retriable: true,
	})
	if err != nil {
		log.Error("Failed to record wedged task", "error", err)
		_ = ackDrop(ctx, lease, log)
		return
	}
	if decision.Retry {
		_ = nackRequeue(ctx, lease, decision.Delay, log)
		return
	}
	_ = ackDrop(ctx, lease, log)
}

func (r *runner) renewLoop(ctx context.Context, lease broker.Lease, id string, log *slog.Logger) {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				log.Warn("Lease renewal failed", "error", err)
			}
			if err := r.lifecycle.Heartbeat(ctx, id, 0, ""); err != nil &&
				!errors.Is(err, lifecycle.ErrInvalidTransition) {
				log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (r *runner) revocationLoop(ctx context.Context, id string, cancel context.CancelCauseFunc, log *slog.Logger) {
	ticker := time.NewTicker(revocationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := r.store.IsRevoked(ctx, id)
			if err != nil {
				log.Warn("Revocation check failed", "error", err)
				continue
			}
			if revoked {
				log.Info("Revocation observed, cancelling execution")
				cancel(errRevoked)
				return
			}
		}
	}
}

// heartbeatSink forwards executor progress to the record, throttled.
type heartbeatSink struct {
	runner *runner
	taskID string
	mu     sync.Mutex
	last   time.Time
}

func (s *heartbeatSink) Report(progress float64, step string) {
	s.mu.Lock()
	if time.Since(s.last) < heartbeatMinInterval {
		s.mu.Unlock()
		return
	}
	s.last = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.runner.lifecycle.Heartbeat(ctx, s.taskID, progress, step); err != nil &&
		!errors.Is(err, lifecycle.ErrInvalidTransition) {
		s.runner.logger.Debug("Progress report failed", "task_id", s.taskID, "error", err)
	}
}

func ackDrop(ctx context.Context, lease broker.Lease, log *slog.Logger) error {
	if err := lease.Ack(ctx); err != nil {
		log.Warn("Failed to ack lease", "error", err)
	}
	return nil
}

func nackRequeue(ctx context.Context, lease broker.Lease, delay time.Duration, log *slog.Logger) error {
	if err := lease.Nack(ctx, true, delay); err != nil {
		log.Warn("Failed to nack lease", "error", err)
	}
	return nil
}
