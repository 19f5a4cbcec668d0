package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/jomapps/taskd/events"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

// captureBus records published terminal events.
type captureBus struct {
	mu     sync.Mutex
	events []*events.TerminalEvent
}

func (b *captureBus) PublishTerminal(_ context.Context, ev *events.TerminalEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) SubscribeTerminal(ctx context.Context, durable string, h events.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *captureBus) Close() error { return nil }

func (b *captureBus) published() []*events.TerminalEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*events.TerminalEvent(nil), b.events...)
}

func newManager(t *testing.T) (*Manager, store.Store, *captureBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := store.NewRedisStore(client, nil)

	r, err := router.New(router.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	bus := &captureBus{}
	return NewManager(s, bus, r, nil), s, bus
}

func submit(t *testing.T, m *Manager) *task.Task {
	t.Helper()
	rec := task.New("P1", "evaluate_department",
		json.RawMessage(`{"department":"story"}`), task.PriorityHigh, 24*time.Hour)
	if err := m.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestHappyPath(t *testing.T) {
	m, s, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	running, err := m.BeginRunning(ctx, rec.ID, "w1")
	if err != nil {
		t.Fatalf("BeginRunning: %v", err)
	}
	if running.State != task.StateRunning || running.StartedAt == nil {
		t.Errorf("running = %+v", running)
	}

	done, err := m.Complete(ctx, rec.ID, []byte(`{"rating":89,"result":"pass"}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.State != task.StateCompleted || done.FinishedAt == nil {
		t.Errorf("done = %+v", done)
	}

	c, _ := s.ReadCounters(ctx)
	if c.TotalSubmitted != 1 || c.Completed != 1 || c.CurrentlyRunning != 0 {
		t.Errorf("counters = %+v", c)
	}

	evs := bus.published()
	if len(evs) != 1 || evs[0].State != task.StateCompleted || evs[0].TaskID != rec.ID {
		t.Errorf("events = %+v", evs)
	}
}

func TestBeginRunningRequiresQueued(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	if _, err := m.BeginRunning(ctx, rec.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	// A second worker loses the race.
	if _, err := m.BeginRunning(ctx, rec.ID, "w2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second BeginRunning = %v, want ErrInvalidTransition", err)
	}
}

func TestRetriableFailureRequeues(t *testing.T) {
	m, s, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	if _, err := m.BeginRunning(ctx, rec.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	updated, dec, err := m.Fail(ctx, rec.ID, task.ErrorInfo{
		Kind: task.KindExecutorTransient, Message: "connection reset", Retriable: true,
	})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !dec.Retry {
		t.Fatal("expected retry decision")
	}
	// First retry delay is the initial 60s ± 10% jitter.
	if dec.Delay < 54*time.Second || dec.Delay > 66*time.Second {
		t.Errorf("delay = %v, want ~60s", dec.Delay)
	}
	if updated.State != task.StateQueued || updated.Attempt != 1 {
		t.Errorf("updated = state %s attempt %d", updated.State, updated.Attempt)
	}

	c, _ := s.ReadCounters(ctx)
	if c.Retried != 1 || c.Failed != 0 || c.CurrentlyRunning != 0 {
		t.Errorf("counters = %+v", c)
	}
	if len(bus.published()) != 0 {
		t.Error("retry must not publish a terminal event")
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	m, s, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	transient := task.ErrorInfo{Kind: task.KindExecutorTransient, Message: "boom", Retriable: true}

	// evaluate_department allows 3 retries → 4 running transitions.
	runs := 0
	for {
		if _, err := m.BeginRunning(ctx, rec.ID, "w1"); err != nil {
			t.Fatalf("run %d: %v", runs, err)
		}
		runs++
		updated, dec, err := m.Fail(ctx, rec.ID, transient)
		if err != nil {
			t.Fatalf("fail %d: %v", runs, err)
		}
		if !dec.Retry {
			if updated.State != task.StateFailed {
				t.Errorf("final state = %s", updated.State)
			}
			if updated.Error == nil || updated.Error.Kind != task.KindExecutorTransient {
				t.Errorf("final error = %+v", updated.Error)
			}
			break
		}
	}
	if runs != 4 {
		t.Errorf("running transitions = %d, want maxRetries+1 = 4", runs)
	}

	c, _ := s.ReadCounters(ctx)
	if c.Retried != 3 || c.Failed != 1 {
		t.Errorf("counters = %+v", c)
	}
	evs := bus.published()
	if len(evs) != 1 || evs[0].State != task.StateFailed {
		t.Errorf("events = %+v", evs)
	}
}

func TestNonRetriableFailureIsTerminal(t *testing.T) {
	m, _, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	_, _ = m.BeginRunning(ctx, rec.ID, "w1")
	updated, dec, err := m.Fail(ctx, rec.ID, task.ErrorInfo{
		Kind: task.KindExecutorPermanent, Message: "bad input", Retriable: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Retry || updated.State != task.StateFailed {
		t.Errorf("dec = %+v, state = %s", dec, updated.State)
	}
	if len(bus.published()) != 1 {
		t.Error("terminal failure must publish")
	}
}

func TestCancelQueued(t *testing.T) {
	m, s, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	out, err := m.Cancel(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Pending {
		t.Error("queued cancel must resolve immediately")
	}
	if out.Task.State != task.StateCancelled || out.Task.PreviousState != task.StateQueued {
		t.Errorf("task = %+v", out.Task)
	}

	c, _ := s.ReadCounters(ctx)
	if c.Cancelled != 1 {
		t.Errorf("cancelled = %d", c.Cancelled)
	}
	// Revocation is cleaned up once the record is terminal.
	revoked, _ := s.IsRevoked(ctx, rec.ID)
	if revoked {
		t.Error("revocation not cleared after cancel")
	}
	evs := bus.published()
	if len(evs) != 1 || evs[0].State != task.StateCancelled {
		t.Errorf("events = %+v", evs)
	}
}

func TestCancelRunningIsPending(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)
	_, _ = m.BeginRunning(ctx, rec.ID, "w1")

	out, err := m.Cancel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Pending {
		t.Error("running cancel must be pending")
	}
	revoked, _ := s.IsRevoked(ctx, rec.ID)
	if !revoked {
		t.Error("running cancel must add revocation")
	}

	// The worker's watcher later drives the transition.
	updated, err := m.MarkCancelled(ctx, rec.ID, task.StateRunning)
	if err != nil {
		t.Fatal(err)
	}
	if updated.PreviousState != task.StateRunning {
		t.Errorf("previous state = %s", updated.PreviousState)
	}
	c, _ := s.ReadCounters(ctx)
	if c.CurrentlyRunning != 0 || c.Cancelled != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestCancelLostToFinishClearsRevocation(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()

	// Cancel lands while the task runs, but the worker finishes before
	// its next revocation poll. The pending revocation must not linger.
	rec := submit(t, m)
	_, _ = m.BeginRunning(ctx, rec.ID, "w1")
	out, err := m.Cancel(ctx, rec.ID)
	if err != nil || !out.Pending {
		t.Fatalf("cancel = %+v, %v", out, err)
	}

	done, err := m.Complete(ctx, rec.ID, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if done.State != task.StateCompleted {
		t.Errorf("state = %s", done.State)
	}
	if revoked, _ := s.IsRevoked(ctx, rec.ID); revoked {
		t.Error("revocation survived completion")
	}

	// Same race, losing to a terminal failure.
	rec2 := submit(t, m)
	_, _ = m.BeginRunning(ctx, rec2.ID, "w1")
	if _, err := m.Cancel(ctx, rec2.ID); err != nil {
		t.Fatal(err)
	}
	_, _, err = m.Fail(ctx, rec2.ID, task.ErrorInfo{
		Kind: task.KindExecutorPermanent, Message: "bad input", Retriable: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if revoked, _ := s.IsRevoked(ctx, rec2.ID); revoked {
		t.Error("revocation survived terminal failure")
	}
}

func TestCancelTerminalStates(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	rec := submit(t, m)
	_, _ = m.BeginRunning(ctx, rec.ID, "w1")
	_, _ = m.Complete(ctx, rec.ID, []byte(`{}`))

	if _, err := m.Cancel(ctx, rec.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("cancel completed = %v, want ErrAlreadyTerminal", err)
	}

	// Cancelling a cancelled task is idempotent success.
	rec2 := submit(t, m)
	if _, err := m.Cancel(ctx, rec2.ID); err != nil {
		t.Fatal(err)
	}
	out, err := m.Cancel(ctx, rec2.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if out.Task.State != task.StateCancelled {
		t.Errorf("state = %s", out.Task.State)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	m, _, _ := newManager(t)
	if _, err := m.Cancel(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMarkEnqueueFailed(t *testing.T) {
	m, _, bus := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	updated, err := m.MarkEnqueueFailed(ctx, rec.ID, "broker unreachable")
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != task.StateFailed || updated.Error.Kind != task.KindEnqueueFailed {
		t.Errorf("updated = %+v", updated)
	}
	if updated.Error.Retriable {
		t.Error("enqueue failure must not be retriable")
	}
	if len(bus.published()) != 1 {
		t.Error("enqueue failure publishes a terminal event")
	}
}

func TestHeartbeat(t *testing.T) {
	m, s, _ := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)
	_, _ = m.BeginRunning(ctx, rec.ID, "w1")

	if err := m.Heartbeat(ctx, rec.ID, 0.5, "rendering"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, rec.ID)
	if got.Progress != 0.5 || got.ProgressStep != "rendering" {
		t.Errorf("progress = %v %q", got.Progress, got.ProgressStep)
	}
	if got.LastHeartbeatAt == nil {
		t.Error("heartbeat timestamp not set")
	}

	// Heartbeats on non-running tasks are rejected.
	_, _ = m.Complete(ctx, rec.ID, []byte(`{}`))
	if err := m.Heartbeat(ctx, rec.ID, 0.9, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("heartbeat on completed = %v", err)
	}
}

func TestMonotonicStates(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	rec := submit(t, m)

	_, _ = m.BeginRunning(ctx, rec.ID, "w1")
	_, _ = m.Complete(ctx, rec.ID, []byte(`{}`))

	// No transition may leave a terminal state.
	if _, err := m.BeginRunning(ctx, rec.ID, "w1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginRunning after terminal = %v", err)
	}
	if _, _, err := m.Fail(ctx, rec.ID, task.ErrorInfo{Kind: task.KindTimeout, Retriable: true}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Fail after terminal = %v", err)
	}
	if _, err := m.MarkCancelled(ctx, rec.ID, task.StateRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkCancelled after terminal = %v", err)
	}
}
