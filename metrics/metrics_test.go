package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewRedisStore(client, nil)
}

func TestBuildSnapshotRates(t *testing.T) {
	tests := []struct {
		name     string
		counters store.Counters
		success  float64
		failure  float64
	}{
		{"empty", store.Counters{}, 0, 0},
		{"all success", store.Counters{Completed: 10}, 100, 0},
		{"all failure", store.Counters{Failed: 4}, 0, 100},
		{"mixed", store.Counters{Completed: 9, Failed: 1}, 90, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := BuildSnapshot(tt.counters)
			if s.SuccessRate != tt.success || s.FailureRate != tt.failure {
				t.Errorf("rates = %.1f/%.1f, want %.1f/%.1f",
					s.SuccessRate, s.FailureRate, tt.success, tt.failure)
			}
		})
	}
}

func TestCollectorExportsCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_ = s.IncrementCounter(ctx, store.CounterSubmitted, 7)
	_ = s.IncrementCounter(ctx, store.CounterCompleted, 5)
	_ = s.IncrementCounter(ctx, store.CounterRunning, 2)

	r, err := router.New(router.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	b := broker.NewMemoryBroker(nil)
	defer b.Close()
	_ = b.Enqueue(ctx, "gpu_heavy", broker.Entry{TaskID: "t1"}, task.PriorityHigh)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(s, b, r, nil)); err != nil {
		t.Fatal(err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			if len(m.GetLabel()) > 0 {
				name += "{" + m.GetLabel()[0].GetValue() + "}"
			}
			if m.GetCounter() != nil {
				got[name] = m.GetCounter().GetValue()
			} else if m.GetGauge() != nil {
				got[name] = m.GetGauge().GetValue()
			}
		}
	}

	if got["taskd_tasks_submitted_total"] != 7 {
		t.Errorf("submitted = %v", got["taskd_tasks_submitted_total"])
	}
	if got["taskd_tasks_completed_total"] != 5 {
		t.Errorf("completed = %v", got["taskd_tasks_completed_total"])
	}
	if got["taskd_tasks_running"] != 2 {
		t.Errorf("running = %v", got["taskd_tasks_running"])
	}
	if got["taskd_queue_depth{gpu_heavy}"] != 1 {
		t.Errorf("gpu_heavy depth = %v", got["taskd_queue_depth{gpu_heavy}"])
	}
}

func TestEvaluateFailureRates(t *testing.T) {
	tests := []struct {
		name      string
		completed int64
		failed    int64
		status    string
	}{
		{"healthy", 95, 5, "healthy"},
		{"elevated", 85, 15, "warning"},
		{"high", 70, 30, "critical"},
		{"tiny sample ignored", 1, 1, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			_ = s.IncrementCounter(ctx, store.CounterCompleted, tt.completed)
			_ = s.IncrementCounter(ctx, store.CounterFailed, tt.failed)

			r, _ := router.New(router.DefaultTable())
			h, err := NewEvaluator(s, r, nil).Evaluate(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if h.Status != tt.status {
				t.Errorf("status = %s, want %s (alerts %+v)", h.Status, tt.status, h.Alerts)
			}
		})
	}
}

func TestEvaluateFlagsStaleRunningTask(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := task.New("P1", "generate_image", json.RawMessage(`{}`), task.PriorityNormal, time.Hour)
	if err := s.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-time.Hour).UTC()
	if _, err := s.UpdateAtomically(ctx, rec.ID, func(t *task.Task) error {
		t.State = task.StateRunning
		t.StartedAt = &stale
		t.LastHeartbeatAt = &stale
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	r, _ := router.New(router.DefaultTable())
	h, err := NewEvaluator(s, r, nil).Evaluate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "warning" {
		t.Errorf("status = %s, want warning", h.Status)
	}
	var names []string
	for _, a := range h.Alerts {
		names = append(names, a.Name)
		if a.Severity != SeverityWarning {
			t.Errorf("alert %s severity = %s, want warning", a.Name, a.Severity)
		}
	}
	if len(names) != 2 {
		t.Errorf("alerts = %v, want LongRunningTask and StaleTask", names)
	}

	// Health is JSON-serializable for the API.
	if _, err := json.Marshal(h); err != nil {
		t.Fatal(err)
	}
}
