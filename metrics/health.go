package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

// Severity orders health alerts.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Failure-rate thresholds, as percentages over settled tasks.
const (
	elevatedFailurePct = 10.0
	highFailurePct     = 20.0
)

// minSettledForRates avoids alerting on tiny samples right after a
// deploy, where one failed task reads as a 100% failure rate.
const minSettledForRates = 10

// longRunningFraction of the hard timeout after which a running task
// is flagged.
const longRunningFraction = 0.8

// Alert is one health finding.
type Alert struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	TaskID   string   `json:"task_id,omitempty"`
}

// Health is the evaluated service health.
type Health struct {
	Status  string   `json:"status"` // healthy, warning, critical
	Alerts  []Alert  `json:"alerts,omitempty"`
	Metrics Snapshot `json:"metrics"`
}

// Evaluator derives health from the counters and the running set.
type Evaluator struct {
	store  store.Store
	router *router.Router
	logger *slog.Logger
}

// NewEvaluator builds a health evaluator.
func NewEvaluator(s store.Store, r *router.Router, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: s, router: r, logger: logger}
}

// Evaluate computes the current health. Overall status is the highest
// severity among the alerts.
func (e *Evaluator) Evaluate(ctx context.Context) (Health, error) {
	counters, err := e.store.ReadCounters(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("read counters: %w", err)
	}
	snap := BuildSnapshot(counters)
	h := Health{Status: "healthy", Metrics: snap}

	if counters.Completed+counters.Failed >= minSettledForRates {
		switch {
		case snap.FailureRate > highFailurePct:
			h.Alerts = append(h.Alerts, Alert{
				Name:     "HighFailureRate",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("failure rate %.1f%% exceeds %.0f%%", snap.FailureRate, highFailurePct),
			})
		case snap.FailureRate > elevatedFailurePct:
			h.Alerts = append(h.Alerts, Alert{
				Name:     "ElevatedFailureRate",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("failure rate %.1f%% exceeds %.0f%%", snap.FailureRate, elevatedFailurePct),
			})
		}
	}

	h.Alerts = append(h.Alerts, e.runningAlerts(ctx)...)

	for _, a := range h.Alerts {
		if a.Severity == SeverityCritical {
			h.Status = "critical"
			break
		}
		h.Status = "warning"
	}
	return h, nil
}

// runningAlerts flags tasks approaching their hard timeout and tasks
// whose heartbeats have gone stale.
func (e *Evaluator) runningAlerts(ctx context.Context) []Alert {
	ids, err := e.store.RunningTaskIDs(ctx)
	if err != nil {
		e.logger.Warn("Health scan of running tasks failed", "error", err)
		return nil
	}

	var alerts []Alert
	now := time.Now()
	for _, id := range ids {
		rec, err := e.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil || rec.State != task.StateRunning {
			continue
		}
		policy, _ := e.router.Resolve(rec.Type)

		if rec.StartedAt != nil {
			runFor := now.Sub(*rec.StartedAt)
			if runFor > time.Duration(longRunningFraction*float64(policy.HardTimeout)) {
				alerts = append(alerts, Alert{
					Name:     "LongRunningTask",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s task running for %s of a %s budget", rec.Type, runFor.Round(time.Second), policy.HardTimeout),
					TaskID:   rec.ID,
				})
			}
		}

		last := rec.StartedAt
		if rec.LastHeartbeatAt != nil {
			last = rec.LastHeartbeatAt
		}
		if last != nil && now.Sub(*last) > policy.StalenessBound() {
			alerts = append(alerts, Alert{
				Name:     "StaleTask",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s task silent for %s, presumed abandoned", rec.Type, now.Sub(*last).Round(time.Second)),
				TaskID:   rec.ID,
			})
		}
	}
	return alerts
}
