// Package metrics derives operational visibility from the store's
// durable counters. Counters are the single source of truth; rates and
// the Prometheus view are always computed at read time.
package metrics

import (
	"github.com/jomapps/taskd/store"
)

// Snapshot is the JSON metrics view served by the API.
type Snapshot struct {
	TotalSubmitted   int64 `json:"total_submitted"`
	Completed        int64 `json:"completed"`
	Failed           int64 `json:"failed"`
	Retried          int64 `json:"retried"`
	Cancelled        int64 `json:"cancelled"`
	CurrentlyRunning int64 `json:"currently_running"`

	// Rates are percentages over settled (completed + failed) tasks.
	// Zero settled tasks yields zero rates, not NaN.
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

// BuildSnapshot derives the served view from a counter snapshot.
func BuildSnapshot(c store.Counters) Snapshot {
	s := Snapshot{
		TotalSubmitted:   c.TotalSubmitted,
		Completed:        c.Completed,
		Failed:           c.Failed,
		Retried:          c.Retried,
		Cancelled:        c.Cancelled,
		CurrentlyRunning: c.CurrentlyRunning,
	}
	settled := c.Completed + c.Failed
	if settled > 0 {
		s.SuccessRate = 100 * float64(c.Completed) / float64(settled)
		s.FailureRate = 100 * float64(c.Failed) / float64(settled)
	}
	return s
}
