// Package webhook delivers terminal-state notifications to the
// callback URL captured at submission. Delivery is at-least-once with
// a bounded retry schedule; the task record stays authoritative
// whether or not delivery succeeds.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jomapps/taskd/events"
	"github.com/jomapps/taskd/task"
)

// Envelope is the callback payload. One envelope is built per terminal
// event and reused byte-identically across delivery attempts.
type Envelope struct {
	Event     string          `json:"event"`
	TaskID    string          `json:"task_id"`
	ProjectID string          `json:"project_id"`
	Status    task.State      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *task.ErrorInfo `json:"error,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// ProcessingTimeSeconds is wall time from first start to finish.
	// Omitted for tasks that never ran.
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

// BuildEnvelope renders the callback payload for a terminal event.
func BuildEnvelope(ev *events.TerminalEvent) ([]byte, error) {
	if !ev.State.Terminal() {
		return nil, fmt.Errorf("event for task %s is not terminal: %s", ev.TaskID, ev.State)
	}
	env := Envelope{
		Event:     "task." + string(ev.State),
		TaskID:    ev.TaskID,
		ProjectID: ev.ProjectID,
		Status:    ev.State,
		Result:    ev.Result,
		Error:     ev.Error,
		Metadata:  ev.Metadata,
		Timestamp: ev.FinishedAt.UTC(),
	}
	if ev.StartedAt != nil && !ev.FinishedAt.IsZero() {
		secs := ev.FinishedAt.Sub(*ev.StartedAt).Seconds()
		env.ProcessingTimeSeconds = &secs
	}
	return json.Marshal(env)
}
