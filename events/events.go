// Package events carries terminal task events from the lifecycle
// manager to the webhook deliverer. Delivery is at-least-once and
// ordered per task id; the production bus is a JetStream stream.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jomapps/taskd/task"
)

// TerminalEvent is published exactly when a record reaches a terminal
// state. It carries everything the webhook envelope needs so the
// deliverer never has to read the store.
type TerminalEvent struct {
	TaskID      string          `json:"task_id"`
	ProjectID   string          `json:"project_id"`
	State       task.State      `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *task.ErrorInfo `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// Handler consumes one terminal event. Returning an error requests
// redelivery.
type Handler func(ctx context.Context, ev *TerminalEvent) error

// Bus is the terminal-event transport.
type Bus interface {
	PublishTerminal(ctx context.Context, ev *TerminalEvent) error
	// SubscribeTerminal consumes events with the given durable name
	// until ctx is cancelled. Blocks.
	SubscribeTerminal(ctx context.Context, durable string, h Handler) error
	Close() error
}
