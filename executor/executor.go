// Package executor defines the contract between the worker pool and
// the code that performs a task's work. Executors are synchronous and
// cooperative: they watch ctx for the hard deadline and revocation,
// and may consult the soft deadline to wind down cleanly before the
// hard kill.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jomapps/taskd/task"
)

// Request carries the immutable inputs of one execution attempt.
type Request struct {
	TaskID    string
	ProjectID string
	Type      string
	Input     json.RawMessage
	Attempt   int
	Metadata  map[string]any
}

// ProgressSink receives advisory progress from a running executor.
// Implementations must be safe to call from the executor goroutine and
// must never block execution on sink failures.
type ProgressSink interface {
	Report(progress float64, step string)
}

// Outcome is the result of one execution attempt.
type Outcome struct {
	// Result holds the JSON result payload on success.
	Result json.RawMessage

	// Err is set on failure; its Retriable flag drives the retry
	// decision.
	Err *task.ErrorInfo

	// Cancelled marks an attempt that stopped because of revocation
	// rather than finishing or failing.
	Cancelled bool
}

// Success builds a successful outcome.
func Success(result json.RawMessage) Outcome {
	return Outcome{Result: result}
}

// Failure builds a failed outcome.
func Failure(kind task.ErrorKind, message string, retriable bool) Outcome {
	return Outcome{Err: &task.ErrorInfo{Kind: kind, Message: message, Retriable: retriable}}
}

// Cancelled builds a cancelled outcome.
func Cancelled() Outcome {
	return Outcome{Cancelled: true}
}

// Executor performs the work of one task type.
type Executor interface {
	Run(ctx context.Context, req Request, sink ProgressSink) Outcome
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request, sink ProgressSink) Outcome

func (f Func) Run(ctx context.Context, req Request, sink ProgressSink) Outcome {
	return f(ctx, req, sink)
}

type softDeadlineKey struct{}

// WithSoftDeadline attaches the soft deadline to ctx. The worker sets
// it before handing ctx to the executor.
func WithSoftDeadline(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, softDeadlineKey{}, t)
}

// SoftDeadline returns the soft deadline attached to ctx, if any.
// Well-behaved executors stop starting new work once it has passed.
func SoftDeadline(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(softDeadlineKey{}).(time.Time)
	return t, ok
}

// SoftExpired reports whether ctx carries a soft deadline that has
// already passed.
func SoftExpired(ctx context.Context) bool {
	t, ok := SoftDeadline(ctx)
	return ok && time.Now().After(t)
}
