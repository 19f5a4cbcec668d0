package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jomapps/taskd/task"
)

// simStep granularity bounds how long the simulator takes to notice
// cancellation or the soft deadline.
const simStep = 50 * time.Millisecond

// simInput is the input shape the simulator understands. All fields
// are optional; an empty input completes immediately.
type simInput struct {
	DurationMS int             `json:"duration_ms"`
	Outcome    string          `json:"outcome"` // success, transient, permanent
	Result     json.RawMessage `json:"result"`
	Steps      []string        `json:"steps"`
}

// Simulator is the dev-mode executor. It burns wall clock in small
// slices, reports progress, and cooperates with cancellation and the
// soft deadline, which makes it useful for exercising the whole
// dispatch plane without real workloads.
type Simulator struct{}

// NewSimulator creates the dev-mode executor.
func NewSimulator() *Simulator { return &Simulator{} }

func (s *Simulator) Run(ctx context.Context, req Request, sink ProgressSink) Outcome {
	var in simInput
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return Failure(task.KindExecutorPermanent,
				fmt.Sprintf("decode input: %v", err), false)
		}
	}

	total := time.Duration(in.DurationMS) * time.Millisecond
	start := time.Now()
	for elapsed := time.Duration(0); elapsed < total; elapsed = time.Since(start) {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
				return Failure(task.KindTimeout, "hard deadline exceeded", true)
			}
			return Cancelled()
		case <-time.After(minDuration(simStep, total-elapsed)):
		}
		if SoftExpired(ctx) {
			return Failure(task.KindTimeout, "soft deadline exceeded", true)
		}
		if sink != nil {
			sink.Report(float64(elapsed+simStep)/float64(total), currentStep(in.Steps, elapsed+simStep, total))
		}
	}

	switch in.Outcome {
	case "", "success":
		result := in.Result
		if result == nil {
			result = json.RawMessage(`{"simulated":true}`)
		}
		return Success(result)
	case "transient":
		return Failure(task.KindExecutorTransient, "simulated transient failure", true)
	case "permanent":
		return Failure(task.KindExecutorPermanent, "simulated permanent failure", false)
	default:
		return Failure(task.KindExecutorPermanent,
			fmt.Sprintf("unknown simulated outcome %q", in.Outcome), false)
	}
}

func currentStep(steps []string, elapsed, total time.Duration) string {
	if len(steps) == 0 || total <= 0 {
		return ""
	}
	i := int(float64(len(steps)) * float64(elapsed) / float64(total))
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i]
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
