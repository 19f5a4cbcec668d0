package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jomapps/taskd/task"
)

type recordingSink struct {
	mu      sync.Mutex
	reports int
	steps   []string
}

func (s *recordingSink) Report(progress float64, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports++
	if step != "" {
		s.steps = append(s.steps, step)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := Func(func(context.Context, Request, ProgressSink) Outcome { return Success(nil) })

	if err := r.Register("generate_video", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("generate_video", a); err == nil {
		t.Error("duplicate registration must fail")
	}

	if _, ok := r.Lookup("generate_video"); !ok {
		t.Error("registered type not found")
	}
	if _, ok := r.Lookup("unknown"); ok {
		t.Error("unknown type resolved without fallback")
	}

	r.SetFallback(a)
	if _, ok := r.Lookup("unknown"); !ok {
		t.Error("fallback not used")
	}
}

func TestSimulatorSuccess(t *testing.T) {
	sink := &recordingSink{}
	out := NewSimulator().Run(context.Background(), Request{
		TaskID: "t1",
		Type:   "generate_image",
		Input:  json.RawMessage(`{"duration_ms":120,"result":{"url":"s3://img"},"steps":["render","upload"]}`),
	}, sink)

	if out.Err != nil || out.Cancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if string(out.Result) != `{"url":"s3://img"}` {
		t.Errorf("result = %s", out.Result)
	}
	if sink.reports == 0 {
		t.Error("no progress reported")
	}
}

func TestSimulatorFailureModes(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		kind      task.ErrorKind
		retriable bool
	}{
		{"transient", `{"outcome":"transient"}`, task.KindExecutorTransient, true},
		{"permanent", `{"outcome":"permanent"}`, task.KindExecutorPermanent, false},
		{"bad input", `{"duration_ms":`, task.KindExecutorPermanent, false},
		{"unknown outcome", `{"outcome":"explode"}`, task.KindExecutorPermanent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewSimulator().Run(context.Background(), Request{Input: json.RawMessage(tt.input)}, nil)
			if out.Err == nil {
				t.Fatalf("outcome = %+v, want error", out)
			}
			if out.Err.Kind != tt.kind || out.Err.Retriable != tt.retriable {
				t.Errorf("err = %+v", out.Err)
			}
		})
	}
}

func TestSimulatorHardDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	out := NewSimulator().Run(ctx, Request{Input: json.RawMessage(`{"duration_ms":5000}`)}, nil)
	if out.Err == nil || out.Err.Kind != task.KindTimeout {
		t.Fatalf("outcome = %+v, want timeout", out)
	}
	if !out.Err.Retriable {
		t.Error("timeout must be retriable")
	}
}

func TestSimulatorRevocation(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel(errors.New("revoked by client"))
	}()

	out := NewSimulator().Run(ctx, Request{Input: json.RawMessage(`{"duration_ms":5000}`)}, nil)
	if !out.Cancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
}

func TestSimulatorSoftDeadline(t *testing.T) {
	ctx := WithSoftDeadline(context.Background(), time.Now().Add(60*time.Millisecond))

	out := NewSimulator().Run(ctx, Request{Input: json.RawMessage(`{"duration_ms":5000}`)}, nil)
	if out.Err == nil || out.Err.Kind != task.KindTimeout {
		t.Fatalf("outcome = %+v, want soft timeout", out)
	}
}

func TestSoftDeadlineHelpers(t *testing.T) {
	if _, ok := SoftDeadline(context.Background()); ok {
		t.Error("bare context must carry no soft deadline")
	}
	if SoftExpired(context.Background()) {
		t.Error("bare context must not be soft-expired")
	}

	past := WithSoftDeadline(context.Background(), time.Now().Add(-time.Second))
	if !SoftExpired(past) {
		t.Error("past soft deadline not reported")
	}
	future := WithSoftDeadline(context.Background(), time.Now().Add(time.Hour))
	if SoftExpired(future) {
		t.Error("future soft deadline reported expired")
	}
}
