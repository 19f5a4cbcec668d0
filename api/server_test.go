package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/config"
	"github.com/jomapps/taskd/events"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/metrics"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

const testKey = "test-key"

type testServer struct {
	srv       *Server
	store     store.Store
	broker    *broker.MemoryBroker
	lifecycle *lifecycle.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := store.NewRedisStore(client, nil)

	r, err := router.New(router.DefaultTable())
	if err != nil {
		t.Fatal(err)
	}
	b := broker.NewMemoryBroker(&broker.MemoryConfig{ReserveWait: 50 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })

	lm := lifecycle.NewManager(s, events.NewMemoryBus(nil), r, nil)

	cfg := config.DefaultConfig()
	cfg.API.Key = testKey
	srv := NewServer(*cfg, s, b, lm, r, metrics.NewEvaluator(s, r, nil), nil)
	return &testServer{srv: srv, store: s, broker: b, lifecycle: lm}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-API-Key", testKey)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func submitBody(taskType string) string {
	return fmt.Sprintf(`{"project_id":"P1","task_type":%q,"input":{"prompt":"castle at dusk"},"callback_url":"https://cb.local/hook"}`, taskType)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/metrics", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/metrics", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", w.Code)
	}

	// Liveness never needs a key.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("liveness = %d, want 200", w.Code)
	}
}

func TestSubmitCreatesQueuedTask(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_video"))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[submitResponse](t, w)
	if resp.TaskID == "" || resp.State != task.StateQueued {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Queue != "gpu_heavy" {
		t.Errorf("queue = %s", resp.Queue)
	}
	if resp.QueuePosition == nil || *resp.QueuePosition != 1 {
		t.Errorf("queue position = %v", resp.QueuePosition)
	}

	// Record is visible immediately.
	w = ts.do(t, http.MethodGet, "/api/v1/tasks/"+resp.TaskID+"/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	rec := decode[task.Task](t, w)
	if rec.State != task.StateQueued || rec.Type != "generate_video" {
		t.Errorf("record = %+v", rec)
	}
	// generate_video defaults to high priority.
	if rec.Priority != task.PriorityHigh {
		t.Errorf("priority = %v", rec.Priority)
	}

	depth, _ := ts.broker.QueueDepth(context.Background(), "gpu_heavy")
	if depth != 1 {
		t.Errorf("queue depth = %d", depth)
	}
}

func TestSubmitValidation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"project_id":`},
		{"bad project id", `{"project_id":"p 1","task_type":"generate_image","input":{}}`},
		{"unknown task type", `{"project_id":"P1","task_type":"mine_bitcoin","input":{}}`},
		{"missing input", `{"project_id":"P1","task_type":"generate_image"}`},
		{"invalid input JSON", `{"project_id":"P1","task_type":"generate_image","input":{"a":}}`},
		{"bad callback", `{"project_id":"P1","task_type":"generate_image","input":{},"callback_url":"ftp://x"}`},
		{"bad priority", `{"project_id":"P1","task_type":"generate_image","input":{"a":1},"priority":"urgent"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/tasks/submit", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitRejectsOversizedInput(t *testing.T) {
	ts := newTestServer(t)
	big := strings.Repeat("x", ts.srv.cfg.Task.InputMaxBytes)
	body := fmt.Sprintf(`{"project_id":"P1","task_type":"generate_image","input":{"blob":%q}}`, big)

	w := ts.do(t, http.MethodPost, "/api/v1/tasks/submit", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/tasks/nope/status", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", w.Code)
	}
}

func TestListByProject(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		w := ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image"))
		if w.Code != http.StatusCreated {
			t.Fatalf("submit %d = %d", i, w.Code)
		}
		time.Sleep(5 * time.Millisecond) // distinct creation times
	}

	w := ts.do(t, http.MethodGet, "/api/v1/projects/P1/tasks?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", w.Code, w.Body.String())
	}
	type listResponse struct {
		Tasks      []task.Task      `json:"tasks"`
		Pagination store.Pagination `json:"pagination"`
	}
	resp := decode[listResponse](t, w)
	if len(resp.Tasks) != 2 || resp.Pagination.Total != 3 || resp.Pagination.Pages != 2 {
		t.Errorf("resp = %+v", resp.Pagination)
	}
	// Newest first.
	if resp.Tasks[0].CreatedAt.Before(resp.Tasks[1].CreatedAt) {
		t.Error("listing not newest-first")
	}

	// Filter excludes everything (none are running).
	w = ts.do(t, http.MethodGet, "/api/v1/projects/P1/tasks?status=running", "")
	resp = decode[listResponse](t, w)
	if len(resp.Tasks) != 0 {
		t.Errorf("running filter returned %d tasks", len(resp.Tasks))
	}

	// Bounds.
	if w := ts.do(t, http.MethodGet, "/api/v1/projects/P1/tasks?limit=101", ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit 101 = %d, want 400", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/projects/P1/tasks?status=exploded", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status = %d, want 400", w.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	ts := newTestServer(t)
	resp := decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))

	w := ts.do(t, http.MethodDelete, "/api/v1/tasks/"+resp.TaskID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d: %s", w.Code, w.Body.String())
	}
	out := decode[map[string]string](t, w)
	if out["state"] != "cancelled" || out["previous_state"] != "queued" {
		t.Errorf("cancel body = %v", out)
	}

	// Idempotent.
	if w := ts.do(t, http.MethodDelete, "/api/v1/tasks/"+resp.TaskID, ""); w.Code != http.StatusOK {
		t.Errorf("repeat cancel = %d", w.Code)
	}
}

func TestCancelRunningTaskIsAccepted(t *testing.T) {
	ts := newTestServer(t)
	resp := decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))
	if _, err := ts.lifecycle.BeginRunning(context.Background(), resp.TaskID, "w1"); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodDelete, "/api/v1/tasks/"+resp.TaskID, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel running = %d, want 202", w.Code)
	}
	out := decode[map[string]string](t, w)
	if out["state"] != "cancelling" {
		t.Errorf("body = %v", out)
	}
}

func TestCancelTerminalAndUnknown(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	resp := decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))
	_, _ = ts.lifecycle.BeginRunning(ctx, resp.TaskID, "w1")
	_, _ = ts.lifecycle.Complete(ctx, resp.TaskID, json.RawMessage(`{}`))

	if w := ts.do(t, http.MethodDelete, "/api/v1/tasks/"+resp.TaskID, ""); w.Code != http.StatusBadRequest {
		t.Errorf("cancel completed = %d, want 400", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/v1/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", w.Code)
	}
}

func TestRetryFailedTask(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	resp := decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))

	// Drive the original to a terminal retriable failure.
	for {
		if _, err := ts.lifecycle.BeginRunning(ctx, resp.TaskID, "w1"); err != nil {
			t.Fatal(err)
		}
		rec, _, err := ts.lifecycle.Fail(ctx, resp.TaskID, task.ErrorInfo{
			Kind: task.KindExecutorTransient, Message: "boom", Retriable: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if rec.State == task.StateFailed {
			break
		}
	}

	w := ts.do(t, http.MethodPost, "/api/v1/tasks/"+resp.TaskID+"/retry", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("retry = %d: %s", w.Code, w.Body.String())
	}
	out := decode[map[string]string](t, w)
	if out["task_id"] == "" || out["task_id"] == resp.TaskID {
		t.Errorf("retry body = %v", out)
	}
	if out["retried_from"] != resp.TaskID {
		t.Errorf("retried_from = %s", out["retried_from"])
	}

	// Original untouched, clone carries the same input.
	orig, _ := ts.store.Get(ctx, resp.TaskID)
	if orig.State != task.StateFailed {
		t.Errorf("original state = %s", orig.State)
	}
	clone, _ := ts.store.Get(ctx, out["task_id"])
	if clone.State != task.StateQueued || string(clone.Input) != string(orig.Input) {
		t.Errorf("clone = %+v", clone)
	}
}

func TestRetryRequiresRetriableFailure(t *testing.T) {
	ts := newTestServer(t)
	resp := decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))

	// Queued task cannot be retried.
	if w := ts.do(t, http.MethodPost, "/api/v1/tasks/"+resp.TaskID+"/retry", ""); w.Code != http.StatusBadRequest {
		t.Errorf("retry queued = %d, want 400", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_ = decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))

	w := ts.do(t, http.MethodGet, "/api/v1/tasks/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	type metricsResponse struct {
		Metrics   metrics.Snapshot `json:"metrics"`
		Timestamp string           `json:"timestamp"`
	}
	resp := decode[metricsResponse](t, w)
	if resp.Metrics.TotalSubmitted != 1 {
		t.Errorf("submitted = %d", resp.Metrics.TotalSubmitted)
	}
	if resp.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/tasks/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	out := decode[map[string]any](t, w)
	if out["status"] != "healthy" {
		t.Errorf("status = %v", out["status"])
	}
}

func TestPrometheusScrape(t *testing.T) {
	ts := newTestServer(t)
	_ = decode[submitResponse](t, ts.do(t, http.MethodPost, "/api/v1/tasks/submit", submitBody("generate_image")))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("scrape = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "taskd_tasks_submitted_total 1") {
		t.Errorf("scrape body missing counter:\n%s", w.Body.String())
	}
}
