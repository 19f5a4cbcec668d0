package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/lifecycle"
	"github.com/jomapps/taskd/metrics"
	"github.com/jomapps/taskd/store"
	"github.com/jomapps/taskd/task"
)

// maxRequestBodySize caps submissions well above the input bound so
// the envelope fields always fit.
const maxRequestBodySize = 1 << 20 // 1 MB

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type submitRequest struct {
	ProjectID   string          `json:"project_id"`
	TaskType    string          `json:"task_type"`
	Input       json.RawMessage `json:"input"`
	Priority    string          `json:"priority"`
	CallbackURL string          `json:"callback_url"`
	Metadata    map[string]any  `json:"metadata"`
}

type submitResponse struct {
	TaskID                   string     `json:"task_id"`
	State                    task.State `json:"state"`
	Queue                    string     `json:"queue"`
	QueuePosition            *int64     `json:"queue_position,omitempty"`
	EstimatedDurationSeconds *int64     `json:"estimated_duration_seconds,omitempty"`
}

// handleSubmit validates, persists, and enqueues a new task.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}

	if err := task.ValidateProjectID(req.ProjectID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.router.Known(req.TaskType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task_type %q", req.TaskType))
		return
	}
	if err := task.ValidateInput(req.Input, s.cfg.Task.InputMaxBytes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := task.ValidateCallbackURL(req.CallbackURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, _ := s.router.Resolve(req.TaskType)
	prioName := req.Priority
	if prioName == "" {
		prioName = policy.DefaultPriority
	}
	prio, ok := task.ParsePriority(prioName)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
		return
	}

	rec := task.New(req.ProjectID, req.TaskType, req.Input, prio, s.cfg.Task.TTL)
	rec.CallbackURL = req.CallbackURL
	rec.Metadata = req.Metadata

	ctx := r.Context()
	if err := s.lifecycle.Create(ctx, rec); err != nil {
		s.logger.Error("Failed to persist submission", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	entry := broker.Entry{TaskID: rec.ID, Attempt: 0, EnqueuedAt: time.Now().UTC()}
	if err := s.broker.Enqueue(ctx, policy.Queue, entry, prio); err != nil {
		s.logger.Error("Failed to enqueue submission", "task_id", rec.ID, "error", err)
		if _, err := s.lifecycle.MarkEnqueueFailed(ctx, rec.ID, "broker unavailable"); err != nil {
			s.logger.Error("Failed to mark enqueue failure", "task_id", rec.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	resp := submitResponse{TaskID: rec.ID, State: rec.State, Queue: policy.Queue}
	if depth, err := s.broker.QueueDepth(ctx, policy.Queue); err == nil {
		resp.QueuePosition = &depth
	}
	est := int64(policy.SoftTimeout.Seconds())
	resp.EstimatedDurationSeconds = &est

	writeJSON(w, http.StatusCreated, resp)
}

// handleStatus returns the record for one task.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListByProject returns the project's tasks, filtered and
// paginated, newest first.
func (s *Server) handleListByProject(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	if err := task.ValidateProjectID(projectID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	var filter store.Filter
	if raw := q.Get("status"); raw != "" {
		state := task.State(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
		filter.State = state
	}
	filter.Type = q.Get("task_type")

	page := store.Page{Number: 1, Limit: defaultPageLimit}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page.Number = n
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", maxPageLimit))
			return
		}
		page.Limit = n
	}

	tasks, pagination, err := s.store.ListByProject(r.Context(), projectID, filter, page)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":      tasks,
		"pagination": pagination,
	})
}

// handleCancel resolves DELETE on a task. Queued tasks cancel
// immediately (200); running tasks get 202 while the worker's
// revocation watcher drives the transition.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.lifecycle.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, lifecycle.ErrAlreadyTerminal):
		writeError(w, http.StatusBadRequest, "task already terminal")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	if out.Pending {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"task_id": id,
			"state":   "cancelling",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":        id,
		"state":          out.Task.State,
		"previous_state": out.Task.PreviousState,
	})
}

// handleRetry resubmits a terminally failed, retriable task as a new
// task. The original record is never mutated.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orig, err := s.store.Get(ctx, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if orig.State != task.StateFailed || orig.Error == nil || !orig.Error.Retriable {
		writeError(w, http.StatusBadRequest, "only retriable failed tasks can be retried")
		return
	}

	policy, _ := s.router.Resolve(orig.Type)
	rec := task.New(orig.ProjectID, orig.Type, orig.Input, orig.Priority, s.cfg.Task.TTL)
	rec.CallbackURL = orig.CallbackURL
	rec.Metadata = orig.Metadata

	if err := s.lifecycle.Create(ctx, rec); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	entry := broker.Entry{TaskID: rec.ID, Attempt: 0, EnqueuedAt: time.Now().UTC()}
	if err := s.broker.Enqueue(ctx, policy.Queue, entry, rec.Priority); err != nil {
		if _, err := s.lifecycle.MarkEnqueueFailed(ctx, rec.ID, "broker unavailable"); err != nil {
			s.logger.Error("Failed to mark enqueue failure", "task_id", rec.ID, "error", err)
		}
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id":      rec.ID,
		"state":        rec.State,
		"retried_from": orig.ID,
	})
}

// handleMetrics serves the JSON counters view.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	counters, err := s.store.ReadCounters(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   metrics.BuildSnapshot(counters),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth serves the evaluated service health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.evaluator.Evaluate(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    h.Status,
		"alerts":    h.Alerts,
		"metrics":   h.Metrics,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLiveness is the unauthenticated probe.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"app":       "taskd",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
