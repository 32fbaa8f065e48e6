package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/postgres"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// LiveTasks is the subset of task.Registry the handlers read.
type LiveTasks interface {
	Get(id string) (*task.Task, error)
	List() []domain.StatusView
	Cancel(id string) (bool, error)
}

// ViewStore reads mirrored status views.
type ViewStore interface {
	GetView(ctx context.Context, taskID string) (domain.StatusView, error)
}

// REST serves task status and run history.
type REST struct {
	live   LiveTasks
	views  ViewStore
	runs   postgres.RunRepository
	logger *slog.Logger
}

// NewREST creates a REST handler. views and runs may be nil.
func NewREST(live LiveTasks, views ViewStore, runs postgres.RunRepository, logger *slog.Logger) *REST {
	return &REST{live: live, views: views, runs: runs, logger: logger}
}

// Routes returns the handler's routes, to be mounted under /api/v1.
func (h *REST) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTaskStatus)
	r.Post("/tasks/{id}/cancel", h.CancelTask)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}/items", h.ListItems)
	return r
}

// ListTasks handles GET /tasks: the tasks live in this process.
func (h *REST) ListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.live.List())
}

// GetTaskStatus handles GET /tasks/{id}. Lookup order: the live registry,
// the Redis mirror, then the run history.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("jobrunner").Start(r.Context(), "jobrunner.get_task_status")
	defer span.End()
	taskID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", taskID))

	if t, err := h.live.Get(taskID); err == nil {
		span.SetAttributes(attribute.String("lookup.source", "live"))
		writeJSON(w, http.StatusOK, t.GetStatus())
		return
	}

	var notFound *domain.TaskNotFoundError
	if h.views != nil {
		view, err := h.views.GetView(ctx, taskID)
		switch {
		case err == nil:
			span.SetAttributes(attribute.String("lookup.source", "redis"))
			writeJSON(w, http.StatusOK, view)
			return
		case !errors.As(err, &notFound):
			// Fall through to the run history; Redis is only a cache.
			h.logger.Warn("redis view lookup failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		}
	}

	if h.runs != nil {
		run, err := h.runs.GetRun(ctx, taskID)
		switch {
		case err == nil:
			span.SetAttributes(attribute.String("lookup.source", "postgres"))
			writeJSON(w, http.StatusOK, viewFromRun(run))
			return
		case !errors.As(err, &notFound):
			h.logger.Error("postgres run lookup failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

// CancelTask handles POST /tasks/{id}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ok, err := h.live.Cancel(taskID)
	switch {
	case err != nil:
		writeError(w, http.StatusNotFound, "task not found")
	case !ok:
		writeError(w, http.StatusConflict, "task already finished")
	default:
		h.logger.Info("cancellation requested over http", slog.String("task_id", taskID))
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": string(domain.StatusCancelling)})
	}
}

// ListRuns handles GET /runs?kind=&limit=.
func (h *REST) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "run history is disabled")
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), domain.Kind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		h.logger.Error("list runs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{RunID: run.ID, StatusView: viewFromRun(run)})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListItems handles GET /runs/{id}/items.
func (h *REST) ListItems(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotImplemented, "run history is disabled")
		return
	}
	items, err := h.runs.ItemResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("list item results failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list item results")
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse{
			Index:      it.Index,
			Status:     it.Status,
			Category:   deref(it.Category),
			Error:      deref(it.Error),
			Attempt:    it.Attempt,
			DurationMs: it.Duration.Milliseconds(),
			Value:      it.Value,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type runResponse struct {
	RunID string `json:"run_id"`
	domain.StatusView
}

type itemResponse struct {
	Index      int               `json:"source_index"`
	Status     domain.ItemStatus `json:"status"`
	Category   string            `json:"error_category,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attempt    int               `json:"attempt"`
	DurationMs int64             `json:"duration_ms"`
	Value      json.RawMessage   `json:"value,omitempty"`
}

// viewFromRun renders a history row in the same shape as a live status.
func viewFromRun(run *postgres.RunRecord) domain.StatusView {
	v := domain.StatusView{
		ID:         run.TaskID,
		Kind:       run.Kind,
		Status:     run.Status,
		Progress:   run.Progress,
		Stage:      run.Stage,
		Message:    run.Message,
		Stats:      run.Stats,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Elapsed:    run.Elapsed,
	}
	if run.ErrorCode != nil {
		v.Error = &domain.TaskError{Code: *run.ErrorCode, Message: deref(run.ErrorMessage), Stage: deref(run.ErrorStage)}
	}
	if len(run.Output) > 0 {
		v.Output = run.Output
	}
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
