package postgres

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

// itemResults is implemented by job outputs that carry per-item results.
type itemResults interface {
	ItemResults() []domain.Result
}

// History is a task.Observer that records every terminal event as a run.
type History struct {
	repo   RunRepository
	logger *slog.Logger
}

func NewHistory(repo RunRepository, logger *slog.Logger) *History {
	return &History{repo: repo, logger: logger}
}

func (h *History) Emit(ctx context.Context, event task.Event) error {
	if !event.Name.IsTerminal() {
		return nil
	}
	run, items := h.record(event.Task)
	return h.repo.RecordRun(ctx, run, items)
}

// record converts a terminal view into rows. Values that fail to encode
// are stored as NULL rather than dropping the run.
func (h *History) record(v domain.StatusView) (*RunRecord, []ItemRecord) {
	run := &RunRecord{
		TaskID:     v.ID,
		Kind:       v.Kind,
		Status:     v.Status,
		Progress:   v.Progress,
		Stage:      v.Stage,
		Message:    v.Message,
		Stats:      v.Stats,
		CreatedAt:  v.CreatedAt,
		StartedAt:  v.StartedAt,
		FinishedAt: v.FinishedAt,
		Elapsed:    v.Elapsed,
	}
	if v.Error != nil {
		run.ErrorCode, run.ErrorMessage, run.ErrorStage = &v.Error.Code, &v.Error.Message, &v.Error.Stage
	}
	if v.Output != nil {
		run.Output = h.encode(v.ID, v.Output)
	}

	src, ok := v.Output.(itemResults)
	if !ok {
		return run, nil
	}
	results := src.ItemResults()
	items := make([]ItemRecord, len(results))
	for i, r := range results {
		items[i] = ItemRecord{
			Index:    r.Index,
			Status:   r.Status,
			Category: optional(r.Category),
			Error:    optional(r.Error),
			Attempt:  r.Attempt,
			Duration: r.Duration,
		}
		if r.Value != nil {
			items[i].Value = h.encode(v.ID, r.Value)
		}
	}
	return run, items
}

func (h *History) encode(taskID string, v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("run history value not encodable",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return data
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
