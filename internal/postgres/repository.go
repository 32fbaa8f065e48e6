package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// RunRecord is one finished task as stored in task_runs.
type RunRecord struct {
	ID           string
	TaskID       string
	Kind         domain.Kind
	Status       domain.Status
	Progress     int
	Stage        string
	Message      string
	ErrorCode    *string
	ErrorMessage *string
	ErrorStage   *string
	Stats        domain.ProgressSnapshot
	Output       json.RawMessage
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Elapsed      time.Duration
}

// ItemRecord is one row of task_item_results.
type ItemRecord struct {
	Index    int
	Status   domain.ItemStatus
	Category *string
	Error    *string
	Attempt  int
	Duration time.Duration
	Value    json.RawMessage
}

// RunRepository stores the history of finished tasks.
type RunRepository interface {
	RecordRun(ctx context.Context, run *RunRecord, items []ItemRecord) error
	GetRun(ctx context.Context, taskID string) (*RunRecord, error)
	ListRuns(ctx context.Context, kind domain.Kind, limit int) ([]*RunRecord, error)
	ItemResults(ctx context.Context, runID string) ([]ItemRecord, error)
}

type repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) RunRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// RecordRun inserts the run and its items in one transaction. Items are
// bulk-loaded with COPY.
func (r *repository) RecordRun(ctx context.Context, run *RunRecord, items []ItemRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	counters, err := json.Marshal(run.Stats.Counters)
	if err != nil {
		return fmt.Errorf("marshal counters for task %s: %w", run.TaskID, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.TaskID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO task_runs
			(id, task_id, kind, status, progress, stage, message,
			 error_code, error_message, error_stage,
			 total, succeeded, failed, skipped, cancelled, counters, output,
			 created_at, started_at, finished_at, elapsed_ms)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		run.ID, run.TaskID, string(run.Kind), string(run.Status), run.Progress, run.Stage, run.Message,
		run.ErrorCode, run.ErrorMessage, run.ErrorStage,
		run.Stats.Total, run.Stats.Succeeded, run.Stats.Failed, run.Stats.Skipped, run.Stats.Cancelled,
		counters, nullJSON(run.Output),
		run.CreatedAt, run.StartedAt, run.FinishedAt, run.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run for task %s: %w", run.TaskID, err)
	}

	if len(items) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"task_item_results"},
			[]string{"run_id", "source_index", "status", "error_category", "error", "attempt", "duration_ms", "value"},
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				it := items[i]
				return []any{run.ID, it.Index, string(it.Status), it.Category, it.Error, it.Attempt, it.Duration.Milliseconds(), nullJSON(it.Value)}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy %d item results for task %s: %w", len(items), run.TaskID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run for task %s: %w", run.TaskID, err)
	}
	return nil
}

const runColumns = `
	id, task_id, kind, status, progress, stage, message,
	error_code, error_message, error_stage,
	total, succeeded, failed, skipped, cancelled, counters, output,
	created_at, started_at, finished_at, elapsed_ms`

// GetRun returns the latest run recorded for taskID.
func (r *repository) GetRun(ctx context.Context, taskID string) (*RunRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+runColumns+`
		FROM task_runs
		WHERE task_id = $1
		ORDER BY finished_at DESC NULLS LAST
		LIMIT 1
	`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return run, err
}

// ListRuns returns the newest runs, optionally filtered by kind.
func (r *repository) ListRuns(ctx context.Context, kind domain.Kind, limit int) ([]*RunRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+runColumns+`
		FROM task_runs
		WHERE $1 = '' OR kind = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *repository) ItemResults(ctx context.Context, runID string) ([]ItemRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT source_index, status, error_category, error, attempt, duration_ms, value
		FROM task_item_results
		WHERE run_id = $1
		ORDER BY source_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list item results for run %s: %w", runID, err)
	}
	defer rows.Close()

	var items []ItemRecord
	for rows.Next() {
		var (
			it         ItemRecord
			status     string
			durationMs int64
		)
		if err := rows.Scan(&it.Index, &status, &it.Category, &it.Error, &it.Attempt, &durationMs, &it.Value); err != nil {
			return nil, fmt.Errorf("scan item result: %w", err)
		}
		it.Status = domain.ItemStatus(status)
		it.Duration = time.Duration(durationMs) * time.Millisecond
		items = append(items, it)
	}
	return items, rows.Err()
}

// scanRun reads a task_runs row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped.
func scanRun(row pgx.Row) (*RunRecord, error) {
	var (
		run       RunRecord
		kind      string
		status    string
		counters  []byte
		elapsedMs int64
	)
	err := row.Scan(
		&run.ID, &run.TaskID, &kind, &status, &run.Progress, &run.Stage, &run.Message,
		&run.ErrorCode, &run.ErrorMessage, &run.ErrorStage,
		&run.Stats.Total, &run.Stats.Succeeded, &run.Stats.Failed, &run.Stats.Skipped, &run.Stats.Cancelled,
		&counters, &run.Output,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt, &elapsedMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Kind = domain.Kind(kind)
	run.Status = domain.Status(status)
	run.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	run.Stats.Processed = run.Stats.Succeeded + run.Stats.Failed + run.Stats.Skipped
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Stats.Counters); err != nil {
			return nil, fmt.Errorf("unmarshal counters: %w", err)
		}
	}
	return &run, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
