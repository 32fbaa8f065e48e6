//go:build integration

// Run with: go test -tags=integration ./internal/postgres/
package postgres_test

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/postgres"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("ingest"),
		tcPostgres.WithUsername("ingest"),
		tcPostgres.WithPassword("ingest"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer ctr.Terminate(ctx) //nolint:errcheck

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer testPool.Close()

	if err := postgres.Migrate(ctx, testPool, postgres.MigrateUp, slog.Default()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	return m.Run()
}

func truncate(t *testing.T) {
	t.Cleanup(func() {
		testPool.Exec(context.Background(), "TRUNCATE task_item_results, task_runs CASCADE") //nolint:errcheck
	})
}

func TestRepository_RecordAndGetRun(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := postgres.NewRepository(testPool)

	started := time.Now().UTC().Add(-2 * time.Second).Truncate(time.Millisecond)
	finished := started.Add(2 * time.Second)
	code, msg := domain.CategoryNetwork, "boom"
	run := &postgres.RunRecord{
		TaskID:     "task-int-1",
		Kind:       domain.KindScrape,
		Status:     domain.StatusCompleted,
		Progress:   100,
		Stats:      domain.ProgressSnapshot{Total: 3, Succeeded: 2, Failed: 1, Counters: map[string]int64{"pdf_downloads": 1}},
		Output:     json.RawMessage(`{"output_path":"/out/a.json"}`),
		CreatedAt:  started,
		StartedAt:  &started,
		FinishedAt: &finished,
		Elapsed:    2 * time.Second,
	}
	items := []postgres.ItemRecord{
		{Index: 0, Status: domain.ItemSucceeded, Value: json.RawMessage(`{"title":"a"}`)},
		{Index: 1, Status: domain.ItemSucceeded, Attempt: 1},
		{Index: 2, Status: domain.ItemFailed, Category: &code, Error: &msg, Attempt: 2, Duration: 150 * time.Millisecond},
	}
	require.NoError(t, repo.RecordRun(ctx, run, items))
	require.NotEmpty(t, run.ID)

	got, err := repo.GetRun(ctx, "task-int-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.Stats.Processed)
	assert.Equal(t, int64(1), got.Stats.Counter("pdf_downloads"))
	assert.JSONEq(t, `{"output_path":"/out/a.json"}`, string(got.Output))
	assert.Equal(t, 2*time.Second, got.Elapsed)

	stored, err := repo.ItemResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, domain.ItemFailed, stored[2].Status)
	assert.Equal(t, "boom", *stored[2].Error)
	assert.Equal(t, 150*time.Millisecond, stored[2].Duration)
}

func TestRepository_GetRun_NotFound(t *testing.T) {
	_, err := postgres.NewRepository(testPool).GetRun(context.Background(), "missing")
	var nf *domain.TaskNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestHistory_RecordsTerminalEvent(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := postgres.NewRepository(testPool)
	h := postgres.NewHistory(repo, slog.Default())

	view := domain.StatusView{
		ID:        "task-int-2",
		Kind:      domain.KindFileProcessing,
		Status:    domain.StatusCancelled,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.Emit(ctx, task.Event{Name: task.EventCancelled, Task: view}))

	runs, err := repo.ListRuns(ctx, domain.KindFileProcessing, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusCancelled, runs[0].Status)
}
