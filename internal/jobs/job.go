// Package jobs adapts domain inputs (files, playlists, scrape targets) into
// task.Job implementations built on the shared pool and pipeline.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/fetch"
	"github.com/ramiqadoumi/go-ingest-flow/internal/handlers"
	"github.com/ramiqadoumi/go-ingest-flow/internal/playlist"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/internal/sink"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/retry"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Fetcher is the network collaborator used by scrape jobs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Response, error)
	FetchPDF(ctx context.Context, url string) (*fetch.Response, error)
}

// Deps are the collaborators shared by every job built by a Factory.
type Deps struct {
	Processor   handlers.Processor
	Fetcher     Fetcher
	Playlists   playlist.Enumerator
	Transcripts playlist.TranscriptSource
	Sink        *sink.FileSink

	Retry           retry.Policy
	MaxWorkers      int
	DownloadWorkers int
	InFlight        pool.InFlightPolicy
	Logger          *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// pool builds a worker pool for one run of one task. Pools record into
// the task's stats unless they feed a pipeline.
func (d Deps) pool(t *task.Task, name string, workers int, opts ...pool.Option) *pool.Pool {
	base := []pool.Option{
		pool.WithName(name),
		pool.WithMaxWorkers(workers),
		pool.WithRetry(d.Retry),
		pool.WithLogger(t.Logger().With(slog.String("pool", name))),
	}
	if d.InFlight != "" {
		base = append(base, pool.WithInFlightPolicy(d.InFlight))
	}
	return pool.New(append(base, opts...)...)
}

// Document is the JSON written to a job's output path.
type Document struct {
	TaskID      string                  `json:"task_id"`
	Kind        domain.Kind             `json:"kind"`
	Status      string                  `json:"status"`
	GeneratedAt time.Time               `json:"generated_at"`
	Stats       domain.ProgressSnapshot `json:"stats"`
	Results     []domain.Result         `json:"results"`
	// Errors lists input-level failures that produced no items.
	Errors []string `json:"errors,omitempty"`
}

// Summary is the Output of a finished job.
type Summary struct {
	OutputPath string                  `json:"output_path,omitempty"`
	Stats      domain.ProgressSnapshot `json:"stats"`
	results    []domain.Result
}

// ItemResults returns the ordered per-item results of the run.
func (s *Summary) ItemResults() []domain.Result { return s.results }

// outputName is the document name inside the sink.
func outputName(t *task.Task, override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("%s-%s.json", t.Kind(), t.ID())
}

// finalize writes the output document. A cancelled task writes nothing.
func finalize(ctx context.Context, t *task.Task, out *sink.FileSink, name string, results []domain.Result, inputErrs []string) (string, error) {
	t.SetStage(StageFinalizing)
	t.EmitProgress(WindowFinalize.Start, "writing output")
	if t.CancelRequested() {
		return "", nil
	}
	doc := Document{
		TaskID:      t.ID(),
		Kind:        t.Kind(),
		Status:      "completed",
		GeneratedAt: time.Now().UTC(),
		Stats:       t.Stats().Snapshot(),
		Results:     results,
		Errors:      inputErrs,
	}
	path, err := out.WriteJSON(ctx, name, doc)
	if err != nil {
		return "", err
	}
	t.Logger().Info("output written", slog.String("path", path), slog.Int("results", len(results)))
	return path, nil
}

// progressFn reports work-window progress after each settled item.
func progressFn(t *task.Task, noun string) func(domain.Result) {
	return func(domain.Result) {
		snap := t.Stats().Snapshot()
		done := snap.Processed + snap.Cancelled
		t.EmitProgress(WindowWork.Of(done, snap.Total), fmt.Sprintf("%d/%d %s", done, snap.Total, noun))
	}
}

// checkParams validates struct tags and reports the first violation as a
// ValidationError.
func checkParams(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		// Namespace is "Params.targets[0].url"; drop the struct name.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("failed %q constraint", fe.Tag())}
	}
	return &domain.ValidationError{Reason: err.Error()}
}

// checkOutput reports an unwritable output location.
func checkOutput(out *sink.FileSink) error {
	if out == nil {
		return &domain.ValidationError{Field: "output_dir", Reason: "no output sink configured"}
	}
	return out.CheckWritable()
}
