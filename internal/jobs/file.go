package jobs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/handlers"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

// FileParams selects the files to process: an explicit list, a directory
// walk, or both.
type FileParams struct {
	Files      []string `json:"files" validate:"omitempty,dive,required"`
	Dir        string   `json:"dir"`
	Extensions []string `json:"extensions" validate:"omitempty,dive,required"`
	Recursive  bool     `json:"recursive"`
	Output     string   `json:"output"`
}

// FileProcessingJob runs every selected file through the content processor.
type FileProcessingJob struct {
	params FileParams
	deps   Deps
}

func NewFileProcessingJob(params FileParams, deps Deps) *FileProcessingJob {
	return &FileProcessingJob{params: params, deps: deps}
}

func (j *FileProcessingJob) Kind() domain.Kind { return domain.KindFileProcessing }

func (j *FileProcessingJob) Validate() error {
	if err := checkParams(j.params); err != nil {
		return err
	}
	if len(j.params.Files) == 0 && j.params.Dir == "" {
		return &domain.ValidationError{Field: "files", Reason: "no files or dir given"}
	}
	if j.deps.Processor == nil {
		return &domain.ValidationError{Reason: "no content processor configured"}
	}
	return checkOutput(j.deps.Sink)
}

func (j *FileProcessingJob) Run(ctx context.Context, t *task.Task) (any, error) {
	t.SetStage(StageInitializing)
	t.EmitProgress(WindowInit.End, "initialized")

	t.SetStage(StageEnumerating)
	paths, err := j.enumerate(ctx, t.Logger())
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &domain.ValidationError{Field: "dir", Reason: "no matching files"}
	}
	if err := t.Stats().SetTotal(int64(len(paths))); err != nil {
		return nil, domain.Infrastructure("seal total", err)
	}
	t.EmitProgress(WindowEnumerate.End, fmt.Sprintf("%d files found", len(paths)))

	items := make([]domain.WorkItem, len(paths))
	for i, p := range paths {
		items[i] = domain.WorkItem{Index: i, Payload: p}
	}

	t.MarkProcessing()
	t.SetStage(StageProcessing)
	p := j.deps.pool(t, "files", j.deps.MaxWorkers,
		pool.WithCPUBound(true),
		pool.WithStats(t.Stats()),
		pool.WithOnResult(progressFn(t, "files")),
	)
	results, err := p.Run(ctx, items, func(ctx context.Context, item domain.WorkItem) (any, error) {
		return j.deps.Processor.Process(ctx, handlers.Unit{Kind: handlers.UnitFile, Source: item.Payload.(string)})
	})
	if err != nil {
		return nil, err
	}

	path, err := finalize(ctx, t, j.deps.Sink, outputName(t, j.params.Output), results, nil)
	if err != nil {
		return nil, err
	}
	return &Summary{OutputPath: path, Stats: t.Stats().Snapshot(), results: results}, nil
}

// enumerate returns the explicit files followed by the walk result in
// lexical order, without duplicates.
func (j *FileProcessingJob) enumerate(ctx context.Context, logger *slog.Logger) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range j.params.Files {
		add(filepath.Clean(f))
	}
	if j.params.Dir == "" {
		return out, nil
	}

	exts := make(map[string]bool, len(j.params.Extensions))
	for _, e := range j.params.Extensions {
		exts["."+strings.TrimPrefix(strings.ToLower(e), ".")] = true
	}
	root := filepath.Clean(j.params.Dir)
	var walked []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("skipping unreadable path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && !j.params.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		walked = append(walked, path)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ValidationError{Field: "dir", Reason: err.Error()}
	}
	for _, p := range walked {
		add(p)
	}
	return out, nil
}
