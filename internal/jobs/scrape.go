package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/handlers"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pipeline"
	"github.com/ramiqadoumi/go-ingest-flow/internal/sink"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

// ScrapeTarget is one URL and what to extract from it. Targets with the
// pdf setting are downloaded instead of scraped.
type ScrapeTarget struct {
	URL     string `json:"url" validate:"required,url"`
	Setting string `json:"setting" validate:"required,oneof=full metadata title keyword pdf"`
	Keyword string `json:"keyword" validate:"required_if=Setting keyword"`
}

type ScrapeParams struct {
	Targets []ScrapeTarget `json:"targets" validate:"required,min=1,dive"`
	// PDFDir is the sink subdirectory downloaded PDFs are written to.
	PDFDir string `json:"pdf_dir"`
	Output string `json:"output"`
}

// ScrapeJob runs targets through the scrape -> download -> process pipeline.
type ScrapeJob struct {
	params ScrapeParams
	deps   Deps
}

func NewScrapeJob(params ScrapeParams, deps Deps) *ScrapeJob {
	if params.PDFDir == "" {
		params.PDFDir = "pdfs"
	}
	return &ScrapeJob{params: params, deps: deps}
}

func (j *ScrapeJob) Kind() domain.Kind { return domain.KindScrape }

func (j *ScrapeJob) Validate() error {
	if err := checkParams(j.params); err != nil {
		return err
	}
	if j.deps.Fetcher == nil || j.deps.Processor == nil {
		return &domain.ValidationError{Reason: "scrape requires a fetcher and a content processor"}
	}
	return checkOutput(j.deps.Sink)
}

func (j *ScrapeJob) Run(ctx context.Context, t *task.Task) (any, error) {
	t.SetStage(StageInitializing)
	pdfSink, err := j.deps.Sink.Sub(j.params.PDFDir)
	if err != nil {
		return nil, &domain.ValidationError{Field: "pdf_dir", Reason: err.Error()}
	}
	t.EmitProgress(WindowInit.End, "initialized")

	t.SetStage(StageEnumerating)
	items := make([]domain.WorkItem, len(j.params.Targets))
	for i, target := range j.params.Targets {
		items[i] = domain.WorkItem{Index: i, Payload: target}
	}
	t.EmitProgress(WindowEnumerate.End, fmt.Sprintf("%d targets", len(items)))

	t.MarkProcessing()
	t.SetStage(StageScraping)
	downloadWorkers := j.deps.DownloadWorkers
	if downloadWorkers <= 0 {
		downloadWorkers = j.deps.MaxWorkers
	}
	pl := pipeline.New(
		j.deps.pool(t, "scrape", j.deps.MaxWorkers),
		j.deps.pool(t, "download", downloadWorkers),
		t.Stats(),
		pipeline.WithOnResult(progressFn(t, "targets")),
		pipeline.WithLogger(t.Logger()),
	)

	var outPath string
	results, err := pl.Run(ctx, items, pipeline.Stages{
		IsDownload: func(item domain.WorkItem) bool {
			return item.Payload.(ScrapeTarget).Setting == handlers.SettingPDF
		},
		Scrape: j.scrape,
		Download: func(ctx context.Context, item domain.WorkItem) (any, error) {
			return j.download(ctx, pdfSink, item)
		},
		Finalize: func(ctx context.Context, results []domain.Result) error {
			p, err := finalize(ctx, t, j.deps.Sink, outputName(t, j.params.Output), results, nil)
			outPath = p
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return &Summary{OutputPath: outPath, Stats: t.Stats().Snapshot(), results: results}, nil
}

func (j *ScrapeJob) scrape(ctx context.Context, item domain.WorkItem) (any, error) {
	target := item.Payload.(ScrapeTarget)
	resp, err := j.deps.Fetcher.Fetch(ctx, target.URL)
	if err != nil {
		return nil, err
	}
	return j.deps.Processor.Process(ctx, handlers.Unit{
		Kind:    handlers.UnitPage,
		Source:  resp.URL,
		Data:    resp.Body,
		Setting: target.Setting,
		Keyword: target.Keyword,
	})
}

// download fetches a PDF, stores it, then processes the stored copy. A
// sink failure is an infrastructure error and fails the job.
func (j *ScrapeJob) download(ctx context.Context, out sink.Sink, item domain.WorkItem) (any, error) {
	target := item.Payload.(ScrapeTarget)
	resp, err := j.deps.Fetcher.FetchPDF(ctx, target.URL)
	if err != nil {
		return nil, err
	}
	stored, err := out.Write(ctx, pdfName(item.Index, target.URL), resp.Body)
	if err != nil {
		return nil, err
	}
	j.deps.logger().Debug("pdf stored", slog.String("url", target.URL), slog.String("path", stored))
	return j.deps.Processor.Process(ctx, handlers.Unit{
		Kind:   handlers.UnitPDF,
		Source: target.URL,
		Data:   resp.Body,
		Meta:   map[string]string{"path": stored},
	})
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// pdfName derives a file name from the URL path, prefixed with the item
// index so that equal basenames never collide.
func pdfName(index int, rawURL string) string {
	base := "document"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" {
			base = b
		}
	}
	base = unsafeName.ReplaceAllString(base, "_")
	if path.Ext(base) == "" {
		base += ".pdf"
	}
	return fmt.Sprintf("%03d-%s", index, base)
}
