// Package pipeline chains a scrape pool and a download pool through queues
// and reassembles their results in input order.
//
// Scrape workers resolve cheap items themselves and hand download targets
// to the download queue without waiting, so a slow download never holds a
// scrape slot. A single aggregator goroutine is the only writer of the
// ordered output and the only place completion is declared.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/internal/stats"
)

// DefaultDownloadCounter is the stats counter bumped per successful download.
const DefaultDownloadCounter = "pdf_downloads"

const defaultPollInterval = 200 * time.Millisecond

// Stages are the domain callbacks a job plugs into the pipeline.
type Stages struct {
	// IsDownload routes an item to the download stage instead of resolving
	// it in the scrape stage.
	IsDownload func(item domain.WorkItem) bool
	// Scrape resolves a non-download item.
	Scrape pool.WorkFunc
	// Download fetches a target and processes the artifact in-process.
	Download pool.WorkFunc
	// Finalize receives the ordered results exactly once, after every
	// item has a Result.
	Finalize func(ctx context.Context, results []domain.Result) error
}

// Pipeline wires two pools together. The pools must not record into agg
// themselves; the aggregator does that.
type Pipeline struct {
	scrape       *pool.Pool
	download     *pool.Pool
	stats        *stats.Aggregator
	counter      string
	pollInterval time.Duration
	onResult     func(domain.Result)
	logger       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDownloadCounter renames the counter bumped per successful download.
func WithDownloadCounter(name string) Option { return func(p *Pipeline) { p.counter = name } }

// WithPollInterval bounds how long the aggregator blocks on an empty queue.
func WithPollInterval(d time.Duration) Option { return func(p *Pipeline) { p.pollInterval = d } }

// WithOnResult is called from the aggregator goroutine for every Result,
// after stats are updated.
func WithOnResult(fn func(domain.Result)) Option { return func(p *Pipeline) { p.onResult = fn } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// New builds a Pipeline recording into agg.
func New(scrape, download *pool.Pool, agg *stats.Aggregator, opts ...Option) *Pipeline {
	p := &Pipeline{
		scrape:       scrape,
		download:     download,
		stats:        agg,
		counter:      DefaultDownloadCounter,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pushes items through both stages and returns len(items) results with
// results[i].Index == i. Item failures never fail the run; the returned
// error is an infrastructure failure from an item or from Finalize.
// Cancelling ctx stops dispatch; every remaining item is still accounted
// for as cancelled so completion is always reached.
func (p *Pipeline) Run(ctx context.Context, items []domain.WorkItem, st Stages) ([]domain.Result, error) {
	n := len(items)
	if err := p.stats.SetTotal(int64(n)); err != nil {
		return nil, domain.Infrastructure("seal total", err)
	}
	results := make([]domain.Result, n)
	if n == 0 {
		return results, p.finalize(ctx, st, results)
	}

	// Every queue is sized to the whole input so producers never block on
	// a slower stage.
	scrapeQ := make(chan domain.WorkItem, n)
	downloadQ := make(chan domain.WorkItem, n)
	resultQ := make(chan domain.Result, n)
	for _, it := range items {
		scrapeQ <- it
	}
	close(scrapeQ)

	var remaining atomic.Int64
	remaining.Store(int64(n))

	var stages errgroup.Group
	stages.Go(func() error {
		defer close(downloadQ)
		return p.runScrape(ctx, st, n, scrapeQ, downloadQ, resultQ)
	})
	stages.Go(func() error {
		return p.runDownload(ctx, st, downloadQ, resultQ)
	})
	stagesDone := make(chan error, 1)
	go func() {
		err := stages.Wait()
		close(resultQ)
		stagesDone <- err
	}()

	infraErr := p.aggregate(ctx, results, resultQ, &remaining)
	if err := <-stagesDone; err != nil && infraErr == nil {
		infraErr = err
	}

	for i := range results {
		// Only reachable if a stage lost an item; never leave a hole.
		if results[i].Status == "" {
			p.logger.Error("item missing from pipeline output", slog.Int("index", i))
			results[i] = domain.CancelledResult(items[i])
			p.stats.Record(domain.ItemCancelled)
		}
	}

	finalErr := p.finalize(ctx, st, results)
	return results, errors.Join(infraErr, finalErr)
}

func (p *Pipeline) runScrape(ctx context.Context, st Stages, n int, in <-chan domain.WorkItem, downloadQ chan<- domain.WorkItem, resultQ chan<- domain.Result) error {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.scrape")
	defer span.End()

	workers := p.scrape.Workers(n)
	span.SetAttributes(attribute.Int("pipeline.workers", workers))

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for item := range in {
				if ctx.Err() == nil && st.IsDownload != nil && st.IsDownload(item) {
					downloadQ <- item
					continue
				}
				resultQ <- p.scrape.Process(ctx, item, st.Scrape)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) runDownload(ctx context.Context, st Stages, in <-chan domain.WorkItem, resultQ chan<- domain.Result) error {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "pipeline.download")
	defer span.End()

	var downloaded int64
	for res := range p.download.Stream(ctx, in, st.Download) {
		if res.Status == domain.ItemSucceeded {
			downloaded++
			p.stats.Incr(p.counter, 1)
		}
		resultQ <- res
	}
	span.SetAttributes(attribute.Int64("pipeline.downloaded", downloaded))
	return nil
}

// aggregate is the single consumer of resultQ. It returns once every index
// has a Result or the queue is closed.
func (p *Pipeline) aggregate(ctx context.Context, results []domain.Result, resultQ <-chan domain.Result, remaining *atomic.Int64) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	seen := make([]bool, len(results))
	var infraErr error
	cancelLogged := false

	for remaining.Load() > 0 {
		select {
		case res, ok := <-resultQ:
			if !ok {
				return infraErr
			}
			if res.Index < 0 || res.Index >= len(results) || seen[res.Index] {
				p.logger.Error("dropping unexpected result", slog.Int("index", res.Index))
				continue
			}
			seen[res.Index] = true
			results[res.Index] = res
			p.stats.Record(res.Status)
			if infraErr == nil && pool.IsInfrastructure(res) {
				infraErr = fmt.Errorf("item %d: %w", res.Index, res.Err)
			}
			if p.onResult != nil {
				p.onResult(res)
			}
			remaining.Add(-1)
		case <-ticker.C:
			if ctx.Err() != nil && !cancelLogged {
				cancelLogged = true
				p.logger.Info("pipeline draining after cancellation", slog.Int64("remaining", remaining.Load()))
			}
		}
	}
	return infraErr
}

func (p *Pipeline) finalize(ctx context.Context, st Stages, results []domain.Result) error {
	if st.Finalize == nil {
		return nil
	}
	if err := st.Finalize(ctx, results); err != nil {
		if domain.IsInfrastructure(err) {
			return err
		}
		return domain.Infrastructure("finalize", err)
	}
	return nil
}
