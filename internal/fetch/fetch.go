// Package fetch is the HTTP network collaborator. It classifies failures so
// the retry policy can tell transient from terminal errors.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBytes  = 64 << 20
	defaultUserAgent = "go-ingest-flow/1.0"
)

// ErrRateLimited is returned (wrapped as transient) when the per-host
// limiter rejects a request.
var ErrRateLimited = errors.New("per-host rate limit reached")

// Limiter throttles requests per key. The Redis sliding-window limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Response is a fully-read HTTP response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher performs GET requests.
type Fetcher struct {
	client    *http.Client
	limiter   Limiter
	userAgent string
	maxBytes  int64
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }
func WithTimeout(d time.Duration) Option { return func(f *Fetcher) { f.client.Timeout = d } }
func WithLimiter(l Limiter) Option { return func(f *Fetcher) { f.limiter = l } }
func WithUserAgent(ua string) Option { return func(f *Fetcher) { f.userAgent = ua } }
func WithMaxBytes(n int64) Option { return func(f *Fetcher) { f.maxBytes = n } }
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// New creates a Fetcher with a 30s client timeout.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: defaultTimeout},
		userAgent: defaultUserAgent,
		maxBytes:  defaultMaxBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs rawURL and returns the body.
//
//   - 5xx, 429, timeouts and connection errors → transient
//   - other 4xx, bad URLs, oversize bodies → terminal
//   - a cancelled ctx is returned as-is
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	ctx, span := otel.Tracer("fetch").Start(ctx, "fetch.get")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", rawURL))

	resp, err := f.fetch(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.Category(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int("http.response_size", len(resp.Body)),
	)
	return resp, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.Terminal("fetch", fmt.Errorf("invalid url %q", rawURL))
	}

	if f.limiter != nil {
		allowed, err := f.limiter.Allow(ctx, "fetch:"+u.Hostname())
		switch {
		case err != nil:
			// Fail open: a broken limiter must not stop ingestion.
			f.logger.Warn("rate limiter unavailable", slog.String("host", u.Hostname()), slog.String("error", err.Error()))
		case !allowed:
			return nil, domain.Transient("fetch "+u.Hostname(), ErrRateLimited)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.Terminal("build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient("get "+rawURL, err)
	}
	defer resp.Body.Close()

	if err := statusError(rawURL, resp.StatusCode); err != nil {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transient("read "+rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, domain.Terminal("read "+rawURL, fmt.Errorf("body exceeds %d bytes", f.maxBytes))
	}

	return &Response{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// FetchPDF fetches rawURL and rejects bodies that are not PDF documents.
func (f *Fetcher) FetchPDF(ctx context.Context, rawURL string) (*Response, error) {
	resp, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if mt := mimetype.Detect(resp.Body); !mt.Is("application/pdf") {
		return nil, domain.Terminal("fetch pdf", fmt.Errorf("%s: expected application/pdf, got %s", rawURL, mt.String()))
	}
	return resp, nil
}

func statusError(rawURL string, code int) error {
	switch {
	case code < http.StatusBadRequest:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return domain.Transient("get "+rawURL, fmt.Errorf("status %d", code))
	default:
		return domain.TerminalNetwork("get "+rawURL, fmt.Errorf("status %d", code))
	}
}
