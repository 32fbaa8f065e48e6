package jobrunner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/jobs"
	"github.com/ramiqadoumi/go-ingest-flow/internal/kafka"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/telemetry"
)

// Intake results recorded on the requests_total metric.
const (
	resultAccepted  = "accepted"
	resultRejected  = "rejected"
	resultDuplicate = "duplicate"
	resultCancelled = "cancelled"
	resultNotFound  = "not_found"
	resultFinished  = "already_finished"
)

// Service consumes job requests from Kafka and runs each one as a task.
type Service struct {
	consumer     kafka.Consumer
	factory      *jobs.Factory
	registry     *task.Registry
	observers    []task.Observer
	observer     task.Observer
	jobTimeout   time.Duration
	emitInterval time.Duration // negative keeps the task default
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option          { return func(s *Service) { s.logger = l } }
func WithJobTimeout(d time.Duration) Option     { return func(s *Service) { s.jobTimeout = d } }
func WithEmitInterval(d time.Duration) Option   { return func(s *Service) { s.emitInterval = d } }
func WithRegistry(r *task.Registry) Option      { return func(s *Service) { s.registry = r } }
func WithObservers(obs ...task.Observer) Option { return func(s *Service) { s.observers = append(s.observers, obs...) } }

// NewService constructs a Service. Every task it starts reports to a
// LogObserver followed by the observers passed through WithObservers.
func NewService(consumer kafka.Consumer, factory *jobs.Factory, opts ...Option) *Service {
	s := &Service{
		consumer:     consumer,
		factory:      factory,
		registry:     task.NewRegistry(),
		emitInterval: -1,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	chain := append([]task.Observer{task.NewLogObserver(s.logger)}, s.observers...)
	s.observer = task.NewMultiObserver(s.logger, chain...)
	return s
}

// Registry exposes the live tasks.
func (s *Service) Registry() *task.Registry { return s.registry }

// Run consumes requests until ctx is cancelled. Tasks already started keep
// running; call Shutdown to stop them.
func (s *Service) Run(ctx context.Context) error {
	return s.consumer.Subscribe(ctx, s.processMessage)
}

// Shutdown cancels every live task and waits until each one's terminal
// event has reached the observers, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	cancelled := s.registry.CancelAll()
	if len(cancelled) > 0 {
		s.logger.Info("cancelling live tasks", slog.Int("count", len(cancelled)))
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processMessage is the Kafka HandlerFunc. It always returns nil so the
// offset is committed; a bad request must not block the partition.
func (s *Service) processMessage(ctx context.Context, msg kafka.Message) error {
	req, err := jobs.DecodeRequest(msg.Value)
	if err != nil {
		s.logger.Error("malformed job request, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		telemetry.RequestsReceived.WithLabelValues("unknown", resultRejected).Inc()
		return nil
	}

	_, span := otel.Tracer("jobrunner").Start(ctx, "jobrunner.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.action", req.Action),
		attribute.String("task.id", req.ID),
		attribute.String("task.kind", string(req.Kind)),
	)

	var result string
	switch req.Action {
	case jobs.ActionCancel:
		result = s.cancel(req)
	default:
		result = s.submit(req)
	}
	if result == resultRejected {
		span.SetStatus(codes.Error, "request rejected")
	}
	span.SetAttributes(attribute.String("request.result", result))
	telemetry.RequestsReceived.WithLabelValues(req.Action, result).Inc()
	return nil
}

// Submit starts a job that did not arrive through Kafka and reports whether
// it was accepted.
func (s *Service) Submit(req jobs.Request) bool {
	result := s.submit(req)
	telemetry.RequestsReceived.WithLabelValues("scheduled", result).Inc()
	return result == resultAccepted
}

func (s *Service) submit(req jobs.Request) string {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	log := s.logger.With(
		slog.String("task_id", req.ID),
		slog.String("task_kind", string(req.Kind)),
	)

	job, err := s.factory.Build(req.Kind, req.Params)
	if err != nil {
		// The task still runs through Start so observers see it fail.
		job = rejectedJob{kind: req.Kind, err: err}
	}

	timeout := req.Timeout()
	if timeout == 0 {
		timeout = s.jobTimeout
	}
	opts := []task.Option{
		task.WithObserver(s.observer),
		task.WithLogger(s.logger),
		task.WithTimeout(timeout),
	}
	if s.emitInterval >= 0 {
		opts = append(opts, task.WithEmitInterval(s.emitInterval))
	}
	t := task.New(req.ID, job, opts...)

	if err := s.registry.Add(t); err != nil {
		var exists *domain.TaskAlreadyExistsError
		if errors.As(err, &exists) {
			log.Warn("duplicate job request, ignoring")
			return resultDuplicate
		}
		log.Error("register task", slog.String("error", err.Error()))
		return resultRejected
	}

	s.wg.Add(1)
	t.OnTerminal(func(*task.Task) { s.wg.Done() })

	if err := t.Start(); err != nil {
		return resultRejected
	}
	log.Info("job accepted", slog.Duration("timeout", timeout))
	return resultAccepted
}

func (s *Service) cancel(req jobs.Request) string {
	log := s.logger.With(slog.String("task_id", req.ID))
	ok, err := s.registry.Cancel(req.ID)
	switch {
	case err != nil:
		log.Warn("cancel for unknown task", slog.String("error", err.Error()))
		return resultNotFound
	case !ok:
		log.Info("cancel for finished task ignored")
		return resultFinished
	}
	log.Info("cancellation requested")
	return resultCancelled
}

// rejectedJob stands in for a request whose kind or payload could not be
// built; it fails validation with the build error.
type rejectedJob struct {
	kind domain.Kind
	err  error
}

func (j rejectedJob) Kind() domain.Kind { return j.kind }
func (j rejectedJob) Validate() error   { return j.err }
func (j rejectedJob) Run(context.Context, *task.Task) (any, error) {
	return nil, j.err
}
