package jobrunner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/jobs"
	"github.com/ramiqadoumi/go-ingest-flow/internal/kafka"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

// ── fakes ────────────────────────────────────────────────────────────────────

const kindEcho domain.Kind = "echo"

type echoParams struct {
	Value string `json:"value"`
	Block bool   `json:"block"`
}

type echoJob struct{ params echoParams }

func (j *echoJob) Kind() domain.Kind { return kindEcho }
func (j *echoJob) Validate() error {
	if j.params.Value == "" {
		return &domain.ValidationError{Field: "value", Reason: "required"}
	}
	return nil
}
func (j *echoJob) Run(ctx context.Context, t *task.Task) (any, error) {
	t.MarkProcessing()
	if j.params.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return j.params.Value, nil
}

type recorder struct {
	mu     sync.Mutex
	events []task.Event
}

func (r *recorder) Emit(_ context.Context, e task.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// waitFor blocks until an event with the given name is seen for taskID.
func (r *recorder) waitFor(t *testing.T, taskID string, name task.EventName) task.Event {
	t.Helper()
	var found task.Event
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, e := range r.events {
			if e.Task.ID == taskID && e.Name == name {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event for %s", name, taskID)
	return found
}

type fakeConsumer struct {
	msgs []kafka.Message
}

func (c *fakeConsumer) Subscribe(ctx context.Context, h kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		if err := h(ctx, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}
func (c *fakeConsumer) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestService(t testing.TB, consumer kafka.Consumer, opts ...Option) (*Service, *recorder) {
	t.Helper()
	f := jobs.NewFactory(jobs.Deps{})
	f.Register(kindEcho, func(raw json.RawMessage, _ jobs.Deps) (task.Job, error) {
		var p echoParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &domain.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return &echoJob{params: p}, nil
	})
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithObservers(rec), WithEmitInterval(0)}, opts...)
	return NewService(consumer, f, opts...), rec
}

func requestMsg(t testing.TB, req jobs.Request) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(req.ID), Value: raw}
}

func echo(id string, p echoParams) jobs.Request {
	raw, _ := json.Marshal(p)
	return jobs.Request{ID: id, Kind: kindEcho, Params: raw}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestService_SubmitRunsToCompletion(t *testing.T) {
	s, rec := newTestService(t, nil)

	require.NoError(t, s.processMessage(context.Background(), requestMsg(t, echo("job-1", echoParams{Value: "hi"}))))

	done := rec.waitFor(t, "job-1", task.EventCompleted)
	assert.Equal(t, domain.StatusCompleted, done.Task.Status)
	assert.Equal(t, "hi", done.Task.Output)
	rec.waitFor(t, "job-1", task.EventStarted)
	assert.Eventually(t, func() bool { return s.Registry().Len() == 0 }, time.Second, 5*time.Millisecond,
		"finished task should leave the registry")
}

func TestService_MalformedMessageIsDiscarded(t *testing.T) {
	s, rec := newTestService(t, nil)

	for _, raw := range []string{`not json`, `{"id":"x"}`, `{"id":"x","action":"pause"}`} {
		err := s.processMessage(context.Background(), kafka.Message{Value: []byte(raw)})
		assert.NoError(t, err, "offset must be committed for %q", raw)
	}
	assert.Equal(t, 0, s.Registry().Len())
	assert.Empty(t, rec.events)
}

func TestService_UnknownKindFailsVisibly(t *testing.T) {
	s, rec := newTestService(t, nil)

	req := jobs.Request{ID: "job-2", Kind: "transcode", Params: json.RawMessage(`{}`)}
	require.NoError(t, s.processMessage(context.Background(), requestMsg(t, req)))

	failed := rec.waitFor(t, "job-2", task.EventFailed)
	require.NotNil(t, failed.Task.Error)
	assert.Contains(t, failed.Task.Error.Message, "transcode")
}

func TestService_InvalidPayloadFailsBeforeRunning(t *testing.T) {
	s, rec := newTestService(t, nil)

	require.NoError(t, s.processMessage(context.Background(), requestMsg(t, echo("job-3", echoParams{}))))

	failed := rec.waitFor(t, "job-3", task.EventFailed)
	assert.Equal(t, domain.StatusFailed, failed.Task.Status)
	require.NotNil(t, failed.Task.Error)
	assert.Equal(t, "validation", failed.Task.Error.Code)
}

func TestService_CancelRequest(t *testing.T) {
	s, rec := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, s.processMessage(ctx, requestMsg(t, echo("job-4", echoParams{Value: "v", Block: true}))))
	rec.waitFor(t, "job-4", task.EventStarted)

	require.NoError(t, s.processMessage(ctx, requestMsg(t, jobs.Request{ID: "job-4", Action: jobs.ActionCancel})))

	cancelled := rec.waitFor(t, "job-4", task.EventCancelled)
	assert.Equal(t, domain.StatusCancelled, cancelled.Task.Status)
	assert.True(t, cancelled.Task.CancelRequested)

	// Cancelling an unknown or finished task is a no-op.
	assert.Equal(t, resultNotFound, s.cancel(jobs.Request{ID: "nope"}))
}

func TestService_DuplicateIDIgnored(t *testing.T) {
	s, rec := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, s.processMessage(ctx, requestMsg(t, echo("job-5", echoParams{Value: "a", Block: true}))))
	rec.waitFor(t, "job-5", task.EventStarted)

	assert.Equal(t, resultDuplicate, s.submit(echo("job-5", echoParams{Value: "b"})))
	assert.Equal(t, 1, s.Registry().Len())

	require.NoError(t, s.Shutdown(ctx))
}

func TestService_RequestTimeoutCancels(t *testing.T) {
	s, rec := newTestService(t, nil, WithJobTimeout(time.Hour))

	req := echo("job-6", echoParams{Value: "v", Block: true})
	req.TimeoutSeconds = 1
	require.NoError(t, s.processMessage(context.Background(), requestMsg(t, req)))

	var cancelled task.Event
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, e := range rec.events {
			if e.Name == task.EventCancelled {
				cancelled = e
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, cancelled.Task.Message, "timed out")
}

func TestService_RunAndShutdown(t *testing.T) {
	consumer := &fakeConsumer{msgs: []kafka.Message{
		requestMsg(t, echo("a", echoParams{Value: "1", Block: true})),
		requestMsg(t, echo("b", echoParams{Value: "2", Block: true})),
	}}
	s, rec := newTestService(t, consumer)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	rec.waitFor(t, "a", task.EventStarted)
	rec.waitFor(t, "b", task.EventStarted)
	cancel()
	require.NoError(t, <-runErr)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, s.Shutdown(shutdownCtx))

	rec.waitFor(t, "a", task.EventCancelled)
	rec.waitFor(t, "b", task.EventCancelled)
	assert.Equal(t, 0, s.Registry().Len())
}
