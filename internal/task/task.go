package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/stats"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/telemetry"
)

const (
	defaultEmitInterval = 500 * time.Millisecond
	defaultEmitTimeout  = 5 * time.Second
	defaultEventBuffer  = 256
)

// Job is the work a Task drives. Job Type adapters implement it.
type Job interface {
	Kind() domain.Kind
	// Validate runs synchronously inside Start; an error fails the task
	// before any work is launched.
	Validate() error
	// Run performs the work. ctx is cancelled when the task is cancelled.
	// The returned value becomes the task's Output.
	Run(ctx context.Context, t *Task) (any, error)
}

// ErrAlreadyStarted is returned by Start on a task that left Pending.
var ErrAlreadyStarted = errors.New("task already started")

// Task owns one background job's lifecycle, progress and cancellation flag.
type Task struct {
	id   string
	kind domain.Kind
	job  Job

	observer     Observer
	logger       *slog.Logger
	emitInterval time.Duration
	emitTimeout  time.Duration
	timeout      time.Duration
	now          func() time.Time
	stats        *stats.Aggregator

	cancelRequested atomic.Bool
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}

	// emitMu orders view construction and queueing, so queued events are in
	// state order. It is taken before mu and never held across observer I/O.
	emitMu  sync.Mutex
	limiter *rate.Limiter

	// One goroutine per task drains queue, then delivers final and settles.
	queue       chan Event
	final       chan Event
	eventBuffer int
	deliverOnce sync.Once

	mu           sync.Mutex
	status       domain.Status
	progress     int
	stage        string
	message      string
	taskErr      *domain.TaskError
	output       any
	createdAt    time.Time
	startedAt    time.Time
	finishedAt   time.Time
	lastEventAt  time.Time
	cancelReason string
	timer        *time.Timer
	settled      bool
	onTerminal   []func(*Task)
}

// Option configures a Task.
type Option func(*Task)

func WithObserver(o Observer) Option { return func(t *Task) { t.observer = o } }
func WithLogger(l *slog.Logger) Option { return func(t *Task) { t.logger = l } }
func WithEmitInterval(d time.Duration) Option { return func(t *Task) { t.emitInterval = d } }
func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }
func WithClock(now func() time.Time) Option { return func(t *Task) { t.now = now } }
func WithStats(agg *stats.Aggregator) Option { return func(t *Task) { t.stats = agg } }

// WithEventBuffer sets how many non-terminal events may wait for a slow
// observer. Further progress events are dropped until it catches up.
func WithEventBuffer(n int) Option { return func(t *Task) { t.eventBuffer = n } }
func WithOnTerminal(fn func(*Task)) Option { return func(t *Task) { t.onTerminal = append(t.onTerminal, fn) } }

// New creates a Pending task. An empty id gets a random UUID.
func New(id string, job Job, opts ...Option) *Task {
	if id == "" {
		id = uuid.New().String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:           id,
		kind:         job.Kind(),
		job:          job,
		logger:       slog.Default(),
		emitInterval: defaultEmitInterval,
		emitTimeout:  defaultEmitTimeout,
		eventBuffer:  defaultEventBuffer,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       domain.StatusPending,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.stats == nil {
		t.stats = stats.New(stats.WithClock(t.now))
	}
	if t.eventBuffer < 1 {
		t.eventBuffer = 1
	}
	t.queue = make(chan Event, t.eventBuffer)
	t.final = make(chan Event, 1)
	limit := rate.Inf
	if t.emitInterval > 0 {
		limit = rate.Every(t.emitInterval)
	}
	t.limiter = rate.NewLimiter(limit, 1)
	t.createdAt = t.now()
	t.logger = t.logger.With(slog.String("task_id", t.id), slog.String("task_kind", string(t.kind)))
	return t
}

func (t *Task) ID() string { return t.id }
func (t *Task) Kind() domain.Kind { return t.kind }
func (t *Task) Stats() *stats.Aggregator { return t.stats }
func (t *Task) Logger() *slog.Logger { return t.logger }

// Done is closed once the task is terminal and its terminal event has been
// handed to the observer.
func (t *Task) Done() <-chan struct{} { return t.done }

// CancelRequested reports whether Cancel (or the timeout) has fired.
func (t *Task) CancelRequested() bool { return t.cancelRequested.Load() }

// Wait blocks until the task is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTerminal registers fn to run after the terminal event is delivered. If
// that already happened, fn runs immediately.
func (t *Task) OnTerminal(fn func(*Task)) {
	t.mu.Lock()
	if !t.settled {
		t.onTerminal = append(t.onTerminal, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(t)
}

// Start validates the job and launches it asynchronously. A validation
// failure moves the task straight to Failed and is returned. Start never
// blocks on the job itself.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != domain.StatusPending {
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, t.id, status)
	}
	t.mu.Unlock()

	if err := t.job.Validate(); err != nil {
		t.logger.Warn("job validation failed", slog.String("error", err.Error()))
		t.finish(domain.StatusFailed, toTaskError(err, "validate"), nil)
		return err
	}

	if !t.transition(domain.StatusQueued) {
		return domain.ErrCancelled
	}
	if t.timeout > 0 {
		t.mu.Lock()
		t.timer = time.AfterFunc(t.timeout, func() {
			if t.requestCancel(fmt.Sprintf("job timed out after %s", t.timeout)) {
				t.logger.Warn("job timeout reached, cancelling", slog.Duration("timeout", t.timeout))
			}
		})
		t.mu.Unlock()
	}

	telemetry.TasksStarted.WithLabelValues(string(t.kind)).Inc()
	go t.run()
	return nil
}

// Cancel requests cooperative cancellation. It returns false if the task
// is already terminal. Repeated calls are harmless.
func (t *Task) Cancel() bool {
	return t.requestCancel("cancelled by request")
}

func (t *Task) requestCancel(reason string) bool {
	t.emitMu.Lock()
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return false
	}
	if !t.cancelRequested.CompareAndSwap(false, true) {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return true
	}
	prev := t.status
	t.status = domain.StatusCancelling
	t.cancelReason = reason
	t.message = reason
	t.mu.Unlock()

	t.cancel()
	t.logger.Info("cancellation requested", slog.String("reason", reason), slog.String("from", string(prev)))
	// A task that never started gets no stream beyond its terminal event.
	if prev != domain.StatusPending && prev != domain.StatusQueued {
		t.enqueueLocked(EventProgress)
	}
	t.emitMu.Unlock()

	// Nothing owns a Pending task yet, so settle it here. Queued tasks are
	// settled by run(), which observes the flag before doing any work.
	if prev == domain.StatusPending {
		t.finish(domain.StatusCancelled, nil, nil)
	}
	return true
}

// MarkProcessing moves an Initializing task to Processing. Adapters call it
// once enumeration is done.
func (t *Task) MarkProcessing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != domain.StatusInitializing {
		return false
	}
	t.status = domain.StatusProcessing
	return true
}

// SetStage records the adapter's current stage name for status views.
func (t *Task) SetStage(stage string) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
	t.logger.Debug("stage", slog.String("stage", stage))
}

// EmitProgress records progress (0-100, never decreasing) and queues an
// event for the observer unless the last one went out less than the emit
// interval ago. 100% always goes out. It never waits for the observer.
func (t *Task) EmitProgress(progress int, message string) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	// Read under emitMu so queued snapshots never go backwards.
	snap := t.stats.Snapshot()

	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.progress {
		t.progress = progress
	}
	if message != "" {
		t.message = message
	}
	now := t.now()
	if t.progress < 100 && !t.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		return
	}
	t.lastEventAt = now
	view := t.viewLocked(snap, now)
	t.mu.Unlock()

	t.push(Event{Name: EventProgress, Task: view, At: now})
}

// GetStatus returns a lock-protected snapshot. Safe from any goroutine,
// including the task's own workers and observers.
func (t *Task) GetStatus() domain.StatusView {
	snap := t.stats.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked(snap, t.now())
}

// Status returns just the lifecycle state.
func (t *Task) Status() domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) run() {
	ctx, span := otel.Tracer("task").Start(t.ctx, "task.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.id),
		attribute.String("task.kind", string(t.kind)),
	)

	if !t.transition(domain.StatusInitializing) {
		// Cancelled while queued.
		t.finish(domain.StatusCancelled, nil, nil)
		return
	}

	t.stats.Reset()
	t.mu.Lock()
	t.startedAt = t.now()
	t.progress = 0
	t.mu.Unlock()

	telemetry.TasksActive.WithLabelValues(string(t.kind)).Inc()
	defer telemetry.TasksActive.WithLabelValues(string(t.kind)).Dec()

	t.logger.Info("task started")
	t.emit(EventStarted)

	output, err := t.safeRun(ctx)

	switch {
	case t.cancelRequested.Load():
		t.finish(domain.StatusCancelled, nil, nil)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		t.logger.Error("task failed", slog.String("error", err.Error()))
		t.finish(domain.StatusFailed, toTaskError(err, t.currentStage()), output)
	default:
		t.finish(domain.StatusCompleted, nil, output)
	}
}

// safeRun invokes the job, converting a panic into an infrastructure error
// so nothing propagates out of the task goroutine.
func (t *Task) safeRun(ctx context.Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("job panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			output = nil
			err = domain.Infrastructure("job panic", fmt.Errorf("%v", r))
		}
	}()
	return t.job.Run(ctx, t)
}

// transition applies next if the state machine allows it.
func (t *Task) transition(next domain.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.CanTransition(next) {
		return false
	}
	t.status = next
	return true
}

// finish moves the task to its terminal state exactly once and queues the
// terminal event. A pending cancellation always wins over other outcomes.
// Done and the OnTerminal hooks follow once the event is delivered.
func (t *Task) finish(status domain.Status, taskErr *domain.TaskError, output any) {
	t.emitMu.Lock()
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		t.emitMu.Unlock()
		return
	}
	if t.status == domain.StatusCancelling {
		status, taskErr, output = domain.StatusCancelled, nil, nil
	}
	t.status = status
	t.finishedAt = t.now()
	switch status {
	case domain.StatusFailed:
		t.taskErr = taskErr
		if taskErr != nil {
			t.message = taskErr.Message
		}
	case domain.StatusCompleted:
		t.progress = 100
		t.message = "completed"
	case domain.StatusCancelled:
		if t.cancelReason != "" {
			t.message = t.cancelReason
		}
	}
	t.output = output
	if t.timer != nil {
		t.timer.Stop()
	}
	started := t.startedAt
	t.mu.Unlock()

	t.cancel()
	t.enqueueLocked(terminalEvent(status))
	t.emitMu.Unlock()

	telemetry.TasksFinished.WithLabelValues(string(t.kind), string(status)).Inc()
	if !started.IsZero() {
		telemetry.TaskDurationSeconds.WithLabelValues(string(t.kind)).Observe(t.now().Sub(started).Seconds())
	}
	t.logger.Info("task finished", slog.String("status", string(status)))
}

func (t *Task) currentStage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// emit queues an event, bypassing the rate limit.
func (t *Task) emit(name EventName) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.enqueueLocked(name)
}

// enqueueLocked is emit for callers already holding emitMu.
func (t *Task) enqueueLocked(name EventName) {
	snap := t.stats.Snapshot()
	t.mu.Lock()
	now := t.now()
	t.lastEventAt = now
	view := t.viewLocked(snap, now)
	t.mu.Unlock()
	t.push(Event{Name: name, Task: view, At: now})
}

// push hands ev to the delivery goroutine without blocking. Caller holds
// emitMu. The terminal event is sent once on its own channel and is never
// dropped; other events are dropped while the queue is full.
func (t *Task) push(ev Event) {
	t.deliverOnce.Do(func() { go t.deliverLoop() })
	if ev.Name.IsTerminal() {
		t.final <- ev
		return
	}
	select {
	case t.queue <- ev:
	default:
		telemetry.EventsDropped.WithLabelValues(string(ev.Name)).Inc()
		t.logger.Debug("event queue full, dropping event",
			slog.String("event", string(ev.Name)),
			slog.Int64("processed", ev.Task.Stats.Processed),
		)
	}
}

func (t *Task) deliverLoop() {
	for {
		select {
		case ev := <-t.queue:
			t.deliver(ev)
		case ev := <-t.final:
			// Everything queued before the terminal event goes out first.
			for drained := false; !drained; {
				select {
				case queued := <-t.queue:
					t.deliver(queued)
				default:
					drained = true
				}
			}
			t.deliver(ev)
			t.settle()
			return
		}
	}
}

// settle closes done and runs the OnTerminal hooks.
func (t *Task) settle() {
	t.mu.Lock()
	t.settled = true
	hooks := t.onTerminal
	t.onTerminal = nil
	t.mu.Unlock()

	close(t.done)
	for _, fn := range hooks {
		fn(t)
	}
}

// deliver hands one event to the observer. Observer errors and panics are
// logged and swallowed.
func (t *Task) deliver(ev Event) {
	telemetry.EventsEmitted.WithLabelValues(string(ev.Name)).Inc()
	if t.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.ObserverErrors.Inc()
			t.logger.Error("observer panicked", slog.String("event", string(ev.Name)), slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), t.emitTimeout)
	defer cancel()
	if err := t.observer.Emit(ctx, ev); err != nil {
		telemetry.ObserverErrors.Inc()
		t.logger.Warn("observer emit failed", slog.String("event", string(ev.Name)), slog.String("error", err.Error()))
	}
}

// viewLocked builds a StatusView. Caller holds mu.
func (t *Task) viewLocked(snap domain.ProgressSnapshot, now time.Time) domain.StatusView {
	v := domain.StatusView{
		ID:              t.id,
		Kind:            t.kind,
		Status:          t.status,
		Progress:        t.progress,
		Stage:           t.stage,
		Message:         t.message,
		Stats:           snap,
		CancelRequested: t.cancelRequested.Load(),
		CreatedAt:       t.createdAt,
		Error:           t.taskErr,
		Output:          t.output,
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		v.StartedAt = &started
		end := now
		if !t.finishedAt.IsZero() {
			finished := t.finishedAt
			v.FinishedAt = &finished
			end = finished
		}
		v.Elapsed = end.Sub(started)
	}
	if !t.status.IsTerminal() {
		v.ETA = snap.ETA
	}
	return v
}

// toTaskError classifies err into the (Code, Message, Stage) triple.
func toTaskError(err error, stage string) *domain.TaskError {
	var te *domain.TaskError
	if errors.As(err, &te) {
		return te
	}
	return &domain.TaskError{Code: domain.Category(err), Message: err.Error(), Stage: stage}
}
