package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// EventName identifies a lifecycle or progress event.
type EventName string

const (
	EventStarted   EventName = "started"
	EventProgress  EventName = "progress"
	EventCompleted EventName = "completed"
	EventFailed    EventName = "failed"
	EventCancelled EventName = "cancelled"
)

// IsTerminal reports whether the event ends a task's event stream.
func (e EventName) IsTerminal() bool {
	return e == EventCompleted || e == EventFailed || e == EventCancelled
}

func terminalEvent(s domain.Status) EventName {
	switch s {
	case domain.StatusCompleted:
		return EventCompleted
	case domain.StatusCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// Event is what a task pushes to its observer.
type Event struct {
	Name EventName         `json:"event"`
	Task domain.StatusView `json:"task"`
	At   time.Time         `json:"at"`
}

// Observer receives task events. Each task delivers from its own goroutine,
// one event at a time and in order, so a slow observer never holds up the
// task's workers; it only risks missing progress events. Errors are logged
// and never affect the task.
type Observer interface {
	Emit(ctx context.Context, event Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event) error

func (f ObserverFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// MultiObserver fans an event out to every registered observer.
type MultiObserver struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

// NewMultiObserver creates a fan-out over the given observers.
func NewMultiObserver(logger *slog.Logger, observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers, logger: logger}
}

// Add registers another observer.
func (m *MultiObserver) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Emit delivers to all observers even if some fail, returning the first error.
func (m *MultiObserver) Emit(ctx context.Context, event Event) error {
	m.mu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	var firstErr error
	for i, o := range observers {
		if err := o.Emit(ctx, event); err != nil {
			m.logger.Warn("observer failed",
				slog.Int("observer_index", i),
				slog.String("event", string(event.Name)),
				slog.String("task_id", event.Task.ID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// LogObserver writes every event to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver { return &LogObserver{logger: logger} }

func (o *LogObserver) Emit(ctx context.Context, e Event) error {
	level := slog.LevelDebug
	if e.Name != EventProgress {
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("event", string(e.Name)),
		slog.String("task_id", e.Task.ID),
		slog.String("task_kind", string(e.Task.Kind)),
		slog.String("status", string(e.Task.Status)),
		slog.Int("progress", e.Task.Progress),
		slog.Int64("processed", e.Task.Stats.Processed),
		slog.Int64("total", e.Task.Stats.Total),
	}
	if e.Task.Message != "" {
		attrs = append(attrs, slog.String("message", e.Task.Message))
	}
	if e.Task.Error != nil {
		attrs = append(attrs, slog.String("error", e.Task.Error.Error()))
	}
	o.logger.LogAttrs(ctx, level, "task event", attrs...)
	return nil
}
