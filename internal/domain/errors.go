package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error categories surfaced on failed item results and task errors.
const (
	CategoryValidation     = "validation"
	CategoryNetwork        = "network"
	CategoryContent        = "content"
	CategoryInfrastructure = "infrastructure"
	CategoryCancelled      = "cancelled"
	CategoryInternal       = "internal"
)

// ErrCancelled is the control-flow outcome for work stopped by cancellation.
var ErrCancelled = errors.New("cancelled")

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidKindError is returned when no job factory is registered for a kind.
type InvalidKindError struct {
	Kind Kind
}

func (e *InvalidKindError) Error() string {
	return fmt.Sprintf("no job registered for kind %q", e.Kind)
}

// UnsupportedUnitError is returned when no content handler accepts a unit kind.
type UnsupportedUnitError struct {
	Unit string
}

func (e *UnsupportedUnitError) Error() string {
	return fmt.Sprintf("no content handler registered for unit %q", e.Unit)
}

// TaskAlreadyExistsError is returned when a task ID is registered twice.
type TaskAlreadyExistsError struct {
	TaskID string
}

func (e *TaskAlreadyExistsError) Error() string {
	return fmt.Sprintf("task %s already registered", e.TaskID)
}

// ValidationError fails a task before any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Reason
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

// TransientError is a per-item failure worth retrying (timeouts, 5xx, resets).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Retryable marks the error for retry.Policy classification.
func (e *TransientError) Retryable() bool { return true }

// TerminalError is a per-item failure that retrying cannot fix (4xx, bad content).
type TerminalError struct {
	Op  string
	Err error
	// Kind is CategoryNetwork or CategoryContent; empty means content.
	Kind string
}

func (e *TerminalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TerminalError) Unwrap() error { return e.Err }

// InfrastructureError aborts the whole task: output cannot be written,
// directories cannot be created, or a worker failed unexpectedly.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *InfrastructureError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Terminal wraps err as a content TerminalError.
func Terminal(op string, err error) error { return &TerminalError{Op: op, Err: err} }

// TerminalNetwork wraps err as a TerminalError in the network category.
func TerminalNetwork(op string, err error) error {
	return &TerminalError{Op: op, Err: err, Kind: CategoryNetwork}
}

// Infrastructure wraps err as an InfrastructureError.
func Infrastructure(op string, err error) error { return &InfrastructureError{Op: op, Err: err} }

// IsInfrastructure reports whether err must escalate the task to Failed.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

// IsCancelled reports whether err is the cancellation outcome rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Category maps an error onto the taxonomy shown to callers.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation *ValidationError
		transient  *TransientError
		terminal   *TerminalError
		infra      *InfrastructureError
	)
	switch {
	case IsCancelled(err):
		return CategoryCancelled
	case errors.As(err, &infra):
		return CategoryInfrastructure
	case errors.As(err, &validation):
		return CategoryValidation
	case errors.As(err, &transient):
		return CategoryNetwork
	case errors.As(err, &terminal):
		if terminal.Kind != "" {
			return terminal.Kind
		}
		return CategoryContent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryNetwork
	}
	return CategoryInternal
}
