package domain

import "time"

// Kind identifies which job adapter drives a task.
type Kind string

const (
	KindFileProcessing   Kind = "file-processing"
	KindPlaylistDownload Kind = "playlist-download"
	KindScrape           Kind = "scrape"
)

// Valid reports whether k is one of the known job kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFileProcessing, KindPlaylistDownload, KindScrape:
		return true
	}
	return false
}

// Status represents the states a task can be in.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQueued       Status = "QUEUED"
	StatusInitializing Status = "INITIALIZING"
	StatusProcessing   Status = "PROCESSING"
	StatusCancelling   Status = "CANCELLING"
	StatusCancelled    Status = "CANCELLED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the allowed successor states. Everything moves forward
// except the Processing <-> Cancelling pair.
var transitions = map[Status][]Status{
	StatusPending:      {StatusQueued, StatusFailed, StatusCancelling},
	StatusQueued:       {StatusInitializing, StatusFailed, StatusCancelling},
	StatusInitializing: {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelling},
	StatusProcessing:   {StatusCompleted, StatusFailed, StatusCancelling},
	StatusCancelling:   {StatusCancelled, StatusProcessing},
}

// CanTransition reports whether a task in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskError is populated only when a task ends in StatusFailed.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Stage == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + " (" + e.Stage + "): " + e.Message
}

// StatusView is a read-only snapshot of a task, safe to hand to any caller.
type StatusView struct {
	ID              string           `json:"id"`
	Kind            Kind             `json:"kind"`
	Status          Status           `json:"status"`
	Progress        int              `json:"progress"`
	Stage           string           `json:"stage,omitempty"`
	Message         string           `json:"message,omitempty"`
	Stats           ProgressSnapshot `json:"stats"`
	CancelRequested bool             `json:"cancel_requested"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	Elapsed         time.Duration    `json:"elapsed"`
	ETA             time.Duration    `json:"eta,omitempty"`
	Error           *TaskError       `json:"error,omitempty"`
	Output          any              `json:"output,omitempty"`
}
