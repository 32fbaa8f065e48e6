package domain

import "time"

// ItemStatus is the terminal outcome of a single work item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
	// ItemCancelled marks items that were never dispatched, or whose
	// in-flight result was discarded, because the owning task was cancelled.
	ItemCancelled ItemStatus = "cancelled"
)

// WorkItem is one unit of input flowing through a pool or pipeline.
type WorkItem struct {
	// Index is the position in the original input and keys the ordered output.
	Index   int
	Payload any
	// Attempt counts retries: 0 for the first invocation.
	Attempt int
}

// Result is the outcome recorded exactly once per WorkItem.
type Result struct {
	Index    int           `json:"source_index"`
	Status   ItemStatus    `json:"status"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Category string        `json:"error_category,omitempty"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

// NewResult builds the Result for item from the value/error pair returned by
// a work function, classifying the error if there is one.
func NewResult(item WorkItem, value any, err error) Result {
	r := Result{Index: item.Index, Attempt: item.Attempt, Value: value, Status: ItemSucceeded}
	if err != nil {
		r.Status = ItemFailed
		r.Err = err
		r.Error = err.Error()
		r.Category = Category(err)
		if IsCancelled(err) {
			r.Status = ItemCancelled
		}
	}
	return r
}

// CancelledResult is the Result for an item that was never dispatched.
func CancelledResult(item WorkItem) Result {
	return Result{
		Index:    item.Index,
		Attempt:  item.Attempt,
		Status:   ItemCancelled,
		Err:      ErrCancelled,
		Error:    ErrCancelled.Error(),
		Category: CategoryCancelled,
	}
}

// ProgressSnapshot is a point-in-time view of a task's counters.
// Processed always equals Succeeded + Failed + Skipped.
type ProgressSnapshot struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	// Cancelled items are not processed and never count towards Processed.
	Cancelled int64            `json:"cancelled"`
	Counters  map[string]int64 `json:"counters,omitempty"`

	CompletionRate float64       `json:"completion_rate"`
	Throughput     float64       `json:"throughput_per_sec"`
	Elapsed        time.Duration `json:"elapsed"`
	// ETA is zero until enough work has been observed to extrapolate.
	ETA time.Duration `json:"eta,omitempty"`
}

// Counter returns the named extra counter, or 0.
func (p ProgressSnapshot) Counter(name string) int64 {
	return p.Counters[name]
}
