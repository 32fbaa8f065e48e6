package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

// Request actions.
const (
	ActionSubmit = "submit"
	ActionCancel = "cancel"
)

// Request is the JSON message that submits or cancels a job.
type Request struct {
	ID     string          `json:"id"`
	Action string          `json:"action,omitempty"`
	Kind   domain.Kind     `json:"kind,omitempty"`
	Params json.RawMessage `json:"payload,omitempty"`
	// TimeoutSeconds overrides the default job timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// Timeout returns the requested job timeout, or zero.
func (r Request) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// DecodeRequest parses and validates a request message. A missing action
// means submit.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &domain.ValidationError{Reason: "malformed request: " + err.Error()}
	}
	if req.Action == "" {
		req.Action = ActionSubmit
	}
	switch req.Action {
	case ActionSubmit:
		if req.Kind == "" {
			return req, &domain.ValidationError{Field: "kind", Reason: "required"}
		}
	case ActionCancel:
		if req.ID == "" {
			return req, &domain.ValidationError{Field: "id", Reason: "required to cancel"}
		}
	default:
		return req, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if err := checkParams(req); err != nil {
		return req, err
	}
	return req, nil
}

// Builder decodes the params of one job kind.
type Builder func(params json.RawMessage, deps Deps) (task.Job, error)

// Factory maps job kinds to builders sharing one set of collaborators.
type Factory struct {
	mu       sync.RWMutex
	builders map[domain.Kind]Builder
	deps     Deps
}

// NewFactory returns a Factory with the built-in job kinds registered.
func NewFactory(deps Deps) *Factory {
	f := &Factory{builders: make(map[domain.Kind]Builder), deps: deps}
	f.Register(domain.KindFileProcessing, func(raw json.RawMessage, d Deps) (task.Job, error) {
		var p FileParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewFileProcessingJob(p, d), nil
	})
	f.Register(domain.KindPlaylistDownload, func(raw json.RawMessage, d Deps) (task.Job, error) {
		var p PlaylistParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewPlaylistDownloadJob(p, d), nil
	})
	f.Register(domain.KindScrape, func(raw json.RawMessage, d Deps) (task.Job, error) {
		var p ScrapeParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewScrapeJob(p, d), nil
	})
	return f
}

// Register adds or replaces the builder for kind.
func (f *Factory) Register(kind domain.Kind, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

// Build returns the Job for kind. Params are decoded strictly; validation
// of their content happens in Job.Validate.
func (f *Factory) Build(kind domain.Kind, params json.RawMessage) (task.Job, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, &domain.InvalidKindError{Kind: kind}
	}
	return b(params, f.deps)
}

// Kinds lists the registered kinds, sorted.
func (f *Factory) Kinds() []domain.Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Kind, 0, len(f.builders))
	for k := range f.builders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &domain.ValidationError{Field: "payload", Reason: "required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
