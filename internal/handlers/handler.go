// Package handlers holds the built-in content processors. Each handler
// inspects one kind of content unit and returns a summary; heavy
// extraction (OCR, tables, chunking) is out of scope and belongs to
// whatever processor is plugged in instead.
package handlers

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// Unit kinds understood by the default registry.
const (
	UnitFile       = "file"
	UnitPage       = "page"
	UnitPDF        = "pdf"
	UnitTranscript = "transcript"
)

// Unit is one piece of content handed to a processor.
type Unit struct {
	Kind string
	// Source is a file path or URL, used for reporting and for reading
	// the content when Data is nil.
	Source  string
	Data    []byte
	Setting string
	Keyword string
	Meta    map[string]string
}

// Processor turns a unit into a result value. Implementations must be
// safe for concurrent use with independent units.
type Processor interface {
	Process(ctx context.Context, unit Unit) (any, error)
}

// Handler processes units of a specific kind.
type Handler interface {
	Handle(ctx context.Context, unit Unit) (any, error)
	UnitKind() string
}

// Registry maps unit kinds to their handlers and dispatches Process calls.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Default returns a registry with every built-in handler.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewFileHandler())
	r.Register(NewPageHandler())
	r.Register(NewPDFHandler())
	r.Register(NewTranscriptHandler())
	return r
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.UnitKind()] = h
}

// Get returns the handler for the given unit kind.
// Returns UnsupportedUnitError if not registered.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, &domain.UnsupportedUnitError{Unit: kind}
	}
	return h, nil
}

// Process dispatches unit to its handler. An unknown kind is a terminal
// failure for that unit only.
func (r *Registry) Process(ctx context.Context, unit Unit) (any, error) {
	h, err := r.Get(unit.Kind)
	if err != nil {
		return nil, domain.Terminal("process "+unit.Source, err)
	}
	return h.Handle(ctx, unit)
}
