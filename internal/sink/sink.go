// Package sink writes job output to the filesystem.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// Sink persists one named output.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// FileSink writes atomically under a primary directory and retries once
// under a fallback directory when the primary write fails.
type FileSink struct {
	dir      string
	fallback string
	perm     os.FileMode
	logger   *slog.Logger
}

type Option func(*FileSink)

func WithFallback(dir string) Option { return func(s *FileSink) { s.fallback = dir } }
func WithLogger(l *slog.Logger) Option { return func(s *FileSink) { s.logger = l } }
func WithFileMode(m os.FileMode) Option { return func(s *FileSink) { s.perm = m } }

func New(dir string, opts ...Option) *FileSink {
	s := &FileSink{dir: dir, perm: 0o644, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir is the primary output directory.
func (s *FileSink) Dir() string { return s.dir }

// Sub returns a sink rooted at a subdirectory of both the primary and the
// fallback directory.
func (s *FileSink) Sub(name string) (*FileSink, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	sub := *s
	sub.dir = filepath.Join(s.dir, name)
	if s.fallback != "" {
		sub.fallback = filepath.Join(s.fallback, name)
	}
	return &sub, nil
}

// CheckWritable creates the primary directory and probes it with a
// temporary file. Jobs call it from Validate.
func (s *FileSink) CheckWritable() error {
	if s.dir == "" {
		return &domain.ValidationError{Field: "output_dir", Reason: "must not be empty"}
	}
	if err := probe(s.dir); err != nil {
		if s.fallback != "" && probe(s.fallback) == nil {
			s.logger.Warn("primary output directory not writable, fallback is",
				slog.String("dir", s.dir),
				slog.String("fallback", s.fallback),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return &domain.ValidationError{Field: "output_dir", Reason: err.Error()}
	}
	return nil
}

// Write stores data as name and returns the path actually written.
// Failure in both locations is an infrastructure error.
func (s *FileSink) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	err := writeAtomic(path, data, s.perm)
	if err == nil {
		return path, nil
	}
	if s.fallback == "" {
		return "", domain.Infrastructure("write output", err)
	}

	s.logger.Warn("output write failed, trying fallback directory",
		slog.String("path", path),
		slog.String("fallback", s.fallback),
		slog.String("error", err.Error()),
	)
	alt := filepath.Join(s.fallback, name)
	if altErr := writeAtomic(alt, data, s.perm); altErr != nil {
		return "", domain.Infrastructure("write output", errors.Join(err, altErr))
	}
	return alt, nil
}

// WriteJSON marshals v with indentation and writes it as name.
func (s *FileSink) WriteJSON(ctx context.Context, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", domain.Infrastructure("encode output", err)
	}
	return s.Write(ctx, name, append(data, '\n'))
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func probe(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkName(name string) error {
	clean := filepath.Clean(name)
	if name == "" || filepath.IsAbs(name) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return &domain.ValidationError{Field: "output name", Reason: fmt.Sprintf("%q must be a relative path inside the output directory", name)}
	}
	return nil
}
