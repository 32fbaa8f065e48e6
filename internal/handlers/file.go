package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// FileSummary describes one local file.
type FileSummary struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MIME       string    `json:"mime"`
	Extension  string    `json:"extension"`
	SHA256     string    `json:"sha256"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileHandler sniffs the content type of a file and hashes it.
type FileHandler struct{}

func NewFileHandler() *FileHandler { return &FileHandler{} }

func (h *FileHandler) UnitKind() string { return UnitFile }

func (h *FileHandler) Handle(ctx context.Context, unit Unit) (any, error) {
	_, span := otel.Tracer("handlers").Start(ctx, "handler.file")
	defer span.End()
	span.SetAttributes(attribute.String("file.path", unit.Source))

	sum, err := inspectFile(unit.Source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inspect failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("file.mime", sum.MIME), attribute.Int64("file.size", sum.Size))
	return sum, nil
}

func inspectFile(path string) (*FileSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, domain.Terminal("open "+path, err)
		}
		return nil, domain.Transient("open "+path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, domain.Transient("stat "+path, err)
	}
	if info.IsDir() {
		return nil, domain.Terminal("open "+path, fmt.Errorf("is a directory"))
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, domain.Transient("sniff "+path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, domain.Transient("seek "+path, err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, domain.Transient("hash "+path, err)
	}

	return &FileSummary{
		Path:       path,
		Name:       info.Name(),
		Size:       info.Size(),
		MIME:       mt.String(),
		Extension:  strings.ToLower(filepath.Ext(path)),
		SHA256:     hex.EncodeToString(hasher.Sum(nil)),
		ModifiedAt: info.ModTime().UTC(),
	}, nil
}
