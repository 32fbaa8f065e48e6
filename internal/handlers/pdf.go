package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

var (
	pdfMagic   = []byte("%PDF-")
	pdfVersion = regexp.MustCompile(`^%PDF-(\d\.\d)`)
	// Matches page objects but not the /Pages tree nodes.
	pdfPage = regexp.MustCompile(`/Type\s*/Page([^s]|$)`)
)

// PDFSummary is a structural summary of a PDF document.
type PDFSummary struct {
	Source  string `json:"source"`
	Path    string `json:"path,omitempty"`
	Bytes   int    `json:"bytes"`
	Version string `json:"version"`
	Pages   int    `json:"pages"`
	SHA256  string `json:"sha256"`
}

// PDFHandler validates a PDF and counts its pages.
type PDFHandler struct{}

func NewPDFHandler() *PDFHandler { return &PDFHandler{} }

func (h *PDFHandler) UnitKind() string { return UnitPDF }

func (h *PDFHandler) Handle(ctx context.Context, unit Unit) (any, error) {
	_, span := otel.Tracer("handlers").Start(ctx, "handler.pdf")
	defer span.End()

	if !bytes.HasPrefix(unit.Data, pdfMagic) {
		return nil, domain.Terminal("process "+unit.Source, errors.New("missing %PDF- header"))
	}

	sum := sha256.Sum256(unit.Data)
	out := &PDFSummary{
		Source: unit.Source,
		Path:   unit.Meta["path"],
		Bytes:  len(unit.Data),
		Pages:  len(pdfPage.FindAllIndex(unit.Data, -1)),
		SHA256: hex.EncodeToString(sum[:]),
	}
	if m := pdfVersion.FindSubmatch(unit.Data); m != nil {
		out.Version = string(m[1])
	}
	span.SetAttributes(attribute.Int("pdf.pages", out.Pages), attribute.Int("pdf.bytes", out.Bytes))
	return out, nil
}
