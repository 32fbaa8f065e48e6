package handlers

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// TranscriptSummary is the plain-text rendering of a caption track.
type TranscriptSummary struct {
	VideoID  string  `json:"video_id"`
	Title    string  `json:"title,omitempty"`
	Path     string  `json:"path,omitempty"`
	Cues     int     `json:"cues"`
	Words    int     `json:"words"`
	Duration float64 `json:"duration_seconds"`
	Text     string  `json:"text"`
}

type timedText struct {
	Cues []struct {
		Start float64 `xml:"start,attr"`
		Dur   float64 `xml:"dur,attr"`
		Text  string  `xml:",chardata"`
	} `xml:"text"`
}

// TranscriptHandler flattens a timedtext XML document into text.
type TranscriptHandler struct{}

func NewTranscriptHandler() *TranscriptHandler { return &TranscriptHandler{} }

func (h *TranscriptHandler) UnitKind() string { return UnitTranscript }

func (h *TranscriptHandler) Handle(ctx context.Context, unit Unit) (any, error) {
	_, span := otel.Tracer("handlers").Start(ctx, "handler.transcript")
	defer span.End()

	var doc timedText
	if err := xml.NewDecoder(bytes.NewReader(unit.Data)).Decode(&doc); err != nil {
		return nil, domain.Terminal("parse transcript "+unit.Source, err)
	}
	if len(doc.Cues) == 0 {
		return nil, domain.Terminal("parse transcript "+unit.Source, errNoCues)
	}

	lines := make([]string, 0, len(doc.Cues))
	var end float64
	for _, c := range doc.Cues {
		// Captions are double-escaped: XML first, then HTML entities.
		line := strings.TrimSpace(html.UnescapeString(c.Text))
		if line != "" {
			lines = append(lines, line)
		}
		if e := c.Start + c.Dur; e > end {
			end = e
		}
	}
	text := strings.Join(lines, "\n")

	span.SetAttributes(attribute.Int("transcript.cues", len(doc.Cues)))
	return &TranscriptSummary{
		VideoID:  unit.Meta["video_id"],
		Title:    unit.Meta["title"],
		Path:     unit.Meta["path"],
		Cues:     len(doc.Cues),
		Words:    len(strings.Fields(text)),
		Duration: end,
		Text:     text,
	}, nil
}

var errNoCues = errors.New("no caption cues")
