package handlers

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// Scrape settings.
const (
	SettingFull     = "full"
	SettingMetadata = "metadata"
	SettingTitle    = "title"
	SettingKeyword  = "keyword"
	SettingPDF      = "pdf"
)

// ValidSetting reports whether s is a known scrape setting.
func ValidSetting(s string) bool {
	switch s {
	case SettingFull, SettingMetadata, SettingTitle, SettingKeyword, SettingPDF:
		return true
	}
	return false
}

// PageSummary is what the page handler extracts, trimmed to the setting.
type PageSummary struct {
	URL         string            `json:"url"`
	Setting     string            `json:"setting"`
	Title       string            `json:"title,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Words       int               `json:"words,omitempty"`
	Links       int               `json:"links,omitempty"`
	PDFLinks    []string          `json:"pdf_links,omitempty"`
	Keyword     string            `json:"keyword,omitempty"`
	KeywordHits int               `json:"keyword_hits,omitempty"`
}

// PageHandler summarises an HTML page.
type PageHandler struct{}

func NewPageHandler() *PageHandler { return &PageHandler{} }

func (h *PageHandler) UnitKind() string { return UnitPage }

func (h *PageHandler) Handle(ctx context.Context, unit Unit) (any, error) {
	_, span := otel.Tracer("handlers").Start(ctx, "handler.page")
	defer span.End()
	span.SetAttributes(attribute.String("page.url", unit.Source), attribute.String("page.setting", unit.Setting))

	doc, err := html.Parse(bytes.NewReader(unit.Data))
	if err != nil {
		return nil, domain.Terminal("parse "+unit.Source, err)
	}

	setting := unit.Setting
	if setting == "" {
		setting = SettingFull
	}
	base, _ := url.Parse(unit.Source)

	w := &pageWalker{meta: map[string]string{}, base: base}
	w.walk(doc, false)

	sum := &PageSummary{URL: unit.Source, Setting: setting, Title: strings.TrimSpace(w.title.String())}
	text := w.text.String()
	switch setting {
	case SettingTitle:
	case SettingMetadata:
		sum.Meta = w.meta
	case SettingKeyword:
		if unit.Keyword == "" {
			return nil, domain.Terminal("scrape "+unit.Source, &domain.ValidationError{Field: "keyword", Reason: "required for keyword setting"})
		}
		sum.Keyword = unit.Keyword
		sum.KeywordHits = strings.Count(strings.ToLower(text), strings.ToLower(unit.Keyword))
	default:
		sum.Meta = w.meta
		sum.Words = len(strings.Fields(text))
		sum.Links = w.links
		sum.PDFLinks = w.pdfLinks
	}
	return sum, nil
}

type pageWalker struct {
	base     *url.URL
	title    strings.Builder
	text     strings.Builder
	meta     map[string]string
	links    int
	pdfLinks []string
}

func (w *pageWalker) walk(n *html.Node, inTitle bool) {
	switch n.Type {
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript:
			return
		case atom.Title:
			inTitle = true
		case atom.Meta:
			w.addMeta(n)
		case atom.A:
			w.addLink(n)
		}
	case html.TextNode:
		if inTitle {
			w.title.WriteString(n.Data)
		} else {
			w.text.WriteString(n.Data)
			w.text.WriteByte(' ')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, inTitle)
	}
}

func (w *pageWalker) addMeta(n *html.Node) {
	var key, content string
	for _, a := range n.Attr {
		switch a.Key {
		case "name", "property":
			key = strings.ToLower(a.Val)
		case "content":
			content = a.Val
		}
	}
	if key != "" && content != "" {
		w.meta[key] = content
	}
}

func (w *pageWalker) addLink(n *html.Node) {
	for _, a := range n.Attr {
		if a.Key != "href" || a.Val == "" {
			continue
		}
		w.links++
		ref, err := url.Parse(a.Val)
		if err != nil {
			return
		}
		if strings.HasSuffix(strings.ToLower(ref.Path), ".pdf") {
			if w.base != nil {
				ref = w.base.ResolveReference(ref)
			}
			w.pdfLinks = append(w.pdfLinks, ref.String())
		}
		return
	}
}
