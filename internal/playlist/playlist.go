// Package playlist enumerates playlist videos and fetches their transcripts.
package playlist

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ytget/ytdlp/v2"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/fetch"
)

const (
	DefaultEnumerateTimeout = 60 * time.Second

	videoURLTemplate     = "https://www.youtube.com/watch?v=%s"
	timedTextURLTemplate = "%s?lang=%s&v=%s"
	defaultTimedTextBase = "https://www.youtube.com/api/timedtext"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,64}$`)

// Video is one playlist entry.
type Video struct {
	ID       string `json:"video_id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Position int    `json:"position"`
}

// Enumerator lists the videos of a playlist.
type Enumerator interface {
	Videos(ctx context.Context, playlistID string) ([]Video, error)
}

// TranscriptSource returns the raw transcript document for a video.
type TranscriptSource interface {
	Transcript(ctx context.Context, videoID string) ([]byte, error)
}

// ParseID accepts a playlist URL (anything carrying list=) or a bare ID.
func ParseID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	id := raw
	if strings.Contains(raw, "list=") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", &domain.ValidationError{Field: "playlist", Reason: err.Error()}
		}
		id = u.Query().Get("list")
	}
	if !idPattern.MatchString(id) {
		return "", &domain.ValidationError{Field: "playlist", Reason: fmt.Sprintf("cannot extract a playlist id from %q", raw)}
	}
	return id, nil
}

// VideoURL is the watch URL for a video ID.
func VideoURL(id string) string { return fmt.Sprintf(videoURLTemplate, id) }

// YTDLP enumerates playlists through the ytdlp library.
type YTDLP struct {
	timeout time.Duration
	limit   int
}

// NewYTDLP returns an enumerator. limit caps the number of videos (0 = all).
func NewYTDLP(timeout time.Duration, limit int) *YTDLP {
	if timeout <= 0 {
		timeout = DefaultEnumerateTimeout
	}
	return &YTDLP{timeout: timeout, limit: limit}
}

func (y *YTDLP) Videos(ctx context.Context, playlistID string) ([]Video, error) {
	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, y.limit)
	if err != nil {
		if domain.IsCancelled(err) {
			return nil, err
		}
		return nil, domain.Transient("list playlist "+playlistID, err)
	}

	videos := make([]Video, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		videos = append(videos, Video{
			ID:       it.VideoID,
			Title:    it.Title,
			URL:      VideoURL(it.VideoID),
			Position: len(videos),
		})
	}
	return videos, nil
}

// TimedText fetches caption tracks from the timedtext endpoint.
type TimedText struct {
	fetcher *fetch.Fetcher
	base    string
	lang    string
}

// NewTimedText returns a TranscriptSource. An empty base uses the public
// endpoint; an empty lang means "en".
func NewTimedText(f *fetch.Fetcher, base, lang string) *TimedText {
	if base == "" {
		base = defaultTimedTextBase
	}
	if lang == "" {
		lang = "en"
	}
	return &TimedText{fetcher: f, base: base, lang: lang}
}

func (t *TimedText) Transcript(ctx context.Context, videoID string) ([]byte, error) {
	resp, err := t.fetcher.Fetch(ctx, fmt.Sprintf(timedTextURLTemplate, t.base, url.QueryEscape(t.lang), url.QueryEscape(videoID)))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil, domain.Terminal("transcript "+videoID, fmt.Errorf("no %s captions available", t.lang))
	}
	return resp.Body, nil
}
