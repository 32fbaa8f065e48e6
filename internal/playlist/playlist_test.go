package playlist_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/fetch"
	"github.com/ramiqadoumi/go-ingest-flow/internal/playlist"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://www.youtube.com/playlist?list=PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf", "PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf", false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL590L5WQmH8fJ54F369BLDSqIwcs-TCfs&index=2", "PL590L5WQmH8fJ54F369BLDSqIwcs-TCfs", false},
		{"  PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf  ", "PLrAXtmErZgOeiKm4sgNOknGvNjby9efdf", false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "", true},
		{"https://www.youtube.com/playlist?list=", "", true},
		{"", "", true},
		{"short", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := playlist.ParseID(tc.in)
			if tc.wantErr {
				var verr *domain.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVideoURL(t *testing.T) {
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", playlist.VideoURL("abc123"))
}

func TestTimedText_Transcript(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Query().Get("v") == "nocaptions" {
			return
		}
		_, _ = w.Write([]byte(`<transcript><text start="0" dur="1.5">hello</text></transcript>`))
	}))
	defer srv.Close()

	src := playlist.NewTimedText(fetch.New(), srv.URL, "de")

	body, err := src.Transcript(context.Background(), "vid1")
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello")
	assert.Equal(t, "lang=de&v=vid1", gotQuery)

	_, err = src.Transcript(context.Background(), "nocaptions")
	require.Error(t, err)
	assert.Equal(t, domain.CategoryContent, domain.Category(err))
}
