package jobs_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/jobs"
)

func TestDecodeRequest(t *testing.T) {
	req, err := jobs.DecodeRequest([]byte(`{"id":"job-1","kind":"scrape","payload":{"targets":[]},"timeout_seconds":30}`))
	require.NoError(t, err)
	assert.Equal(t, jobs.ActionSubmit, req.Action)
	assert.Equal(t, domain.KindScrape, req.Kind)
	assert.Equal(t, 30*time.Second, req.Timeout())

	req, err = jobs.DecodeRequest([]byte(`{"id":"job-1","action":"cancel"}`))
	require.NoError(t, err)
	assert.Equal(t, jobs.ActionCancel, req.Action)
}

func TestDecodeRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"malformed":         `{"id":`,
		"missing kind":      `{"id":"x","payload":{}}`,
		"cancel without id": `{"action":"cancel"}`,
		"unknown action":    `{"id":"x","action":"pause"}`,
		"negative timeout":  `{"id":"x","kind":"scrape","timeout_seconds":-1}`,
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := jobs.DecodeRequest([]byte(msg))
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestFactory_Build(t *testing.T) {
	f := jobs.NewFactory(testDeps(t))
	assert.Equal(t, []domain.Kind{domain.KindFileProcessing, domain.KindPlaylistDownload, domain.KindScrape}, f.Kinds())

	job, err := f.Build(domain.KindScrape, json.RawMessage(`{"targets":[{"url":"https://example.test","setting":"title"}]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindScrape, job.Kind())

	job, err = f.Build(domain.KindFileProcessing, json.RawMessage(`{"files":["/tmp/a.txt"]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindFileProcessing, job.Kind())

	job, err = f.Build(domain.KindPlaylistDownload, json.RawMessage(`{"playlists":["PLaaaaaaaaaaaa01"]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.KindPlaylistDownload, job.Kind())
}

func TestFactory_Build_UnknownKind(t *testing.T) {
	_, err := jobs.NewFactory(testDeps(t)).Build("transcode", json.RawMessage(`{}`))
	var kindErr *domain.InvalidKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, domain.Kind("transcode"), kindErr.Kind)
}

func TestFactory_Build_BadParams(t *testing.T) {
	f := jobs.NewFactory(testDeps(t))
	for _, raw := range []string{``, `{"targets":"nope"}`, `{"targets":[],"unknown":1}`} {
		_, err := f.Build(domain.KindScrape, json.RawMessage(raw))
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, raw)
		assert.Equal(t, "payload", verr.Field)
	}
}
