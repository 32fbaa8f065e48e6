package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/pkg/telemetry"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	h := telemetry.NewRouter(discard(), nil)
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"dev"`)
}

func TestRouter_Metrics(t *testing.T) {
	telemetry.EventsEmitted.WithLabelValues("progress").Inc()
	rec := get(t, telemetry.NewRouter(discard(), nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ingest_events_emitted_total")
}

func TestRouter_Readyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	rec := get(t, telemetry.NewRouter(discard(), map[string]telemetry.CheckFunc{"redis": ok}), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, telemetry.NewRouter(discard(), map[string]telemetry.CheckFunc{"redis": ok, "postgres": down}), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["redis"])
	assert.Equal(t, "connection refused", body["postgres"])
}
