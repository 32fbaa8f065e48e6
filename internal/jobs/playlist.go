package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/handlers"
	"github.com/ramiqadoumi/go-ingest-flow/internal/playlist"
	"github.com/ramiqadoumi/go-ingest-flow/internal/pool"
	"github.com/ramiqadoumi/go-ingest-flow/internal/sink"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
	"github.com/ramiqadoumi/go-ingest-flow/pkg/retry"
)

type PlaylistParams struct {
	// Playlists are playlist URLs or bare IDs.
	Playlists []string `json:"playlists" validate:"required,min=1,dive,required"`
	Output    string   `json:"output"`
}

// PlaylistDownloadJob saves the transcript of every video in one or more
// playlists, one output folder per playlist.
type PlaylistDownloadJob struct {
	params PlaylistParams
	deps   Deps
	ids    []string
}

func NewPlaylistDownloadJob(params PlaylistParams, deps Deps) *PlaylistDownloadJob {
	return &PlaylistDownloadJob{params: params, deps: deps}
}

func (j *PlaylistDownloadJob) Kind() domain.Kind { return domain.KindPlaylistDownload }

func (j *PlaylistDownloadJob) Validate() error {
	if err := checkParams(j.params); err != nil {
		return err
	}
	ids := make([]string, 0, len(j.params.Playlists))
	for _, raw := range j.params.Playlists {
		id, err := playlist.ParseID(raw)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if j.deps.Playlists == nil || j.deps.Transcripts == nil || j.deps.Processor == nil {
		return &domain.ValidationError{Reason: "playlist download requires an enumerator, a transcript source and a content processor"}
	}
	if err := checkOutput(j.deps.Sink); err != nil {
		return err
	}
	j.ids = ids
	return nil
}

// videoItem is the payload of one transcript download.
type videoItem struct {
	PlaylistID string
	Video      playlist.Video
	out        *sink.FileSink
}

func (j *PlaylistDownloadJob) Run(ctx context.Context, t *task.Task) (any, error) {
	t.SetStage(StageInitializing)
	t.EmitProgress(WindowInit.End, "initialized")

	t.SetStage(StageRetrievingIDs)
	var (
		items     []domain.WorkItem
		inputErrs []string
		lastErr   error
	)
	for i, id := range j.ids {
		out, err := j.deps.Sink.Sub(id)
		if err != nil {
			return nil, err
		}
		videos, err := j.videos(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.Logger().Warn("playlist enumeration failed",
				slog.String("playlist_id", id),
				slog.String("error", err.Error()),
			)
			inputErrs = append(inputErrs, fmt.Sprintf("%s: %v", id, err))
			lastErr = err
			continue
		}
		for _, v := range videos {
			items = append(items, domain.WorkItem{Index: len(items), Payload: videoItem{PlaylistID: id, Video: v, out: out}})
		}
		if err := t.Stats().AddTotal(int64(len(videos))); err != nil {
			return nil, domain.Infrastructure("grow total", err)
		}
		t.EmitProgress(WindowEnumerate.At(float64(i+1)/float64(len(j.ids))),
			fmt.Sprintf("playlist %d/%d: %d videos", i+1, len(j.ids), len(videos)))
	}
	t.Stats().Seal()
	if len(inputErrs) == len(j.ids) {
		return nil, fmt.Errorf("no playlist could be enumerated: %w", lastErr)
	}

	t.MarkProcessing()
	t.SetStage(StageDownloadingTxt)
	p := j.deps.pool(t, "transcripts", j.deps.MaxWorkers,
		pool.WithStats(t.Stats()),
		pool.WithOnResult(progressFn(t, "transcripts")),
	)
	results, err := p.Run(ctx, items, j.download)
	if err != nil {
		return nil, err
	}

	path, err := finalize(ctx, t, j.deps.Sink, outputName(t, j.params.Output), results, inputErrs)
	if err != nil {
		return nil, err
	}
	return &Summary{OutputPath: path, Stats: t.Stats().Snapshot(), results: results}, nil
}

// videos enumerates one playlist under the job's retry policy.
func (j *PlaylistDownloadJob) videos(ctx context.Context, id string) ([]playlist.Video, error) {
	var videos []playlist.Video
	_, err := retry.Do(ctx, j.deps.Retry, func(int) error {
		var err error
		videos, err = j.deps.Playlists.Videos(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, errors.New("playlist is empty")
	}
	return videos, nil
}

func (j *PlaylistDownloadJob) download(ctx context.Context, item domain.WorkItem) (any, error) {
	v := item.Payload.(videoItem)
	raw, err := j.deps.Transcripts.Transcript(ctx, v.Video.ID)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%03d-%s.xml", v.Video.Position, v.Video.ID)
	stored, err := v.out.Write(ctx, name, raw)
	if err != nil {
		return nil, err
	}
	return j.deps.Processor.Process(ctx, handlers.Unit{
		Kind:   handlers.UnitTranscript,
		Source: v.Video.URL,
		Data:   raw,
		Meta: map[string]string{
			"video_id":    v.Video.ID,
			"title":       v.Video.Title,
			"path":        stored,
			"playlist_id": v.PlaylistID,
		},
	})
}
