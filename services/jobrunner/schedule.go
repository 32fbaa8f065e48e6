package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/jobs"
)

const defaultCheckInterval = 15 * time.Second

// Schedule submits the same job request on a cron expression.
type Schedule struct {
	Name string      `mapstructure:"name" validate:"required"`
	Cron string      `mapstructure:"cron" validate:"required"`
	Kind domain.Kind `mapstructure:"kind" validate:"required"`
	// Payload is re-encoded as the request's JSON payload.
	Payload        map[string]any `mapstructure:"payload"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
}

type scheduled struct {
	Schedule
	spec    cron.Schedule
	payload json.RawMessage
	next    time.Time
}

// Submitter starts a job from a request.
type Submitter interface {
	Submit(req jobs.Request) bool
}

// Scheduler fires Schedules against a Submitter. It polls rather than
// sleeping until the next fire time so clock jumps are picked up.
type Scheduler struct {
	target   Submitter
	entries  []*scheduled
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler parses every cron expression up front; a bad entry is an error.
func NewScheduler(target Submitter, schedules []Schedule, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{target: target, interval: defaultCheckInterval, now: time.Now, logger: logger}
	for _, sc := range schedules {
		if sc.Name == "" || sc.Kind == "" {
			return nil, &domain.ValidationError{Field: "schedules", Reason: "name and kind are required"}
		}
		spec, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q for schedule %q: %w", sc.Cron, sc.Name, err)
		}
		payload, err := json.Marshal(sc.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload for schedule %q: %w", sc.Name, err)
		}
		s.entries = append(s.entries, &scheduled{Schedule: sc, spec: spec, payload: payload})
	}
	return s, nil
}

// Run fires due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	now := s.now()
	for _, e := range s.entries {
		e.next = e.spec.Next(now)
		s.logger.Info("schedule registered", slog.String("schedule", e.Name), slog.Time("next_run", e.next))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := s.now()
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *scheduled, now time.Time) {
	taskID := fmt.Sprintf("%s-%s", e.Name, uuid.New().String()[:8])
	accepted := s.target.Submit(jobs.Request{
		ID:             taskID,
		Action:         jobs.ActionSubmit,
		Kind:           e.Kind,
		Params:         e.payload,
		TimeoutSeconds: e.TimeoutSeconds,
	})
	e.next = e.spec.Next(now)

	log := s.logger.With(slog.String("schedule", e.Name), slog.String("task_id", taskID))
	if !accepted {
		log.Warn("scheduled job rejected", slog.Time("next_run", e.next))
		return
	}
	log.Info("scheduled job fired",
		slog.String("task_kind", string(e.Kind)),
		slog.Time("next_run", e.next),
	)
}
