package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

const (
	liveTTL     = 24 * time.Hour
	terminalTTL = time.Hour
)

func viewKey(taskID string) string { return "task:view:" + taskID }

// StateStore mirrors task status snapshots so any process can read them.
type StateStore interface {
	SaveView(ctx context.Context, view domain.StatusView) error
	GetView(ctx context.Context, taskID string) (domain.StatusView, error)
	Delete(ctx context.Context, taskID string) error
}

type stateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates a Redis client with short timeouts; the mirror is
// best-effort and must not stall event delivery.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})
}

// SaveView stores view. Terminal views expire sooner than live ones.
func (s *stateStore) SaveView(ctx context.Context, view domain.StatusView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshal view %s: %w", view.ID, err)
	}
	ttl := liveTTL
	if view.Status.IsTerminal() {
		ttl = terminalTTL
	}
	if err := s.client.Set(ctx, viewKey(view.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set view for %s: %w", view.ID, err)
	}
	return nil
}

func (s *stateStore) GetView(ctx context.Context, taskID string) (domain.StatusView, error) {
	data, err := s.client.Get(ctx, viewKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.StatusView{}, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return domain.StatusView{}, fmt.Errorf("redis get view for %s: %w", taskID, err)
	}
	var view domain.StatusView
	if err := json.Unmarshal(data, &view); err != nil {
		return domain.StatusView{}, fmt.Errorf("unmarshal view %s: %w", taskID, err)
	}
	return view, nil
}

func (s *stateStore) Delete(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, viewKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis delete view for %s: %w", taskID, err)
	}
	return nil
}

// Mirror is a task.Observer that writes every event's view to the store.
type Mirror struct {
	store StateStore
}

func NewMirror(store StateStore) *Mirror { return &Mirror{store: store} }

func (m *Mirror) Emit(ctx context.Context, event task.Event) error {
	return m.store.SaveView(ctx, event.Task)
}
