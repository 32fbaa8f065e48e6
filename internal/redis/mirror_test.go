package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
	"github.com/ramiqadoumi/go-ingest-flow/internal/redis"
	"github.com/ramiqadoumi/go-ingest-flow/internal/task"
)

type memStore struct{ views map[string]domain.StatusView }

func (m *memStore) SaveView(_ context.Context, v domain.StatusView) error {
	m.views[v.ID] = v
	return nil
}

func (m *memStore) GetView(_ context.Context, id string) (domain.StatusView, error) {
	v, ok := m.views[id]
	if !ok {
		return v, &domain.TaskNotFoundError{TaskID: id}
	}
	return v, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	delete(m.views, id)
	return nil
}

func TestMirror_KeepsLatestView(t *testing.T) {
	store := &memStore{views: map[string]domain.StatusView{}}
	m := redis.NewMirror(store)
	ctx := context.Background()

	require.NoError(t, m.Emit(ctx, task.Event{Name: task.EventProgress, Task: domain.StatusView{ID: "t1", Progress: 40}}))
	require.NoError(t, m.Emit(ctx, task.Event{Name: task.EventCompleted, Task: domain.StatusView{ID: "t1", Progress: 100, Status: domain.StatusCompleted}}))

	v, err := store.GetView(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, v.Progress)
	assert.Equal(t, domain.StatusCompleted, v.Status)
}
