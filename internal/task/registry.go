package task

import (
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-ingest-flow/internal/domain"
)

// Registry indexes live tasks by ID. It is injected where needed rather
// than held in a package-level global. Tasks remove themselves on reaching
// a terminal state.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Add registers t. A task that is already terminal is not kept.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	if _, exists := r.tasks[t.ID()]; exists {
		r.mu.Unlock()
		return &domain.TaskAlreadyExistsError{TaskID: t.ID()}
	}
	r.tasks[t.ID()] = t
	r.mu.Unlock()

	t.OnTerminal(func(done *Task) { r.remove(done) })
	return nil
}

// Get returns the live task with the given id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t, nil
}

// Cancel looks up id and requests cancellation. The task is called outside
// the registry lock.
func (r *Registry) Cancel(id string) (bool, error) {
	t, err := r.Get(id)
	if err != nil {
		return false, err
	}
	return t.Cancel(), nil
}

// CancelAll requests cancellation of every live task and returns them.
func (r *Registry) CancelAll() []*Task {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	for _, t := range tasks {
		t.Cancel()
	}
	return tasks
}

// List returns status views of all live tasks ordered by creation time.
func (r *Registry) List() []domain.StatusView {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	views := make([]domain.StatusView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.GetStatus())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// remove drops t only if the map still points at this instance.
func (r *Registry) remove(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.ID()]; ok && cur == t {
		delete(r.tasks, t.ID())
	}
}
