package repository

import (
	"sync"
	"time"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
	"github.com/xuecangming/multidrive/internal/common/types"
)

// TaskRepository keeps tasks in memory in creation order. Callers only ever
// see copies; changes go through Update.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
	order []string
	now   func() time.Time
}

// NewTaskRepository creates a new task repository
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		tasks: make(map[string]*types.Task),
		now:   time.Now,
	}
}

// Create stores a new task
func (r *TaskRepository) Create(task *types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return apperrors.NewConflictError("task " + task.ID + " already exists")
	}

	r.tasks[task.ID] = task.Clone()
	r.order = append(r.order, task.ID)
	return nil
}

// Get returns a copy of a task
func (r *TaskRepository) Get(id string) (*types.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, apperrors.TaskNotFound(id)
	}
	return task.Clone(), nil
}

// Update applies fn to the stored task atomically and returns the result.
// When fn fails nothing is changed.
func (r *TaskRepository) Update(id string, fn func(t *types.Task) error) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[id]
	if !exists {
		return nil, apperrors.TaskNotFound(id)
	}
	next := task.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now()
	r.tasks[id] = next
	return next.Clone(), nil
}

// List returns copies of all tasks in creation order
func (r *TaskRepository) List() []*types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]*types.Task, 0, len(r.order))
	for _, id := range r.order {
		tasks = append(tasks, r.tasks[id].Clone())
	}
	return tasks
}

// DeleteWhere removes every task for which match returns true and returns their ids
func (r *TaskRepository) DeleteWhere(match func(t *types.Task) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	order := r.order[:0]
	for _, id := range r.order {
		if match(r.tasks[id]) {
			delete(r.tasks, id)
			removed = append(removed, id)
			continue
		}
		order = append(order, id)
	}
	r.order = order
	return removed
}
