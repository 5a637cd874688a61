package database

import (
	"context"
	"sort"
	"sync"

	apperrors "qlab/internal/errors"
)

// MemoryRepository keeps runs in process memory. It backs tests and
// database-less operation.
type MemoryRepository struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	tasks map[string]*TaskStatus
}

// NewMemoryRepository 创建内存存储
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		runs:  make(map[string]*Run),
		tasks: make(map[string]*TaskStatus),
	}
}

func (r *MemoryRepository) SaveRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "run id is required")
	}
	cp := *run
	r.mu.Lock()
	r.runs[run.ID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNotFound, "run not found", id, nil)
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns matching runs, newest first.
func (r *MemoryRepository) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	r.mu.RLock()
	out := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.matches(run) {
			cp := *run
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

func (r *MemoryRepository) SaveTaskStatus(ctx context.Context, status *TaskStatus) error {
	if status == nil || status.Name == "" {
		return apperrors.Errorf(apperrors.ErrCodeInvalidParameter, "task name is required")
	}
	cp := *status
	r.mu.Lock()
	r.tasks[status.Name] = &cp
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) ListTaskStatus(ctx context.Context) ([]*TaskStatus, error) {
	r.mu.RLock()
	out := make([]*TaskStatus, 0, len(r.tasks))
	for _, t := range r.tasks {
		cp := *t
		out = append(out, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
