package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicowegher/competitor-eye/internal/model"
)

// MemoryStore 内存版 TaskStore，供测试与本地运行使用。
// 语义与 MySQL 实现保持一致，包括认领的 CAS 行为。
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*model.Task
}

var _ TaskStore = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.Task)}
}

func (m *MemoryStore) Enqueue(ctx context.Context, task *model.Task) error {
	if err := normalize(task); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return fmt.Errorf("enqueue task: duplicate id %s", task.ID)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	m.tasks[task.ID] = clone(task)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(task), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Task
	for _, task := range m.tasks {
		if task.UserID == userID {
			out = append(out, *clone(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimOldestQueued(ctx context.Context) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *model.Task
	for _, task := range m.tasks {
		if task.Status != model.StatusQueued {
			continue
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, ErrNoQueuedTasks
	}

	now := time.Now()
	oldest.Status = model.StatusRunning
	oldest.StartedAt = &now
	return clone(oldest), nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, report *model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !model.CanTransition(task.Status, model.StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.Status, model.StatusCompleted, id)
	}

	now := time.Now()
	task.Status = model.StatusCompleted
	task.CompletedAt = &now
	task.Result = report
	task.Error = ""
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !model.CanTransition(task.Status, model.StatusFailed) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.Status, model.StatusFailed, id)
	}

	now := time.Now()
	task.Status = model.StatusFailed
	task.CompletedAt = &now
	task.Error = reason
	return nil
}

func (m *MemoryStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var reclaimed int64
	for _, task := range m.tasks {
		if task.Status == model.StatusRunning && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
			task.Status = model.StatusQueued
			task.StartedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *MemoryStore) CountQueued(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, task := range m.tasks {
		if task.Status == model.StatusQueued {
			n++
		}
	}
	return n, nil
}

func clone(task *model.Task) *model.Task {
	cp := *task
	cp.TargetURLs = append(model.URLList(nil), task.TargetURLs...)
	if task.StartedAt != nil {
		t := *task.StartedAt
		cp.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
