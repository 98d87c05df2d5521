package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/axiom/pkg/models"
)

// MemoryStore is the in-process Store used when no database is
// configured, and by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	tasks         map[int64]*models.Task
	interventions map[int64][]*models.Intervention
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         make(map[int64]*models.Task),
		interventions: make(map[int64][]*models.Intervention),
	}
}

func (s *MemoryStore) SaveTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveIntervention(ctx context.Context, iv *models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *iv
	s.interventions[iv.TaskID] = append(s.interventions[iv.TaskID], &cp)
	return nil
}

func (s *MemoryStore) ListInterventions(ctx context.Context, taskID int64) ([]*models.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.interventions[taskID]
	out := make([]*models.Intervention, len(list))
	for i, iv := range list {
		cp := *iv
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
