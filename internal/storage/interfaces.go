// Package storage persists finished tasks and interventions for history
// queries. Tasks are keyed by id: saving a task whose id is already stored
// replaces the earlier record.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/axiom/pkg/models"
)

var ErrNotFound = errors.New("not found")

// TaskStore persists terminal task records.
type TaskStore interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*models.Task, error)
}

// InterventionStore persists the intervention history.
type InterventionStore interface {
	SaveIntervention(ctx context.Context, iv *models.Intervention) error
	ListInterventions(ctx context.Context, taskID int64) ([]*models.Intervention, error)
}

// Store groups the persistence surfaces behind one handle.
type Store interface {
	TaskStore
	InterventionStore
	Close() error
}
