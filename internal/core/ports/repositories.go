package ports

import (
	"context"

	"github.com/litminer/backend/internal/domain"
)

// TaskRepository is the worker pool's result store, separate from the event
// bus. Poll reads it; the event stream never does.
type TaskRepository interface {
	Create(ctx context.Context, record *domain.TaskRecord) error
	GetByID(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, stage, message string) error
	SetResult(ctx context.Context, taskID string, result domain.JSONB) error
	SetError(ctx context.Context, taskID string, errStr string) error
	Upsert(ctx context.Context, record *domain.TaskRecord) error
}
