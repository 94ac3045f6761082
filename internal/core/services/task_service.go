package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

// GenerateDatasetTask is the registered name of the dataset-generation unit
// of work.
const GenerateDatasetTask = "dataset.generate"

type taskService struct {
	queue ports.TaskQueue
	repo  ports.TaskRepository
	bus   ports.StatusPublisher
	log   *logger.Logger
}

func NewTaskService(queue ports.TaskQueue, repo ports.TaskRepository, bus ports.StatusPublisher, log *logger.Logger) ports.TaskService {
	return &taskService{queue: queue, repo: repo, bus: bus, log: log}
}

// SubmitGeneration validates the request, records the task as PENDING and
// enqueues it. Fire-and-forget: the task_id returns before any work happens.
func (s *taskService) SubmitGeneration(ctx context.Context, input ports.SubmitGenerationInput) (string, error) {
	if input.Rows <= 0 {
		return "", fmt.Errorf("rows must be positive")
	}
	// Resolve the schema up front so an invalid definition fails the request
	// instead of the queued task.
	if _, err := domain.ResolveRowSchema(input.ModelName, input.FieldDefinitions); err != nil {
		return "", fmt.Errorf("invalid schema definition: %w", err)
	}

	taskID := uuid.New().String()

	record := &domain.TaskRecord{
		TaskID:  taskID,
		Name:    GenerateDatasetTask,
		Status:  domain.TaskStatusPending,
		Message: "Task queued",
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create task record: %w", err)
	}

	env := domain.TaskEnvelope{
		TaskID: taskID,
		Name:   GenerateDatasetTask,
		Payload: domain.JSONB{
			"user_query":        input.UserQuery,
			"rows":              input.Rows,
			"model_name":        input.ModelName,
			"field_definitions": input.FieldDefinitions,
		},
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, env); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	// Best-effort: a subscriber attached this early sees the full sequence.
	s.bus.PublishUpdate(ctx, domain.NewStatusUpdate(taskID, domain.TaskStatusPending, "Task queued", ""))

	s.log.Infow("task_submitted", "task_id", taskID, "rows", input.Rows, "model", input.ModelName)
	return taskID, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	return s.repo.GetByID(ctx, taskID)
}

// RevokeTask marks the task so queued work is skipped and, when terminate is
// set, asks workers to cancel it mid-flight.
func (s *taskService) RevokeTask(ctx context.Context, taskID string, terminate bool) error {
	record, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("task %s already in terminal state %s", taskID, record.Status)
	}

	if err := s.queue.MarkRevoked(ctx, taskID); err != nil {
		return fmt.Errorf("failed to mark task revoked: %w", err)
	}
	if err := s.queue.PublishRevoke(ctx, domain.RevokeRequest{TaskID: taskID, Terminate: terminate}); err != nil {
		s.log.Warnw("task_revoke_publish_failed", "task_id", taskID, "error", err)
	}

	s.log.Infow("task_revoked", "task_id", taskID, "terminate", terminate)
	return nil
}
