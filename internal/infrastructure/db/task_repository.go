package db

import (
	"context"

	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type taskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepository(db *gorm.DB, log *logger.Logger) ports.TaskRepository {
	return &taskRepository{db: db, log: log}
}

func (r *taskRepository) Create(ctx context.Context, record *domain.TaskRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		r.log.Errorw("task_repo_create_failed", "task_id", record.TaskID, "error", err)
		return err
	}
	r.log.Infow("task_repo_create_ok", "task_id", record.TaskID, "name", record.Name)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, taskID string) (*domain.TaskRecord, error) {
	var record domain.TaskRecord
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *taskRepository) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, stage, message string) error {
	updates := map[string]interface{}{
		"status":  status,
		"stage":   stage,
		"message": message,
	}
	if err := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("task_id = ?", taskID).Updates(updates).Error; err != nil {
		r.log.Errorw("task_repo_update_status_failed", "task_id", taskID, "status", status, "error", err)
		return err
	}
	return nil
}

func (r *taskRepository) SetResult(ctx context.Context, taskID string, result domain.JSONB) error {
	if err := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("task_id = ?", taskID).Update("result", result).Error; err != nil {
		r.log.Errorw("task_repo_set_result_failed", "task_id", taskID, "error", err)
		return err
	}
	return nil
}

func (r *taskRepository) SetError(ctx context.Context, taskID string, errStr string) error {
	if err := r.db.WithContext(ctx).Model(&domain.TaskRecord{}).
		Where("task_id = ?", taskID).Update("error", errStr).Error; err != nil {
		r.log.Errorw("task_repo_set_error_failed", "task_id", taskID, "error", err)
		return err
	}
	return nil
}

func (r *taskRepository) Upsert(ctx context.Context, record *domain.TaskRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "stage", "message", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		r.log.Errorw("task_repo_upsert_failed", "task_id", record.TaskID, "error", err)
	}
	return err
}
