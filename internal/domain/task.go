package domain

import (
	"time"

	"gorm.io/gorm"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusStarted    TaskStatus = "STARTED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusRevoked    TaskStatus = "REVOKED"
)

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusRevoked
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusStarted, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusRevoked:
		return true
	}
	return false
}

// StatusUpdate is the event record describing one task status transition.
// It round-trips as JSON through the broker payload.
type StatusUpdate struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Stage     string     `json:"stage,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func NewStatusUpdate(taskID string, status TaskStatus, message, stage string) StatusUpdate {
	return StatusUpdate{
		TaskID:    taskID,
		Status:    status,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// EventMessage is one record delivered by a broker subscription, tagged with
// its source channel. Err is set exactly once, on the final record of a
// stream that stopped after repeated consumption errors.
type EventMessage struct {
	Channel string
	Update  StatusUpdate
	Err     error
}

// RevokeRequest is a control-channel message asking workers to cancel a task.
// Terminate requests cancellation even if the task is already executing.
type RevokeRequest struct {
	TaskID    string `json:"task_id"`
	Terminate bool   `json:"terminate"`
}

// TaskEnvelope is the queued form of a submitted task.
type TaskEnvelope struct {
	TaskID      string    `json:"task_id"`
	Name        string    `json:"name"`
	Payload     JSONB     `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TaskRecord is the worker pool's result-store row, polled by clients
// independently of the event stream.
type TaskRecord struct {
	TaskID    string         `json:"task_id" gorm:"primaryKey;column:task_id"`
	Name      string         `json:"name"`
	Status    TaskStatus     `json:"status"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    JSONB          `json:"result,omitempty" gorm:"type:jsonb"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
