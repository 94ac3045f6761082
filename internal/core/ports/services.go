package ports

import (
	"context"

	"github.com/litminer/backend/internal/domain"
)

// StatusPublisher is the worker-side view of the event bus.
type StatusPublisher interface {
	// PublishUpdate sends the update to its per-task channel and to the
	// global channel. Reports whether any per-task subscriber was reachable.
	PublishUpdate(ctx context.Context, update domain.StatusUpdate) bool
	SubscriberCount(ctx context.Context, channel string) (int64, error)
	Channels() domain.Channels
}

// EventSubscription is one consumer's independent handle on the event bus.
// The stream returned by Listen ends on cancellation, on Close, or after the
// bus gives up following repeated consumption errors; in the last case the
// final message carries the error.
type EventSubscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Listen(ctx context.Context) <-chan domain.EventMessage
	Close()
}

// SubscriptionFactory creates an independent subscription per consumer so
// concurrent listeners never share a broker handle.
type SubscriptionFactory func() EventSubscription

// TaskQueue is the submission side of the worker pool's queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, env domain.TaskEnvelope) error
	MarkRevoked(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	PublishRevoke(ctx context.Context, req domain.RevokeRequest) error
	Pending(ctx context.Context) (int64, error)
}

// TaskService submits work, polls the result store, and revokes tasks.
type TaskService interface {
	SubmitGeneration(ctx context.Context, input SubmitGenerationInput) (string, error)
	GetTask(ctx context.Context, taskID string) (*domain.TaskRecord, error)
	RevokeTask(ctx context.Context, taskID string, terminate bool) error
}

type SubmitGenerationInput struct {
	UserQuery        string
	Rows             int
	ModelName        string
	FieldDefinitions string
}
