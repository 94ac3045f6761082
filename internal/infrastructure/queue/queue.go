package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

const revokedTTL = 24 * time.Hour

// TaskQueue is the Redis-list work queue feeding the worker pool. Submission
// is fire-and-forget: the caller gets a task_id immediately and the envelope
// waits on the list until a worker pops it.
type TaskQueue struct {
	client   *redis.Client
	channels domain.Channels
	log      *logger.Logger
}

func New(cfg config.RedisConfig, events config.EventsConfig, log *logger.Logger) *TaskQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &TaskQueue{
		client:   client,
		channels: domain.NewChannels(events.ChannelPrefix),
		log:      log,
	}
}

func (q *TaskQueue) Enqueue(ctx context.Context, env domain.TaskEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode task envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.channels.Queue(), payload).Err(); err != nil {
		q.log.Errorw("queue_enqueue_failed", "task_id", env.TaskID, "error", err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	q.log.Infow("queue_enqueued", "task_id", env.TaskID, "name", env.Name)
	return nil
}

// Dequeue blocks up to timeout for the next envelope. The second return value
// reports whether an envelope was received.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.TaskEnvelope, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.channels.Queue()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// BRPOP returns [key, value].
	if len(res) < 2 {
		return nil, false, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}

	var env domain.TaskEnvelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		q.log.Errorw("queue_envelope_parse_failed", "error", err)
		return nil, false, fmt.Errorf("failed to decode task envelope: %w", err)
	}
	return &env, true, nil
}

// MarkRevoked flags a task so workers skip it when it reaches the front of
// the queue.
func (q *TaskQueue) MarkRevoked(ctx context.Context, taskID string) error {
	return q.client.Set(ctx, q.channels.Revoked(taskID), "1", revokedTTL).Err()
}

func (q *TaskQueue) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.channels.Revoked(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PublishRevoke notifies running workers about a revocation. Terminate asks
// them to cancel the task if it is already executing.
func (q *TaskQueue) PublishRevoke(ctx context.Context, req domain.RevokeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.channels.Control(), payload).Err()
}

// SubscribeControl delivers revocation requests until ctx is cancelled.
func (q *TaskQueue) SubscribeControl(ctx context.Context) <-chan domain.RevokeRequest {
	out := make(chan domain.RevokeRequest)
	pubsub := q.client.Subscribe(ctx, q.channels.Control())

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var req domain.RevokeRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					q.log.Warnw("queue_control_parse_failed", "error", err)
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Pending returns the number of queued envelopes.
func (q *TaskQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.channels.Queue()).Result()
}

func (q *TaskQueue) Close() {
	if err := q.client.Close(); err != nil {
		q.log.Warnw("queue_close_failed", "error", err)
	}
}
