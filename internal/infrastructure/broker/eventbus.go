package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

const (
	pollTimeout          = 250 * time.Millisecond
	maxConsecutiveErrors = 5
	maxErrorBackoff      = 10 * time.Second
)

// EventBus wraps the Redis pub/sub connection carrying task status updates
// between the worker pool and the serving process. One long-lived instance is
// created at process start and injected into every consumer.
type EventBus struct {
	cfg            config.RedisConfig
	channels       domain.Channels
	reconnectDelay time.Duration
	log            *logger.Logger

	mu     sync.Mutex
	client *redis.Client
}

func New(cfg config.RedisConfig, events config.EventsConfig, log *logger.Logger) *EventBus {
	delay := events.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &EventBus{
		cfg:            cfg,
		channels:       domain.NewChannels(events.ChannelPrefix),
		reconnectDelay: delay,
		log:            log,
	}
}

// Channels exposes the channel naming scheme shared with publishers.
func (b *EventBus) Channels() domain.Channels {
	return b.channels
}

// Connect establishes the broker connection. It is idempotent: concurrent
// callers are serialized and an already-healthy connection is reused.
func (b *EventBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked(ctx)
}

func (b *EventBus) connectLocked(ctx context.Context) error {
	if b.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Address(),
		Password: b.cfg.Password,
		DB:       b.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		b.log.Errorw("eventbus_connect_failed", "addr", b.cfg.Address(), "error", err)
		return fmt.Errorf("failed to connect to event bus: %w", err)
	}

	b.client = client
	b.log.Infow("eventbus_connected", "addr", b.cfg.Address())
	return nil
}

// ensureConnected pings the existing connection, dropping and reopening it on
// failure. Returns false when the broker stays unreachable.
func (b *EventBus) ensureConnected(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return b.connectLocked(ctx) == nil
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.log.Warnw("eventbus_connection_lost", "error", err)
		b.client.Close()
		b.client = nil
		return b.connectLocked(ctx) == nil
	}
	return true
}

// Ping reports current broker connectivity.
func (b *EventBus) Ping(ctx context.Context) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return fmt.Errorf("event bus not connected")
	}
	return client.Ping(ctx).Err()
}

// Publish serializes the update and sends it to the channel. The return value
// reports whether at least one subscriber was reachable at send time; it is a
// best-effort signal, not a delivery guarantee. Connection failures yield
// false without an error.
func (b *EventBus) Publish(ctx context.Context, channel string, update domain.StatusUpdate) bool {
	if !b.ensureConnected(ctx) {
		b.log.Errorw("eventbus_publish_not_connected", "channel", channel)
		return false
	}

	payload, err := json.Marshal(update)
	if err != nil {
		b.log.Errorw("eventbus_publish_marshal_failed", "channel", channel, "error", err)
		return false
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	// A concurrent Close may have dropped the client since ensureConnected.
	if client == nil {
		b.log.Errorw("eventbus_publish_not_connected", "channel", channel)
		return false
	}

	receivers, err := client.Publish(ctx, channel, payload).Result()
	if err != nil {
		b.log.Errorw("eventbus_publish_failed", "channel", channel, "error", err)
		return false
	}
	return receivers > 0
}

// PublishUpdate sends the update to its per-task channel and, as a separate
// independent send, to the global channel. The two sends are not atomic.
func (b *EventBus) PublishUpdate(ctx context.Context, update domain.StatusUpdate) bool {
	ok := b.Publish(ctx, b.channels.Task(update.TaskID), update)
	b.Publish(ctx, b.channels.Global(), update)
	return ok
}

// SubscriberCount returns the number of subscribers currently attached to the
// channel.
func (b *EventBus) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	if !b.ensureConnected(ctx) {
		return 0, fmt.Errorf("event bus not connected")
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("event bus not connected")
	}

	counts, err := client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, err
	}
	return counts[channel], nil
}

// NewSubscription creates an independent consumer handle. Each logical
// listener owns its own broker-side subscription so concurrent consumers
// never steal each other's messages.
func (b *EventBus) NewSubscription() *Subscription {
	return &Subscription{
		bus:      b,
		channels: make(map[string]bool),
	}
}

// Close tears the bus down. Best-effort: never returns an error and is safe
// to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		if err := b.client.Close(); err != nil {
			b.log.Warnw("eventbus_close_failed", "error", err)
		}
		b.client = nil
		b.log.Infow("eventbus_disconnected")
	}
}

// Subscription is one consumer's view of the bus. The subscribed channel set
// is tracked in memory and transparently re-established after a reconnect,
// so a caller inside Listen never observes the gap.
type Subscription struct {
	bus *EventBus

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]bool
	closed   bool
}

// Subscribe adds channels to the tracked set and subscribes the broker-side
// handle. Idempotent for already-subscribed channels.
func (s *Subscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("subscription closed")
	}

	var fresh []string
	for _, ch := range channels {
		if !s.channels[ch] {
			fresh = append(fresh, ch)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := s.attachLocked(ctx); err != nil {
		return err
	}
	if err := s.pubsub.Subscribe(ctx, fresh...); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	for _, ch := range fresh {
		s.channels[ch] = true
		s.bus.log.Infow("eventbus_subscribed", "channel", ch)
	}
	return nil
}

// attachLocked opens the broker-side handle and re-subscribes every tracked
// channel.
func (s *Subscription) attachLocked(ctx context.Context) error {
	if s.pubsub != nil {
		return nil
	}
	if !s.bus.ensureConnected(ctx) {
		return fmt.Errorf("event bus not connected")
	}

	s.bus.mu.Lock()
	client := s.bus.client
	s.bus.mu.Unlock()
	if client == nil {
		return fmt.Errorf("event bus not connected")
	}

	s.pubsub = client.Subscribe(ctx)
	if len(s.channels) > 0 {
		tracked := make([]string, 0, len(s.channels))
		for ch := range s.channels {
			tracked = append(tracked, ch)
		}
		if err := s.pubsub.Subscribe(ctx, tracked...); err != nil {
			s.pubsub.Close()
			s.pubsub = nil
			return fmt.Errorf("failed to resubscribe: %w", err)
		}
		s.bus.log.Infow("eventbus_resubscribed", "channels", len(tracked))
	}
	return nil
}

// detach drops the broker-side handle, keeping the tracked channel set so the
// next attach re-subscribes.
func (s *Subscription) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		s.pubsub.Close()
		s.pubsub = nil
	}
}

// Listen starts the consumption loop and returns its output stream. The
// stream ends when ctx is cancelled, the subscription is closed, or after
// repeated consumption errors; in the last case one error-flagged Message is
// delivered first and the consumer must rebuild the subscription from
// scratch. Restartable: a fresh call after termination starts a new loop.
func (s *Subscription) Listen(ctx context.Context) <-chan domain.EventMessage {
	out := make(chan domain.EventMessage)
	go s.run(ctx, out)
	return out
}

func (s *Subscription) run(ctx context.Context, out chan<- domain.EventMessage) {
	defer close(out)

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		err := s.attachLocked(ctx)
		pubsub := s.pubsub
		s.mu.Unlock()

		if err != nil {
			if !sleepCtx(ctx, s.bus.reconnectDelay) {
				return
			}
			continue
		}

		raw, err := pubsub.ReceiveTimeout(ctx, pollTimeout)
		if err != nil {
			if isPollTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}

			consecutiveErrors++
			s.bus.log.Errorw("eventbus_listen_error",
				"consecutive", consecutiveErrors,
				"max", maxConsecutiveErrors,
				"error", err,
			)
			s.detach()

			if consecutiveErrors >= maxConsecutiveErrors {
				s.bus.log.Errorw("eventbus_listener_stopped", "errors", consecutiveErrors)
				select {
				case out <- domain.EventMessage{Err: fmt.Errorf("event bus listener stopped after repeated errors: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			backoff := time.Duration(consecutiveErrors) * s.bus.reconnectDelay
			if backoff > maxErrorBackoff {
				backoff = maxErrorBackoff
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}

		msg, ok := raw.(*redis.Message)
		if !ok {
			// Subscription confirmations and pongs are not task events.
			continue
		}

		var update domain.StatusUpdate
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			consecutiveErrors++
			s.bus.log.Errorw("eventbus_message_parse_failed",
				"channel", msg.Channel,
				"consecutive", consecutiveErrors,
				"error", err,
			)
			if consecutiveErrors >= maxConsecutiveErrors {
				select {
				case out <- domain.EventMessage{Err: fmt.Errorf("event bus listener stopped after repeated errors: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			continue
		}

		consecutiveErrors = 0
		select {
		case out <- domain.EventMessage{Channel: msg.Channel, Update: update}:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the broker-side subscription. Best-effort, idempotent, and
// safe while a Listen loop is still draining.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.pubsub != nil {
		if err := s.pubsub.Unsubscribe(context.Background()); err != nil {
			s.bus.log.Warnw("eventbus_unsubscribe_failed", "error", err)
		}
		s.pubsub.Close()
		s.pubsub = nil
	}
	s.channels = make(map[string]bool)
}

func isPollTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
