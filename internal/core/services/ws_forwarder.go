package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

// ForwardUpdates pumps global-channel updates out to every registered
// duplex-socket client until ctx is cancelled. A stream that dies after the
// bus error cap, or a subscribe failure, is rebuilt from scratch on a fresh
// subscription after retryDelay. Runs as one goroutine in the serving
// process.
func ForwardUpdates(ctx context.Context, subscribe ports.SubscriptionFactory, registry *ConnectionRegistry, channel string, retryDelay time.Duration, log *logger.Logger) {
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	for {
		forwardOnce(ctx, subscribe(), registry, channel, log)
		if ctx.Err() != nil {
			return
		}

		log.Warnw("ws_forwarder_restarting", "delay", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// forwardOnce drives one subscription until its stream ends.
func forwardOnce(ctx context.Context, sub ports.EventSubscription, registry *ConnectionRegistry, channel string, log *logger.Logger) {
	defer sub.Close()

	if err := sub.Subscribe(ctx, channel); err != nil {
		log.Errorw("ws_forwarder_subscribe_failed", "channel", channel, "error", err)
		return
	}

	for msg := range sub.Listen(ctx) {
		if msg.Err != nil {
			log.Errorw("ws_forwarder_stream_failed", "error", msg.Err)
			return
		}
		payload, err := json.Marshal(Frame{Event: FrameUpdate, Data: msg.Update})
		if err != nil {
			continue
		}
		registry.Broadcast(payload)
	}
}
