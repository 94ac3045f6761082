package services

import (
	"context"
	"time"

	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

// Frame is one discrete event delivered to a streaming client.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

const (
	FrameConnected = "connected"
	FrameUpdate    = "update"
	FramePing      = "ping"
	FrameClosing   = "closing"
	FrameError     = "error"
)

// StreamSink is the transport side of one client connection. Alive polls the
// transport for disconnection; Send writes one frame.
type StreamSink interface {
	Send(frame Frame) error
	Alive() bool
}

// StreamDelivery forwards broker events to streaming clients. Each client
// connection runs its own forwarding loop over an independent bus
// subscription, so one slow or dead client never affects another.
type StreamDelivery struct {
	subscribe ports.SubscriptionFactory
	channels  domain.Channels
	keepalive time.Duration
	log       *logger.Logger
}

func NewStreamDelivery(subscribe ports.SubscriptionFactory, channels domain.Channels, keepalive time.Duration, log *logger.Logger) *StreamDelivery {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &StreamDelivery{
		subscribe: subscribe,
		channels:  channels,
		keepalive: keepalive,
		log:       log,
	}
}

// Run drives one client connection until a terminal event, a disconnect, a
// stream error, or cancellation. taskID narrows the stream to one task; empty
// means every task.
//
// Any error inside the loop becomes a single error frame before the
// connection closes; cancellation terminates silently.
func (d *StreamDelivery) Run(ctx context.Context, taskID string, sink StreamSink) {
	sub := d.subscribe()
	defer sub.Close()

	channel := d.channels.Global()
	if taskID != "" {
		channel = d.channels.Task(taskID)
	}

	if err := sub.Subscribe(ctx, channel); err != nil {
		d.log.Errorw("stream_subscribe_failed", "channel", channel, "error", err)
		_ = sink.Send(Frame{Event: FrameError, Data: map[string]string{"message": "failed to subscribe to event stream"}})
		return
	}

	if err := sink.Send(Frame{Event: FrameConnected}); err != nil {
		return
	}
	lastSent := time.Now()

	d.log.Infow("stream_connected", "task_id", taskID)
	defer d.log.Infow("stream_closed", "task_id", taskID)

	events := sub.Listen(ctx)
	for {
		idle := d.keepalive - time.Since(lastSent)
		if idle < 0 {
			idle = 0
		}
		timer := time.NewTimer(idle)

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			// Synthetic ping so intermediary proxies keep the connection open.
			if !sink.Alive() {
				return
			}
			if err := sink.Send(Frame{Event: FramePing}); err != nil {
				return
			}
			lastSent = time.Now()

		case msg, ok := <-events:
			timer.Stop()
			if !ok {
				return
			}
			if !sink.Alive() {
				d.log.Infow("stream_client_disconnected", "task_id", taskID)
				return
			}
			if msg.Err != nil {
				_ = sink.Send(Frame{Event: FrameError, Data: map[string]string{"message": msg.Err.Error()}})
				return
			}
			if taskID != "" && msg.Update.TaskID != taskID {
				continue
			}

			if err := sink.Send(Frame{Event: FrameUpdate, Data: msg.Update}); err != nil {
				return
			}
			lastSent = time.Now()

			if taskID != "" && msg.Update.Status.IsTerminal() {
				_ = sink.Send(Frame{Event: FrameClosing, Data: map[string]string{
					"task_id": taskID,
					"status":  string(msg.Update.Status),
				}})
				return
			}
		}
	}
}
