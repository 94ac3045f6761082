package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// fakeSubscription implements ports.EventSubscription over an in-memory
// channel the test feeds directly.
type fakeSubscription struct {
	mu           sync.Mutex
	subscribed   []string
	subscribeErr error
	events       chan domain.EventMessage
	closed       bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{events: make(chan domain.EventMessage, 16)}
}

func (s *fakeSubscription) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, channels...)
	return nil
}

// Listen bridges the fed channel so the stream ends on cancellation, as the
// real subscription's does.
func (s *fakeSubscription) Listen(ctx context.Context) <-chan domain.EventMessage {
	out := make(chan domain.EventMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-s.events:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *fakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSubscription) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

// fakeSink records delivered frames and simulates client disconnection.
type fakeSink struct {
	mu     sync.Mutex
	frames []Frame
	dead   bool
}

func (s *fakeSink) Send(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errors.New("client gone")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSink) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *fakeSink) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
}

func (s *fakeSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

func newTestDelivery(sub *fakeSubscription, keepalive time.Duration) *StreamDelivery {
	factory := ports.SubscriptionFactory(func() ports.EventSubscription { return sub })
	return NewStreamDelivery(factory, domain.NewChannels("events"), keepalive, testLogger())
}

func runDelivery(d *StreamDelivery, ctx context.Context, taskID string, sink StreamSink) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, taskID, sink)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never terminated")
	}
}

func update(taskID string, status domain.TaskStatus) domain.EventMessage {
	return domain.EventMessage{Update: domain.NewStatusUpdate(taskID, status, "", "")}
}

func TestStreamPerTaskLifecycle(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	done := runDelivery(d, context.Background(), "t1", sink)

	sub.events <- update("t1", domain.TaskStatusStarted)
	sub.events <- update("t1", domain.TaskStatusInProgress)
	sub.events <- update("t1", domain.TaskStatusCompleted)

	waitDone(t, done)

	assert.Equal(t, []string{FrameConnected, FrameUpdate, FrameUpdate, FrameUpdate, FrameClosing}, sink.events())
	assert.Equal(t, []string{"events:t1"}, sub.channels(), "per-task stream subscribes the per-task channel")
	assert.True(t, sub.isClosed())
}

func TestStreamGlobalNeverClosesOnTerminal(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	done := runDelivery(d, context.Background(), "", sink)

	sub.events <- update("t1", domain.TaskStatusCompleted)
	sub.events <- update("t2", domain.TaskStatusStarted)
	close(sub.events)

	waitDone(t, done)

	assert.Equal(t, []string{FrameConnected, FrameUpdate, FrameUpdate}, sink.events(),
		"terminal events on the global stream are forwarded, not treated as end of stream")
	assert.Equal(t, []string{"events"}, sub.channels())
}

func TestStreamFiltersForeignTask(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	done := runDelivery(d, context.Background(), "t1", sink)

	sub.events <- update("t2", domain.TaskStatusStarted)
	sub.events <- update("t1", domain.TaskStatusCompleted)

	waitDone(t, done)

	require.Equal(t, []string{FrameConnected, FrameUpdate, FrameClosing}, sink.events())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	forwarded := sink.frames[1].Data.(domain.StatusUpdate)
	assert.Equal(t, "t1", forwarded.TaskID)
}

func TestStreamSubscribeFailure(t *testing.T) {
	sub := newFakeSubscription()
	sub.subscribeErr = errors.New("broker unreachable")
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	waitDone(t, runDelivery(d, context.Background(), "t1", sink))

	assert.Equal(t, []string{FrameError}, sink.events())
}

func TestStreamErrorRecordBecomesErrorFrame(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	done := runDelivery(d, context.Background(), "", sink)

	sub.events <- domain.EventMessage{Err: errors.New("listener stopped")}

	waitDone(t, done)

	assert.Equal(t, []string{FrameConnected, FrameError}, sink.events())
}

func TestStreamKeepalivePing(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDelivery(d, ctx, "", sink)

	require.Eventually(t, func() bool {
		for _, e := range sink.events() {
			if e == FramePing {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "quiet stream never got a keepalive ping")

	cancel()
	waitDone(t, done)
}

func TestStreamStopsForDeadClient(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	done := runDelivery(d, context.Background(), "", sink)
	sink.kill()

	sub.events <- update("t1", domain.TaskStatusStarted)

	waitDone(t, done)
	assert.True(t, sub.isClosed())
}

func TestStreamContextCancellation(t *testing.T) {
	sub := newFakeSubscription()
	sink := &fakeSink{}
	d := newTestDelivery(sub, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDelivery(d, ctx, "", sink)
	cancel()

	waitDone(t, done)
	assert.Equal(t, []string{FrameConnected}, sink.events(), "cancellation terminates without an error frame")
}
