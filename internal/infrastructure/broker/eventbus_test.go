package broker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func testBus(t *testing.T) (*EventBus, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)

	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)

	bus := New(
		config.RedisConfig{Host: srv.Host(), Port: port},
		config.EventsConfig{ChannelPrefix: "events", ReconnectDelay: 20 * time.Millisecond},
		testLogger(),
	)
	t.Cleanup(bus.Close)
	return bus, srv
}

func TestConnectIdempotent(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Connect(ctx))
	require.NoError(t, bus.Connect(ctx))
	assert.NoError(t, bus.Ping(ctx))
}

func TestPingBeforeConnect(t *testing.T) {
	bus, _ := testBus(t)
	assert.Error(t, bus.Ping(context.Background()))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	ok := bus.Publish(ctx, bus.Channels().Task("t1"), domain.NewStatusUpdate("t1", domain.TaskStatusStarted, "", ""))
	assert.False(t, ok, "no subscriber means no receiver")
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, bus.Channels().Task("t1")))

	ok := bus.Publish(ctx, bus.Channels().Task("t1"), domain.NewStatusUpdate("t1", domain.TaskStatusStarted, "", ""))
	assert.True(t, ok)
}

func TestPublishUnreachableBroker(t *testing.T) {
	bus := New(
		config.RedisConfig{Host: "127.0.0.1", Port: 1},
		config.EventsConfig{ReconnectDelay: 10 * time.Millisecond},
		testLogger(),
	)
	defer bus.Close()

	ok := bus.Publish(context.Background(), "events", domain.NewStatusUpdate("t1", domain.TaskStatusStarted, "", ""))
	assert.False(t, ok, "connection failure reports false, never panics")
}

func TestPublishConcurrentWithClose(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(ctx, "events", domain.NewStatusUpdate("t1", domain.TaskStatusStarted, "", ""))
		}
	}()

	// Publishing must never observe a nil client, whatever Close/Connect
	// interleaving it races against.
	for i := 0; i < 50; i++ {
		bus.Close()
		_ = bus.Connect(ctx)
	}
	<-done
}

func TestSubscriberCount(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	channel := bus.Channels().Task("t1")

	count, err := bus.SubscriberCount(ctx, channel)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, channel))

	count, err = bus.SubscriberCount(ctx, channel)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestListenDeliversUpdates(t *testing.T) {
	bus, _ := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, bus.Channels().Task("t1"), bus.Channels().Global()))

	events := sub.Listen(ctx)

	sent := domain.NewStatusUpdate("t1", domain.TaskStatusInProgress, "halfway", "generation")
	require.True(t, bus.PublishUpdate(ctx, sent))

	got := receiveUpdate(t, events, "t1")
	assert.Equal(t, domain.TaskStatusInProgress, got.Status)
	assert.Equal(t, "generation", got.Stage)
	assert.Equal(t, "halfway", got.Message)
}

func TestListenFiltersForeignChannels(t *testing.T) {
	bus, _ := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, bus.Channels().Task("t1")))

	events := sub.Listen(ctx)

	// Only the per-task channel of t2 and the global one receive this; the
	// t1 subscription must stay silent for the per-task send.
	bus.Publish(ctx, bus.Channels().Task("t2"), domain.NewStatusUpdate("t2", domain.TaskStatusStarted, "", ""))
	bus.Publish(ctx, bus.Channels().Task("t1"), domain.NewStatusUpdate("t1", domain.TaskStatusStarted, "", ""))

	got := receiveUpdate(t, events, "t1")
	assert.Equal(t, "t1", got.TaskID)
}

func TestListenStopsAfterRepeatedParseErrors(t *testing.T) {
	bus, srv := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, "events"))

	events := sub.Listen(ctx)

	// SUBSCRIBE is confirmed asynchronously; publishing before the broker has
	// registered the subscriber would drop the messages.
	require.Eventually(t, func() bool {
		n, err := bus.SubscriberCount(ctx, "events")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < maxConsecutiveErrors; i++ {
		srv.Publish("events", "{not json")
	}

	select {
	case msg, ok := <-events:
		require.True(t, ok, "expected an error record before the stream closes")
		assert.Error(t, msg.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never reported the error")
	}

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream must close after the error record")
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed")
	}
}

func TestListenRecoversAfterBrokerRestart(t *testing.T) {
	bus, srv := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	defer sub.Close()
	require.NoError(t, sub.Subscribe(ctx, bus.Channels().Task("t1")))

	events := sub.Listen(ctx)

	// miniredis only rebinds the port of a Close()d server; Restart on a
	// running one fails with "address already in use".
	srv.Close()
	require.NoError(t, srv.Restart())

	// Earlier sends can race the transparent resubscribe, so keep publishing
	// until one lands.
	deadline := time.After(10 * time.Second)
	for {
		bus.Publish(ctx, bus.Channels().Task("t1"), domain.NewStatusUpdate("t1", domain.TaskStatusCompleted, "", ""))
		select {
		case msg, ok := <-events:
			require.True(t, ok, "stream closed before recovering")
			require.NoError(t, msg.Err)
			assert.Equal(t, domain.TaskStatusCompleted, msg.Update.Status)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("subscription never recovered after broker restart")
		}
	}
}

func TestSubscriptionCloseEndsListen(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Connect(ctx))

	sub := bus.NewSubscription()
	require.NoError(t, sub.Subscribe(ctx, "events"))

	events := sub.Listen(ctx)
	sub.Close()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream never closed after Close")
	}

	assert.Error(t, sub.Subscribe(ctx, "events"), "closed subscription rejects new channels")
	sub.Close()
}

func receiveUpdate(t *testing.T, events <-chan domain.EventMessage, taskID string) domain.StatusUpdate {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-events:
			require.True(t, ok, "stream closed unexpectedly")
			require.NoError(t, msg.Err)
			if msg.Update.TaskID == taskID {
				return msg.Update
			}
		case <-deadline:
			t.Fatalf("no update for task %s", taskID)
		}
	}
}
