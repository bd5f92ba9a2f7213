package chatbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/consumer"
	"github.com/dayuer/supportbot/internal/session"
	"github.com/dayuer/supportbot/internal/storage/sqlitestore"
)

// A turn flows through the in-memory broker to the three consumers.
func TestPipeline_EventsReachConsumers(t *testing.T) {
	store, err := sqlitestore.Open(":memory:", testLogger())
	require.NoError(t, err)
	defer store.Close()

	broker := bus.NewMemoryBroker(bus.DefaultTopics(), 64, testLogger())
	defer broker.Close()

	tracker := consumer.NewMessageTracker(testLogger(), nil)
	monitor := consumer.NewSessionMonitor(testLogger())
	aggregator := consumer.NewAnalyticsAggregator(testLogger())
	runner, err := consumer.NewRunner(broker, "it", 10*time.Millisecond, testLogger(), tracker, monitor, aggregator)
	require.NoError(t, err)
	require.NoError(t, runner.Start(context.Background()))
	defer runner.Stop()

	require.Eventually(t, func() bool {
		groups := broker.Stats()["groups"].(map[string]any)
		for _, g := range []string{"message/it-messages", "session/it-sessions", "analytics/it-analytics"} {
			state, ok := groups[g].(map[string]any)
			if !ok || state["active"] != true {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	svc := NewService(store, store, broker, testLogger())
	ctx := context.Background()
	_, err = svc.ProcessMessage(ctx, Request{SessionID: "s1", Message: "Hello", UserID: "u-1"})
	require.NoError(t, err)
	_, err = svc.ProcessMessage(ctx, Request{SessionID: "s1", Message: "bye", UserID: "u-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := monitor.Status("s1")
		return ok && status == session.StatusCompleted &&
			tracker.Snapshot()["total"] == 5 &&
			aggregator.TypeCount(bus.MessageProcessed) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, aggregator.TypeCount(bus.SessionStarted))
	assert.Equal(t, 1, aggregator.IntentCount("greeting"))
	assert.Equal(t, 1, aggregator.IntentCount("bye"))
}

// A consumer that never returns must not slow down later turns.
func TestPipeline_StalledConsumerDoesNotDelayTurns(t *testing.T) {
	store, err := sqlitestore.Open(":memory:", testLogger())
	require.NoError(t, err)
	defer store.Close()

	broker := bus.NewMemoryBroker(bus.DefaultTopics(), 1, testLogger())
	defer broker.Close()

	release := make(chan struct{})
	defer close(release)
	go func() {
		_ = broker.Subscribe(context.Background(), bus.StreamMessage, "stuck", func(ctx context.Context, _ bus.Event) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		state, ok := broker.Stats()["groups"].(map[string]any)["message/stuck"].(map[string]any)
		return ok && state["active"] == true
	}, time.Second, 5*time.Millisecond)

	const timeout = 500 * time.Millisecond
	svc := NewService(store, store, broker, testLogger(), WithPublishTimeout(timeout))

	for i, text := range []string{"Hello", "pricing", "support"} {
		start := time.Now()
		_, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: text})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), timeout, "turn %d", i)
	}

	assert.Positive(t, svc.Stats()["publishFailed"].(int64))
	assert.Positive(t, broker.Stats()["dropped"].(int64))
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageUserTurn, SessionID: "s1", Err: errStoreDown}
	assert.Contains(t, err.Error(), "USER_TURN_LOGGED")
	assert.Contains(t, err.Error(), "s1")
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.ErrorIs(t, err, errStoreDown)
}
