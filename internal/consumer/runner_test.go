package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/mocks"
	"github.com/dayuer/supportbot/internal/session"
)

// flakyHandler panics on "panic", fails on "fail" and counts the rest.
type flakyHandler struct {
	ok atomic.Int64
}

func (h *flakyHandler) Name() string             { return "flaky" }
func (h *flakyHandler) Stream() bus.Stream       { return bus.StreamMessage }
func (h *flakyHandler) Snapshot() map[string]any { return map[string]any{"ok": h.ok.Load()} }

func (h *flakyHandler) Handle(_ context.Context, evt bus.Event) error {
	switch evt.(bus.MessageEvent).Message {
	case "panic":
		panic("handler exploded")
	case "fail":
		return errors.New("cannot handle")
	}
	h.ok.Add(1)
	return nil
}

func streamStats(t *testing.T, r *Runner, stream bus.Stream) map[string]any {
	t.Helper()
	s, ok := r.Stats()[string(stream)].(map[string]any)
	require.True(t, ok)
	return s
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "chatbot-messages", GroupName("chatbot", bus.StreamMessage))
	assert.Equal(t, "chatbot-sessions", GroupName("chatbot", bus.StreamSession))
	assert.Equal(t, "chatbot-analytics", GroupName("chatbot", bus.StreamAnalytics))
}

func TestNewRunner_RejectsDuplicateStream(t *testing.T) {
	_, err := NewRunner(nil, "x", 0, testLogger(), NewSessionMonitor(testLogger()), NewSessionMonitor(testLogger()))
	assert.Error(t, err)
}

func TestRunner_DeliversEachStreamToItsHandler(t *testing.T) {
	b := bus.NewMemoryBroker(bus.DefaultTopics(), 32, testLogger())
	defer b.Close()

	tracker := NewMessageTracker(testLogger(), nil)
	monitor := NewSessionMonitor(testLogger())
	aggregator := NewAnalyticsAggregator(testLogger())
	r, err := NewRunner(b, "test", 10*time.Millisecond, testLogger(), tracker, monitor, aggregator)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	waitSubscribed(t, b, "message/test-messages", "session/test-sessions", "analytics/test-analytics")

	ctx := context.Background()
	sess := session.New("s-1", "u-1", "Alice", t0)
	require.NoError(t, b.Publish(ctx, bus.NewSessionEvent(sess)))
	require.NoError(t, b.Publish(ctx, bus.NewSessionStarted(sess)))
	require.NoError(t, b.Publish(ctx, msgEvent("s-1", messagelog.SenderUser, "hello", t0)))
	require.NoError(t, b.Publish(ctx, bus.NewMessageProcessed(sess, "greeting", 3, t0)))

	require.Eventually(t, func() bool {
		return tracker.Snapshot()["total"] == 1 &&
			aggregator.TypeCount(bus.MessageProcessed) == 1 &&
			aggregator.TypeCount(bus.SessionStarted) == 1
	}, time.Second, 5*time.Millisecond)
	status, ok := monitor.Status("s-1")
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, status)
	assert.Equal(t, int64(2), streamStats(t, r, bus.StreamAnalytics)["processed"])
}

func TestRunner_FailuresAreIsolatedPerMessage(t *testing.T) {
	b := bus.NewMemoryBroker(bus.DefaultTopics(), 32, testLogger())
	defer b.Close()

	h := &flakyHandler{}
	r, err := NewRunner(b, "test", 10*time.Millisecond, testLogger(), h)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	waitSubscribed(t, b, "message/test-messages")

	ctx := context.Background()
	for _, text := range []string{"one", "panic", "two", "fail", "three"} {
		require.NoError(t, b.Publish(ctx, msgEvent("s-1", messagelog.SenderUser, text, t0)))
	}

	require.Eventually(t, func() bool { return h.ok.Load() == 3 }, time.Second, 5*time.Millisecond)
	stats := streamStats(t, r, bus.StreamMessage)
	assert.Equal(t, int64(3), stats["processed"])
	assert.Equal(t, int64(2), stats["failed"])
	assert.Equal(t, int64(0), stats["restarts"])
}

func TestRunner_StopStreamLeavesOthersRunning(t *testing.T) {
	b := bus.NewMemoryBroker(bus.DefaultTopics(), 32, testLogger())
	defer b.Close()

	tracker := NewMessageTracker(testLogger(), nil)
	monitor := NewSessionMonitor(testLogger())
	r, err := NewRunner(b, "test", 10*time.Millisecond, testLogger(), tracker, monitor)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	waitSubscribed(t, b, "message/test-messages", "session/test-sessions")

	r.StopStream(bus.StreamSession)
	assert.Equal(t, false, streamStats(t, r, bus.StreamSession)["running"])

	require.NoError(t, b.Publish(context.Background(), msgEvent("s-1", messagelog.SenderUser, "still here", t0)))
	require.Eventually(t, func() bool { return tracker.Snapshot()["total"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, true, streamStats(t, r, bus.StreamMessage)["running"])
}

func TestRunner_RestartsFailedSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubscriber(ctrl)

	gomock.InOrder(
		sub.EXPECT().
			Subscribe(gomock.Any(), bus.StreamSession, "test-sessions", gomock.Any()).
			Return(errors.New("connection reset")),
		sub.EXPECT().
			Subscribe(gomock.Any(), bus.StreamSession, "test-sessions", gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ bus.Stream, _ string, _ bus.Handler) error {
				<-ctx.Done()
				return nil
			}),
	)

	r, err := NewRunner(sub, "test", 10*time.Millisecond, testLogger(), NewSessionMonitor(testLogger()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := streamStats(t, r, bus.StreamSession)
		return s["restarts"] == int64(1) && s["running"] == true
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.Equal(t, false, streamStats(t, r, bus.StreamSession)["running"])
}

func TestRunner_SubscribePanicIsRecovered(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubscriber(ctrl)

	gomock.InOrder(
		sub.EXPECT().Subscribe(gomock.Any(), bus.StreamAnalytics, "test-analytics", gomock.Any()).
			DoAndReturn(func(context.Context, bus.Stream, string, bus.Handler) error {
				panic("driver bug")
			}),
		sub.EXPECT().Subscribe(gomock.Any(), bus.StreamAnalytics, "test-analytics", gomock.Any()).
			Return(bus.ErrBrokerClosed),
	)

	r, err := NewRunner(sub, "test", 10*time.Millisecond, testLogger(), NewAnalyticsAggregator(testLogger()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	// the loop ends on its own once the broker reports closed
	select {
	case <-r.loops[0].done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int64(1), streamStats(t, r, bus.StreamAnalytics)["restarts"])
	r.Stop()
}

func TestRunner_StartTwice(t *testing.T) {
	b := bus.NewMemoryBroker(bus.DefaultTopics(), 8, testLogger())
	defer b.Close()
	r, err := NewRunner(b, "test", 0, testLogger(), NewSessionMonitor(testLogger()))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	assert.Error(t, r.Start(context.Background()))
}

// waitSubscribed blocks until every "stream/group" has an active subscriber.
func waitSubscribed(t *testing.T, b *bus.MemoryBroker, groups ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		all := b.Stats()["groups"].(map[string]any)
		for _, g := range groups {
			state, ok := all[g].(map[string]any)
			if !ok || state["active"] != true {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}
