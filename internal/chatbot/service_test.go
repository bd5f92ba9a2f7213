package chatbot

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/intent"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/reply"
	"github.com/dayuer/supportbot/internal/session"
	"github.com/dayuer/supportbot/internal/storage/sqlitestore"
	"github.com/dayuer/supportbot/internal/storage/storetest"
)

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt bus.Event) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

// take returns the events published so far and forgets them.
func (p *recordingPublisher) take() []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

type fixture struct {
	svc   *Service
	store *sqlitestore.Store
	pub   *recordingPublisher
	clock *storetest.Clock
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := storetest.NewClock()
	store, err := sqlitestore.Open(":memory:", testLogger(), sqlitestore.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		svc:   NewService(store, store, pub, testLogger(), opts...),
		store: store,
		pub:   pub,
		clock: clock,
	}
}

func (f *fixture) send(t *testing.T, sessionID, text string) Response {
	t.Helper()
	resp, err := f.svc.ProcessMessage(context.Background(), Request{
		SessionID: sessionID,
		Message:   text,
		UserID:    "u-1",
		UserName:  "Alice",
	})
	require.NoError(t, err)
	return resp
}

func titles(qr []reply.QuickReply) []string {
	out := make([]string, len(qr))
	for i, q := range qr {
		out[i] = q.Title
	}
	return out
}

func TestProcessMessage_NewSessionGreeting(t *testing.T) {
	f := newFixture(t)

	resp := f.send(t, "s1", "Hello")

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, string(intent.Greeting), resp.Intent)
	assert.Equal(t, session.StatusActive, resp.Status)
	assert.Equal(t, []string{"Pricing", "Support", "Contact", "Features"}, titles(resp.QuickReplies))
	assert.Equal(t, f.clock.Now(), resp.Timestamp)

	events := f.pub.take()
	require.Len(t, events, 6)

	sessEvt := events[0].(bus.SessionEvent)
	assert.Equal(t, session.StatusActive, sessEvt.Status)
	assert.Equal(t, "u-1", sessEvt.UserID)

	started := events[1].(bus.AnalyticsEvent)
	assert.Equal(t, bus.SessionStarted, started.EventType)
	assert.Equal(t, 0, started.MessageCount)

	welcome := events[2].(bus.MessageEvent)
	assert.Equal(t, messagelog.SenderBot, welcome.SenderType)
	assert.Equal(t, reply.WelcomeText, welcome.Message)

	user := events[3].(bus.MessageEvent)
	assert.Equal(t, messagelog.SenderUser, user.SenderType)
	assert.Equal(t, "Hello", user.Message)

	bot := events[4].(bus.MessageEvent)
	assert.Equal(t, messagelog.SenderBot, bot.SenderType)
	assert.Equal(t, resp.BotResponse, bot.Message)

	processed := events[5].(bus.AnalyticsEvent)
	assert.Equal(t, bus.MessageProcessed, processed.EventType)
	assert.Equal(t, "greeting", processed.Intent)
	assert.Equal(t, 3, processed.MessageCount)

	streams := map[bus.Stream]bool{}
	for _, e := range events {
		streams[e.Stream()] = true
		assert.Equal(t, "s1", e.Key())
	}
	assert.Len(t, streams, 3, "every stream receives an event")
}

func TestProcessMessage_TranscriptOrder(t *testing.T) {
	f := newFixture(t)
	f.send(t, "s1", "Hello")

	h, err := f.svc.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, h.Messages, 3)

	assert.Equal(t, messagelog.SenderBot, h.Messages[0].SenderType)
	assert.Equal(t, reply.WelcomeText, h.Messages[0].Content)
	assert.False(t, h.Messages[0].IsRead)

	assert.Equal(t, messagelog.SenderUser, h.Messages[1].SenderType)
	assert.True(t, h.Messages[1].IsRead)

	assert.Equal(t, messagelog.SenderBot, h.Messages[2].SenderType)
	assert.False(t, h.Messages[2].IsRead)

	assert.Equal(t, 2, h.Unread)
	assert.Equal(t, session.StatusActive, h.Status)
}

func TestProcessMessage_ExistingSessionNoWelcome(t *testing.T) {
	f := newFixture(t)
	f.send(t, "s1", "Hello")
	f.pub.take()

	resp := f.send(t, "s1", "how much does it cost")
	assert.Equal(t, string(intent.Pricing), resp.Intent)
	assert.Contains(t, resp.BotResponse, "Basic Plan")
	assert.Contains(t, resp.BotResponse, "$9.99/month")

	events := f.pub.take()
	require.Len(t, events, 3)
	assert.Equal(t, messagelog.SenderUser, events[0].(bus.MessageEvent).SenderType)
	assert.Equal(t, messagelog.SenderBot, events[1].(bus.MessageEvent).SenderType)
	assert.Equal(t, 5, events[2].(bus.AnalyticsEvent).MessageCount)
}

func TestProcessMessage_ByeCompletesSession(t *testing.T) {
	f := newFixture(t)
	f.send(t, "s1", "Hello")
	f.pub.take()
	f.clock.Advance(time.Minute)

	resp := f.send(t, "s1", "bye")
	assert.Equal(t, string(intent.Bye), resp.Intent)
	assert.Equal(t, session.StatusCompleted, resp.Status)
	assert.NotNil(t, resp.QuickReplies)
	assert.Empty(t, resp.QuickReplies)

	events := f.pub.take()
	require.Len(t, events, 4)
	completed := events[2].(bus.SessionEvent)
	assert.Equal(t, session.StatusCompleted, completed.Status)
	assert.Equal(t, f.clock.Now(), completed.UpdatedAt)
	assert.Equal(t, "bye", events[3].(bus.AnalyticsEvent).Intent)

	// the session is never reopened
	resp = f.send(t, "s1", "hello again")
	assert.Equal(t, session.StatusCompleted, resp.Status)
	sess, created, err := f.store.GetOrCreate(context.Background(), "s1", "u-1", "Alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	// a second bye changes nothing, so no session event
	f.pub.take()
	f.send(t, "s1", "goodbye")
	for _, e := range f.pub.take() {
		assert.NotEqual(t, bus.StreamSession, e.Stream())
	}
}

func TestProcessMessage_ByeOnTransferredSessionKeepsStatus(t *testing.T) {
	f := newFixture(t)
	f.send(t, "s1", "Hello")
	_, err := f.svc.Transfer(context.Background(), "s1")
	require.NoError(t, err)
	f.pub.take()

	resp := f.send(t, "s1", "bye")
	assert.Equal(t, session.StatusTransferred, resp.Status)
	for _, e := range f.pub.take() {
		assert.NotEqual(t, bus.StreamSession, e.Stream())
	}
}

func TestProcessMessage_UnknownEchoesInput(t *testing.T) {
	f := newFixture(t)
	resp := f.send(t, "s1", "xyzzy plugh")
	assert.Equal(t, string(intent.Unknown), resp.Intent)
	assert.Contains(t, resp.BotResponse, `"xyzzy plugh"`)
	assert.Equal(t, []string{"Pricing", "Support", "Contact", "Features"}, titles(resp.QuickReplies))
}

func TestProcessMessage_GeneratesSessionID(t *testing.T) {
	f := newFixture(t, WithIDGenerator(func() string { return "generated-1" }))

	resp, err := f.svc.ProcessMessage(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "generated-1", resp.SessionID)

	sess, err := f.store.Get(context.Background(), "generated-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestProcessMessage_DefaultIDIsUUID(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.ProcessMessage(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	assert.Len(t, resp.SessionID, 36)
}

func TestProcessMessage_CustomWelcome(t *testing.T) {
	f := newFixture(t, WithWelcomeMessage("Welcome to Acme support!"))
	f.send(t, "s1", "hi")

	h, err := f.svc.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Acme support!", h.Messages[0].Content)
}

func TestProcessMessage_ConcurrentFirstMessages(t *testing.T) {
	f := newFixture(t)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessMessage(context.Background(), Request{SessionID: "race", Message: "hello", UserID: "u-1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	started := 0
	for _, e := range f.pub.take() {
		if a, ok := e.(bus.AnalyticsEvent); ok && a.EventType == bus.SessionStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)

	count, err := f.store.CountBySession(context.Background(), "race")
	require.NoError(t, err)
	assert.Equal(t, 1+2*n, count, "one welcome plus a user and a bot turn per request")
}

func TestMarkMessagesAsRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "s1", "Hello")

	n, err := f.svc.MarkMessagesAsRead(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// a bot message logged afterwards stays unread
	_, err = f.store.Append(ctx, messagelog.BotTurn("s1", "one more thing", messagelog.TypeText))
	require.NoError(t, err)

	h, err := f.svc.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Unread)
	assert.False(t, h.Messages[len(h.Messages)-1].IsRead)

	n, err = f.svc.MarkMessagesAsRead(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHistory_UnknownSession(t *testing.T) {
	f := newFixture(t)
	h, err := f.svc.History(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, h.Messages)
	assert.Empty(t, h.Messages)
	assert.Equal(t, f.clock.Now(), h.SessionStart)
	assert.Empty(t, h.Status)
}

func TestActiveSessions(t *testing.T) {
	f := newFixture(t)
	f.send(t, "a", "hi")
	f.clock.Advance(time.Second)
	f.send(t, "b", "hi")
	f.send(t, "b", "bye")
	f.clock.Advance(time.Second)
	f.send(t, "c", "hi")

	list, err := f.svc.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "s1", "I need help")
	f.pub.take()

	sess, err := f.svc.Transfer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusTransferred, sess.Status)

	events := f.pub.take()
	require.Len(t, events, 3)
	assert.Equal(t, session.StatusTransferred, events[0].(bus.SessionEvent).Status)
	notice := events[1].(bus.MessageEvent)
	assert.Equal(t, messagelog.TypeSystem, notice.MessageType)
	assert.Equal(t, reply.TransferText, notice.Message)
	transferred := events[2].(bus.AnalyticsEvent)
	assert.Equal(t, bus.SessionTransferred, transferred.EventType)
	assert.Equal(t, 4, transferred.MessageCount)

	// idempotent
	_, err = f.svc.Transfer(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, f.pub.take())
}

func TestTransfer_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Transfer(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)

	f.send(t, "done", "bye")
	_, err = f.svc.Transfer(ctx, "done")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestAgentReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "s1", "speak to a human")

	_, err := f.svc.AgentReply(ctx, "s1", "Bob", "Hi, Bob here")
	assert.ErrorIs(t, err, ErrSessionNotTransferred)

	_, err = f.svc.Transfer(ctx, "s1")
	require.NoError(t, err)
	f.pub.take()

	msg, err := f.svc.AgentReply(ctx, "s1", "Bob", "Hi, Bob here")
	require.NoError(t, err)
	assert.Equal(t, messagelog.SenderAgent, msg.SenderType)
	assert.False(t, msg.IsRead)

	events := f.pub.take()
	require.Len(t, events, 1)
	assert.Equal(t, messagelog.SenderAgent, events[0].(bus.MessageEvent).SenderType)

	_, err = f.svc.AgentReply(ctx, "s1", "Bob", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.svc.AgentReply(ctx, "missing", "Bob", "hello")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("a", 129)

	cases := map[string]Request{
		"empty message":       {SessionID: "s1", Message: ""},
		"blank message":       {SessionID: "s1", Message: " \n\t "},
		"message too long":    {SessionID: "s1", Message: strings.Repeat("é", 4001)},
		"session id too long": {SessionID: long, Message: "hi"},
		"user id too long":    {SessionID: "s1", Message: "hi", UserID: long},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.ProcessMessage(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.NotErrorIs(t, err, ErrProcessingFailed)
		})
	}

	_, err := f.store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, session.ErrNotFound, "rejected requests never reach the store")
	assert.Empty(t, f.pub.take())

	_, err = f.svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: strings.Repeat("é", 4000)})
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.send(t, "s1", "hi")
	stats := f.svc.Stats()
	assert.Equal(t, int64(1), stats["processed"])
	assert.Equal(t, int64(6), stats["published"])
	assert.Equal(t, int64(0), stats["publishFailed"])
}

func TestSetClassifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.ProcessMessage(ctx, Request{SessionID: "s1", Message: "howdy"})
	require.NoError(t, err)
	assert.Equal(t, string(intent.Unknown), resp.Intent)

	table, err := intent.NewTable([]intent.Rule{{Label: intent.Greeting, Pattern: `\bhowdy\b`}})
	require.NoError(t, err)
	f.svc.SetClassifier(intent.NewClassifier(table))
	f.svc.SetClassifier(nil)

	resp, err = f.svc.ProcessMessage(ctx, Request{SessionID: "s1", Message: "howdy"})
	require.NoError(t, err)
	assert.Equal(t, string(intent.Greeting), resp.Intent)
}
