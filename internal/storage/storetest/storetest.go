// Package storetest holds the behaviour every session/message backend must satisfy.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/session"
)

// Backend is a store implementing both contracts.
type Backend interface {
	session.Store
	messagelog.Log
}

// Clock is a manually advanced, goroutine-safe time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty backend driven by clock.
type Factory func(t *testing.T, clock *Clock) Backend

// Run executes the contract suite against backends produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("GetOrCreate_CreatesActiveOnce", func(t *testing.T) { testGetOrCreate(t, open) })
	t.Run("GetOrCreate_ConcurrentSingleWinner", func(t *testing.T) { testConcurrentCreate(t, open) })
	t.Run("UpdateStatus_Monotonic", func(t *testing.T) { testUpdateStatus(t, open) })
	t.Run("UpdateStatus_NotFound", func(t *testing.T) { testUpdateStatusNotFound(t, open) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, open) })
	t.Run("Messages_Ordered", func(t *testing.T) { testMessagesOrdered(t, open) })
	t.Run("Messages_IsolatedPerSession", func(t *testing.T) { testMessagesIsolated(t, open) })
	t.Run("MarkAllUnreadAsRead", func(t *testing.T) { testMarkRead(t, open) })
}

func testGetOrCreate(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := open(t, clock)

	first, created, err := store.GetOrCreate(ctx, "s-1", "u-1", "Alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, session.StatusActive, first.Status)
	assert.Equal(t, clock.Now(), first.CreatedAt)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	clock.Advance(time.Minute)
	again, created, err := store.GetOrCreate(ctx, "s-1", "u-other", "Bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again, "existing session is returned unchanged")

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testConcurrentCreate(t *testing.T, open Factory) {
	ctx := context.Background()
	store := open(t, NewClock())

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, created, err := store.GetOrCreate(ctx, "race", "u", "n")
			assert.NoError(t, err)
			if created {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	active, err := store.ListByStatus(ctx, session.StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func testUpdateStatus(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := open(t, clock)

	created, _, err := store.GetOrCreate(ctx, "s-1", "u", "n")
	require.NoError(t, err)

	clock.Advance(time.Second)
	done, changed, err := store.UpdateStatus(ctx, "s-1", session.StatusCompleted)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, session.StatusCompleted, done.Status)
	assert.Equal(t, clock.Now(), done.UpdatedAt)
	assert.Equal(t, created.CreatedAt, done.CreatedAt)

	clock.Advance(time.Second)
	same, changed, err := store.UpdateStatus(ctx, "s-1", session.StatusCompleted)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, done.UpdatedAt, same.UpdatedAt)

	_, _, err = store.UpdateStatus(ctx, "s-1", session.StatusActive)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	_, _, err = store.UpdateStatus(ctx, "s-1", session.StatusTransferred)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	// a completed session is not reopened by a later GetOrCreate
	again, created2, err := store.GetOrCreate(ctx, "s-1", "u", "n")
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, session.StatusCompleted, again.Status)
}

func testUpdateStatusNotFound(t *testing.T, open Factory) {
	store := open(t, NewClock())
	_, _, err := store.UpdateStatus(context.Background(), "ghost", session.StatusCompleted)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testListByStatus(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := open(t, clock)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := store.GetOrCreate(ctx, id, "u", "n")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, _, err := store.UpdateStatus(ctx, "b", session.StatusTransferred)
	require.NoError(t, err)

	active, err := store.ListByStatus(ctx, session.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)

	transferred, err := store.ListByStatus(ctx, session.StatusTransferred)
	require.NoError(t, err)
	require.Len(t, transferred, 1)
	assert.Equal(t, "b", transferred[0].ID)
}

func testMessagesOrdered(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := open(t, clock)

	welcome, err := store.Append(ctx, messagelog.BotTurn("s-1", "welcome", messagelog.TypeText))
	require.NoError(t, err)
	// same instant: the id decides
	user, err := store.Append(ctx, messagelog.UserTurn("s-1", "hello"))
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	reply, err := store.Append(ctx, messagelog.BotTurn("s-1", "hi!", messagelog.TypeText))
	require.NoError(t, err)

	assert.Less(t, welcome.ID, user.ID)
	assert.Less(t, user.ID, reply.ID)
	assert.True(t, user.IsRead)
	assert.False(t, reply.IsRead)

	msgs, err := store.ListBySession(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"welcome", "hello", "hi!"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	assert.Equal(t, messagelog.SenderUser, msgs[1].SenderType)
	assert.Equal(t, reply.Timestamp, msgs[2].Timestamp)

	n, err := store.CountBySession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testMessagesIsolated(t *testing.T, open Factory) {
	ctx := context.Background()
	store := open(t, NewClock())

	_, err := store.Append(ctx, messagelog.UserTurn("a", "one"))
	require.NoError(t, err)
	_, err = store.Append(ctx, messagelog.UserTurn("a:b", "two"))
	require.NoError(t, err)
	_, err = store.Append(ctx, messagelog.UserTurn("ab", "three"))
	require.NoError(t, err)

	msgs, err := store.ListBySession(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Content)

	empty, err := store.ListBySession(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testMarkRead(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	store := open(t, clock)

	_, err := store.Append(ctx, messagelog.UserTurn("s-1", "hi"))
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		clock.Advance(time.Millisecond)
		_, err = store.Append(ctx, messagelog.BotTurn("s-1", text, messagelog.TypeText))
		require.NoError(t, err)
	}
	clock.Advance(time.Millisecond)
	_, err = store.Append(ctx, messagelog.AgentTurn("s-1", "agent here"))
	require.NoError(t, err)
	_, err = store.Append(ctx, messagelog.BotTurn("other", "elsewhere", messagelog.TypeText))
	require.NoError(t, err)

	n, err := store.MarkAllUnreadAsRead(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := store.ListBySession(ctx, "s-1")
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.IsRead, m.Content)
	}

	// idempotent
	n, err = store.MarkAllUnreadAsRead(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a later turn stays unread until the next call
	clock.Advance(time.Millisecond)
	_, err = store.Append(ctx, messagelog.BotTurn("s-1", "late", messagelog.TypeText))
	require.NoError(t, err)
	msgs, err = store.ListBySession(ctx, "s-1")
	require.NoError(t, err)
	assert.False(t, msgs[len(msgs)-1].IsRead)

	other, err := store.ListBySession(ctx, "other")
	require.NoError(t, err)
	assert.False(t, other[0].IsRead)
}

// MarkReadSnapshot checks that a turn appended after the unread snapshot is
// taken, but before the rows are flipped, stays unread. setHook installs a
// callback the backend runs between the two steps.
func MarkReadSnapshot(t *testing.T, store Backend, clock *Clock, setHook func(func())) {
	ctx := context.Background()

	_, err := store.Append(ctx, messagelog.UserTurn("s-1", "hi"))
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		clock.Advance(time.Millisecond)
		_, err = store.Append(ctx, messagelog.BotTurn("s-1", text, messagelog.TypeText))
		require.NoError(t, err)
	}

	var once sync.Once
	setHook(func() {
		once.Do(func() {
			clock.Advance(time.Millisecond)
			_, err := store.Append(ctx, messagelog.BotTurn("s-1", "raced", messagelog.TypeText))
			require.NoError(t, err)
		})
	})

	n, err := store.MarkAllUnreadAsRead(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := store.ListBySession(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, m.Content != "raced", m.IsRead, m.Content)
	}

	n, err = store.MarkAllUnreadAsRead(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
