package sqlitestore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/storage/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) storetest.Backend {
		store, err := Open(":memory:", slog.Default(), WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMarkAllUnreadAsRead_AppendDuringFlip(t *testing.T) {
	clock := storetest.NewClock()
	store, err := Open(":memory:", slog.Default(), WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()
	storetest.MarkReadSnapshot(t, store, clock, func(f func()) { store.afterSnapshot = f })
}

func TestOpen_FileMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	ctx := context.Background()

	store, err := Open(path, slog.Default())
	require.NoError(t, err)
	_, err = store.Append(ctx, messagelog.UserTurn("s-1", "hello"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.CountBySession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
