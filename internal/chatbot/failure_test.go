package chatbot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/mocks"
	"github.com/dayuer/supportbot/internal/session"
	"github.com/dayuer/supportbot/internal/storage/sqlitestore"
	"github.com/dayuer/supportbot/internal/storage/storetest"
)

var errStoreDown = errors.New("store unreachable")

func TestProcessMessage_PublishFailureIsSwallowed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clock := storetest.NewClock()
	store, err := sqlitestore.Open(":memory:", testLogger(), sqlitestore.WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()

	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(bus.ErrBrokerClosed).
		Times(6)

	svc := NewService(store, store, pub, testLogger())
	resp, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "Hello", UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "greeting", resp.Intent)

	h, err := svc.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, h.Messages, 3)

	stats := svc.Stats()
	assert.Equal(t, int64(6), stats["publishFailed"])
	assert.Equal(t, int64(0), stats["published"])
	assert.Equal(t, int64(1), stats["processed"])
}

func TestProcessMessage_PublishIsBoundedByTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store, err := sqlitestore.Open(":memory:", testLogger())
	require.NoError(t, err)
	defer store.Close()

	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ bus.Event) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		AnyTimes()

	svc := NewService(store, store, pub, testLogger(), WithPublishTimeout(100*time.Millisecond))

	// six events share one deadline instead of waiting 100ms each
	start := time.Now()
	_, err = svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "pricing"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, int64(6), svc.Stats()["publishFailed"])
}

func TestProcessMessage_SessionStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sessions := mocks.NewMockStore(ctrl)
	messages := mocks.NewMockLog(ctrl)
	pub := mocks.NewMockPublisher(ctrl)

	sessions.EXPECT().
		GetOrCreate(gomock.Any(), "s1", "u-1", "Alice").
		Return(session.Session{}, false, errStoreDown)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	svc := NewService(sessions, messages, pub, testLogger())
	_, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "hi", UserID: "u-1", UserName: "Alice"})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.ErrorIs(t, err, errStoreDown)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSession, stageErr.Stage)
	assert.Equal(t, "s1", stageErr.SessionID)
	assert.Equal(t, int64(1), svc.Stats()["failed"])
}

func TestProcessMessage_BotTurnFailureKeepsUserTurn(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sessions := mocks.NewMockStore(ctrl)
	messages := mocks.NewMockLog(ctrl)
	pub := mocks.NewMockPublisher(ctrl)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	existing := session.New("s1", "u-1", "Alice", now)

	sessions.EXPECT().GetOrCreate(gomock.Any(), "s1", gomock.Any(), gomock.Any()).Return(existing, false, nil)
	gomock.InOrder(
		messages.EXPECT().
			Append(gomock.Any(), messagelog.UserTurn("s1", "I have a problem")).
			Return(messagelog.Message{ID: 1, SessionID: "s1", SenderType: messagelog.SenderUser, IsRead: true}, nil),
		messages.EXPECT().
			Append(gomock.Any(), gomock.Any()).
			Return(messagelog.Message{}, errStoreDown),
	)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	svc := NewService(sessions, messages, pub, testLogger())
	_, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "I have a problem"})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageBotTurn, stageErr.Stage)
	assert.ErrorIs(t, err, ErrProcessingFailed)
}

func TestProcessMessage_TransitionFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sessions := mocks.NewMockStore(ctrl)
	messages := mocks.NewMockLog(ctrl)
	pub := mocks.NewMockPublisher(ctrl)

	existing := session.New("s1", "u-1", "Alice", time.Now())
	sessions.EXPECT().GetOrCreate(gomock.Any(), "s1", gomock.Any(), gomock.Any()).Return(existing, false, nil)
	messages.EXPECT().Append(gomock.Any(), gomock.Any()).Return(messagelog.Message{SessionID: "s1"}, nil).Times(2)
	sessions.EXPECT().
		UpdateStatus(gomock.Any(), "s1", session.StatusCompleted).
		Return(session.Session{}, false, errStoreDown)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(0)

	svc := NewService(sessions, messages, pub, testLogger())
	_, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "bye"})

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageBotTurn, stageErr.Stage)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestProcessMessage_InvalidRequestSkipsPipeline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no expectations: any store or publisher call fails the test
	svc := NewService(mocks.NewMockStore(ctrl), mocks.NewMockLog(ctrl), mocks.NewMockPublisher(ctrl), testLogger())
	_, err := svc.ProcessMessage(context.Background(), Request{SessionID: "s1", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHistory_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sessions := mocks.NewMockStore(ctrl)
	sessions.EXPECT().Get(gomock.Any(), "s1").Return(session.Session{}, errStoreDown)

	svc := NewService(sessions, mocks.NewMockLog(ctrl), mocks.NewMockPublisher(ctrl), testLogger())
	_, err := svc.History(context.Background(), "s1")
	assert.ErrorIs(t, err, errStoreDown)
}
