package messagelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTurnBuilders(t *testing.T) {
	u := UserTurn("s1", "hello")
	assert.True(t, u.IsRead)
	assert.Equal(t, SenderUser, u.SenderType)
	assert.Equal(t, TypeText, u.MessageType)

	b := BotTurn("s1", "welcome", TypeSystem)
	assert.False(t, b.IsRead)
	assert.Equal(t, SenderBot, b.SenderType)
	assert.Equal(t, TypeSystem, b.MessageType)

	a := AgentTurn("s1", "hi, Dana here")
	assert.False(t, a.IsRead)
	assert.Equal(t, SenderAgent, a.SenderType)
}

func TestAddressedToUser(t *testing.T) {
	assert.False(t, Message{SenderType: SenderUser}.AddressedToUser())
	assert.True(t, Message{SenderType: SenderBot}.AddressedToUser())
	assert.True(t, Message{SenderType: SenderAgent}.AddressedToUser())
}

func TestSortChronological(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: 3, Timestamp: t0.Add(time.Second)},
		{ID: 2, Timestamp: t0},
		{ID: 1, Timestamp: t0},
		{ID: 4, Timestamp: t0.Add(-time.Second)},
	}

	SortChronological(msgs)

	var ids []int64
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{4, 1, 2, 3}, ids)
}
