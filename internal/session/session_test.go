package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, StatusActive.CanTransition(StatusCompleted))
	assert.True(t, StatusActive.CanTransition(StatusTransferred))

	assert.False(t, StatusActive.CanTransition(StatusActive))
	assert.False(t, StatusCompleted.CanTransition(StatusActive))
	assert.False(t, StatusCompleted.CanTransition(StatusTransferred))
	assert.False(t, StatusTransferred.CanTransition(StatusActive))
	assert.False(t, StatusTransferred.CanTransition(StatusCompleted))
}

func TestStatus_Valid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusTransferred.Valid())
	assert.False(t, Status("PAUSED").Valid())
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusActive.Terminal())
}

func TestNew(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := New("s1", "u1", "Alice", now)

	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
}

func TestSession_Transition(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Minute)
	s := New("s1", "u1", "Alice", created)

	done, changed, err := s.Transition(StatusCompleted, later)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, later, done.UpdatedAt)
	assert.Equal(t, StatusActive, s.Status, "receiver is not mutated")

	same, changed, err := done.Transition(StatusCompleted, later.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, later, same.UpdatedAt)

	_, _, err = done.Transition(StatusActive, later)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
