// Package session defines the conversation session, its status state machine,
// and the Store contract that persistence backends implement.
package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a session id has no record.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned for any status change other than
	// ACTIVE→COMPLETED or ACTIVE→TRANSFERRED.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
	StatusTransferred Status = "TRANSFERRED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusTransferred:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTransferred
}

// CanTransition reports whether moving from s to next is allowed.
// Status only ever moves forward out of ACTIVE.
func (s Status) CanTransition(next Status) bool {
	return s == StatusActive && (next == StatusCompleted || next == StatusTransferred)
}

// Session is one user conversation.
type Session struct {
	ID        string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an ACTIVE session stamped with now.
func New(id, userID, userName string, now time.Time) Session {
	return Session{
		ID:        id,
		UserID:    userID,
		UserName:  userName,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition returns a copy of s moved to next.
// changed is false when s is already in next; updatedAt is then left alone.
func (s Session) Transition(next Status, now time.Time) (Session, bool, error) {
	if s.Status == next {
		return s, false, nil
	}
	if !s.Status.CanTransition(next) {
		return s, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = now
	return s, true, nil
}
