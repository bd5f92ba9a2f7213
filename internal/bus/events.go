// Package bus carries domain events from the chat pipeline to downstream consumers.
//
// Three streams exist: message (every logged turn), session (lifecycle changes) and
// analytics (per-turn metrics). Every event is keyed by its session id, which picks
// the partition, so one session's events stay in publication order.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/session"
)

// Stream names an event category.
type Stream string

const (
	StreamMessage   Stream = "message"
	StreamSession   Stream = "session"
	StreamAnalytics Stream = "analytics"
)

// Streams lists every stream.
var Streams = []Stream{StreamMessage, StreamSession, StreamAnalytics}

// Event is one of MessageEvent, SessionEvent or AnalyticsEvent.
type Event interface {
	Stream() Stream
	// Key is the partition key: the session id.
	Key() string
}

// MessageEvent reports a logged turn.
type MessageEvent struct {
	SessionID   string                 `json:"sessionId"`
	Message     string                 `json:"message"`
	SenderType  messagelog.SenderType  `json:"senderType"`
	UserID      string                 `json:"userId"`
	UserName    string                 `json:"userName"`
	Timestamp   time.Time              `json:"timestamp"`
	MessageType messagelog.MessageType `json:"messageType"`
}

func (MessageEvent) Stream() Stream { return StreamMessage }
func (e MessageEvent) Key() string { return e.SessionID }

// SessionEvent reports a session's state after creation or a status change.
type SessionEvent struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Status    session.Status `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (SessionEvent) Stream() Stream { return StreamSession }
func (e SessionEvent) Key() string { return e.SessionID }

// Analytics event types.
const (
	SessionStarted     = "SESSION_STARTED"
	MessageProcessed   = "MESSAGE_PROCESSED"
	SessionTransferred = "SESSION_TRANSFERRED"
)

// AnalyticsEvent carries per-turn metrics.
type AnalyticsEvent struct {
	SessionID    string                 `json:"sessionId"`
	EventType    string                 `json:"eventType"`
	MessageType  messagelog.MessageType `json:"messageType"`
	UserID       string                 `json:"userId"`
	Timestamp    time.Time              `json:"timestamp"`
	MessageCount int                    `json:"messageCount"`
	Intent       string                 `json:"intent"`
}

func (AnalyticsEvent) Stream() Stream { return StreamAnalytics }
func (e AnalyticsEvent) Key() string { return e.SessionID }

// NewMessageEvent describes msg as logged in sess.
func NewMessageEvent(sess session.Session, msg messagelog.Message) MessageEvent {
	return MessageEvent{
		SessionID:   msg.SessionID,
		Message:     msg.Content,
		SenderType:  msg.SenderType,
		UserID:      sess.UserID,
		UserName:    sess.UserName,
		Timestamp:   msg.Timestamp,
		MessageType: msg.MessageType,
	}
}

// NewSessionEvent snapshots sess.
func NewSessionEvent(sess session.Session) SessionEvent {
	return SessionEvent{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		UserName:  sess.UserName,
		Status:    sess.Status,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

// NewSessionStarted is emitted once when a session is created.
func NewSessionStarted(sess session.Session) AnalyticsEvent {
	return AnalyticsEvent{
		SessionID:   sess.ID,
		EventType:   SessionStarted,
		MessageType: messagelog.TypeSystem,
		UserID:      sess.UserID,
		Timestamp:   sess.CreatedAt,
		Intent:      "new_session",
	}
}

// NewMessageProcessed is emitted once per completed turn.
func NewMessageProcessed(sess session.Session, intent string, messageCount int, at time.Time) AnalyticsEvent {
	return AnalyticsEvent{
		SessionID:    sess.ID,
		EventType:    MessageProcessed,
		MessageType:  messagelog.TypeText,
		UserID:       sess.UserID,
		Timestamp:    at,
		MessageCount: messageCount,
		Intent:       intent,
	}
}

// NewSessionTransferred is emitted when a session is handed to a human agent.
func NewSessionTransferred(sess session.Session, messageCount int) AnalyticsEvent {
	return AnalyticsEvent{
		SessionID:    sess.ID,
		EventType:    SessionTransferred,
		MessageType:  messagelog.TypeSystem,
		UserID:       sess.UserID,
		Timestamp:    sess.UpdatedAt,
		MessageCount: messageCount,
		Intent:       "transfer",
	}
}

// Encode serialises an event for the wire.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", evt.Stream(), err)
	}
	return data, nil
}

// Decode parses a payload read from stream.
func Decode(stream Stream, data []byte) (Event, error) {
	var (
		evt Event
		err error
	)
	switch stream {
	case StreamMessage:
		var e MessageEvent
		err = json.Unmarshal(data, &e)
		evt = e
	case StreamSession:
		var e SessionEvent
		err = json.Unmarshal(data, &e)
		evt = e
	case StreamAnalytics:
		var e AnalyticsEvent
		err = json.Unmarshal(data, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", stream, err)
	}
	return evt, nil
}
