package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/reply"
	"github.com/dayuer/supportbot/internal/session"
)

// HistoryResponse is the transcript of a session.
type HistoryResponse struct {
	SessionID    string               `json:"sessionId"`
	Messages     []messagelog.Message `json:"messages"`
	SessionStart time.Time            `json:"sessionStart"`
	Status       session.Status       `json:"status,omitempty"`
	Unread       int                  `json:"unread"`
}

// History returns every turn of a session, oldest first. An unknown session
// yields an empty transcript starting now.
func (s *Service) History(ctx context.Context, sessionID string) (HistoryResponse, error) {
	out := HistoryResponse{SessionID: sessionID, Messages: []messagelog.Message{}}

	sess, err := s.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		out.SessionStart = s.now().UTC()
		return out, nil
	case err != nil:
		return out, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out.SessionStart = sess.CreatedAt
	out.Status = sess.Status

	msgs, err := s.messages.ListBySession(ctx, sessionID)
	if err != nil {
		return out, fmt.Errorf("list messages of %s: %w", sessionID, err)
	}
	if msgs != nil {
		out.Messages = msgs
	}
	out.Unread = lo.CountBy(msgs, func(m messagelog.Message) bool {
		return m.AddressedToUser() && !m.IsRead
	})
	return out, nil
}

// MarkMessagesAsRead flips the session's unread bot and agent turns and
// returns how many changed.
func (s *Service) MarkMessagesAsRead(ctx context.Context, sessionID string) (int, error) {
	n, err := s.messages.MarkAllUnreadAsRead(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("mark messages of %s as read: %w", sessionID, err)
	}
	if n > 0 {
		s.log.Debug("Messages marked as read", "session", sessionID, "count", n)
	}
	return n, nil
}

// ActiveSessions lists sessions still handled by the bot, oldest first.
func (s *Service) ActiveSessions(ctx context.Context) ([]session.Session, error) {
	list, err := s.sessions.ListByStatus(ctx, session.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return list, nil
}

// Transfer hands an active session over to a human agent. Transferring an
// already transferred session is a no-op. session.ErrNotFound and
// session.ErrInvalidTransition are returned as is.
func (s *Service) Transfer(ctx context.Context, sessionID string) (session.Session, error) {
	sess, changed, err := s.sessions.UpdateStatus(ctx, sessionID, session.StatusTransferred)
	if err != nil {
		return session.Session{}, fmt.Errorf("transfer session %s: %w", sessionID, err)
	}
	if !changed {
		return sess, nil
	}

	notice, err := s.messages.Append(ctx, messagelog.BotTurn(sess.ID, reply.TransferText, messagelog.TypeSystem))
	if err != nil {
		return sess, fmt.Errorf("log transfer notice: %w", err)
	}
	count, err := s.messages.CountBySession(ctx, sess.ID)
	if err != nil {
		return sess, fmt.Errorf("count messages: %w", err)
	}

	s.log.Info("Session transferred to agent", "session", sess.ID, "user", sess.UserID)
	s.publish(ctx,
		bus.NewSessionEvent(sess),
		bus.NewMessageEvent(sess, notice),
		bus.NewSessionTransferred(sess, count),
	)
	return sess, nil
}

// AgentReply logs a human agent's answer on a transferred session.
func (s *Service) AgentReply(ctx context.Context, sessionID, agentName, text string) (messagelog.Message, error) {
	if strings.TrimSpace(text) == "" {
		return messagelog.Message{}, fmt.Errorf("%w: message is blank", ErrInvalidRequest)
	}
	if len([]rune(text)) > maxMessageLen {
		return messagelog.Message{}, fmt.Errorf("%w: message longer than %d characters", ErrInvalidRequest, maxMessageLen)
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return messagelog.Message{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if sess.Status != session.StatusTransferred {
		return messagelog.Message{}, fmt.Errorf("%w: %s is %s", ErrSessionNotTransferred, sessionID, sess.Status)
	}

	msg, err := s.messages.Append(ctx, messagelog.AgentTurn(sess.ID, text))
	if err != nil {
		return messagelog.Message{}, fmt.Errorf("log agent turn: %w", err)
	}
	s.log.Info("Agent replied", "session", sess.ID, "agent", agentName)
	s.publish(ctx, bus.NewMessageEvent(sess, msg))
	return msg, nil
}
