package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"github.com/dayuer/supportbot/internal/chatbot"
	"github.com/dayuer/supportbot/internal/session"
)

const (
	processingFailedBody = "Failed to process message"
	testBanner           = "Customer support bot API is working! Use POST " + Prefix + "/send to send messages."
)

// AgentReplyRequest is the body of POST /:sessionId/agent-reply.
type AgentReplyRequest struct {
	AgentName string `json:"agentName"`
	Message   string `json:"message"`
}

// SessionSummary is one entry of GET /sessions/active.
type SessionSummary struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName"`
	Status    session.Status `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	IdleFor   string         `json:"idleFor"`
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// handleSend runs one user message through the pipeline.
// POST /api/v1/chat/send
func (s *Server) handleSend(c echo.Context) error {
	var req chatbot.Request
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	s.log.Info("Chat message received", "session", req.SessionID, "user", req.UserName)
	resp, err := s.svc.ProcessMessage(c.Request().Context(), req)
	switch {
	case errors.Is(err, chatbot.ErrInvalidRequest):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case err != nil:
		// stage and cause are logged by the pipeline
		return errorJSON(c, http.StatusInternalServerError, processingFailedBody)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleHistory returns the transcript of a session.
// GET /api/v1/chat/history/:sessionId
func (s *Server) handleHistory(c echo.Context) error {
	sessionID := c.Param("sessionId")
	history, err := s.svc.History(c.Request().Context(), sessionID)
	if err != nil {
		s.log.Error("History lookup failed", "session", sessionID, "err", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to load history")
	}
	return c.JSON(http.StatusOK, history)
}

// handleMarkRead flips unread bot and agent turns.
// POST /api/v1/chat/:sessionId/mark-read
func (s *Server) handleMarkRead(c echo.Context) error {
	sessionID := c.Param("sessionId")
	n, err := s.svc.MarkMessagesAsRead(c.Request().Context(), sessionID)
	if err != nil {
		s.log.Error("Mark read failed", "session", sessionID, "err", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to mark messages as read")
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": n})
}

// handleTransfer hands a session over to a human agent.
// POST /api/v1/chat/:sessionId/transfer
func (s *Server) handleTransfer(c echo.Context) error {
	sessionID := c.Param("sessionId")
	sess, err := s.svc.Transfer(c.Request().Context(), sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidTransition):
		return errorJSON(c, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("Transfer failed", "session", sessionID, "err", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to transfer session")
	}
	return c.JSON(http.StatusOK, sess)
}

// handleAgentReply logs a human agent's answer.
// POST /api/v1/chat/:sessionId/agent-reply
func (s *Server) handleAgentReply(c echo.Context) error {
	sessionID := c.Param("sessionId")
	var req AgentReplyRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.svc.AgentReply(c.Request().Context(), sessionID, req.AgentName, req.Message)
	switch {
	case errors.Is(err, chatbot.ErrInvalidRequest):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "session not found")
	case errors.Is(err, chatbot.ErrSessionNotTransferred):
		return errorJSON(c, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Error("Agent reply failed", "session", sessionID, "err", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to store agent reply")
	}
	return c.JSON(http.StatusOK, msg)
}

// handleActiveSessions lists sessions the bot is still handling.
// GET /api/v1/chat/sessions/active
func (s *Server) handleActiveSessions(c echo.Context) error {
	list, err := s.svc.ActiveSessions(c.Request().Context())
	if err != nil {
		s.log.Error("Active session lookup failed", "err", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list sessions")
	}
	now := time.Now()
	return c.JSON(http.StatusOK, lo.Map(list, func(sess session.Session, _ int) SessionSummary {
		return SessionSummary{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			UserName:  sess.UserName,
			Status:    sess.Status,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
			IdleFor:   now.Sub(sess.UpdatedAt).Truncate(time.Second).String(),
		}
	}))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int(time.Since(s.startTime).Seconds()),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleTest(c echo.Context) error {
	return c.String(http.StatusOK, testBanner)
}

// handleStats reports request, pipeline, broker, consumer and process counters.
// GET /api/v1/chat/stats
func (s *Server) handleStats(c echo.Context) error {
	out := map[string]any{
		"uptime":   int(time.Since(s.startTime).Seconds()),
		"requests": s.requestStats(),
		"pipeline": s.svc.Stats(),
		"process":  s.processStats(),
	}
	if s.feed != nil {
		out["liveFeed"] = s.feed.Stats()
	}
	for name, src := range s.sources {
		out[name] = src.Stats()
	}
	return c.JSON(http.StatusOK, out)
}

// handleWS streams the session's message events.
// GET /api/v1/chat/ws/:sessionId
func (s *Server) handleWS(c echo.Context) error {
	s.feed.ServeSession(c.Response(), c.Request(), c.Param("sessionId"))
	return nil
}
