package consumer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/session"
)

// SessionMonitor keeps the last known status of every session it has seen.
// A stale event (older updatedAt than the stored one) is ignored, so
// redelivery and replays leave the view unchanged.
type SessionMonitor struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]bus.SessionEvent
}

func NewSessionMonitor(log *slog.Logger) *SessionMonitor {
	return &SessionMonitor{log: log, sessions: make(map[string]bus.SessionEvent)}
}

func (m *SessionMonitor) Name() string       { return "session-monitor" }
func (m *SessionMonitor) Stream() bus.Stream { return bus.StreamSession }

func (m *SessionMonitor) Handle(_ context.Context, evt bus.Event) error {
	e, ok := evt.(bus.SessionEvent)
	if !ok {
		return unexpected(m, evt)
	}

	m.mu.Lock()
	prev, known := m.sessions[e.SessionID]
	if known && e.UpdatedAt.Before(prev.UpdatedAt) {
		m.mu.Unlock()
		m.log.Debug("Stale session event ignored", "session", e.SessionID, "status", e.Status)
		return nil
	}
	m.sessions[e.SessionID] = e
	m.mu.Unlock()

	switch {
	case !known:
		m.log.Info("Session started", "session", e.SessionID, "user", e.UserID, "status", e.Status)
	case prev.Status != e.Status:
		m.log.Info("Session status changed", "session", e.SessionID, "from", prev.Status, "to", e.Status)
	}
	return nil
}

// Status returns the last known status of a session.
func (m *SessionMonitor) Status(sessionID string) (session.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	return e.Status, ok
}

// Counts returns the number of sessions per status.
func (m *SessionMonitor) Counts() map[session.Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[session.Status]int{
		session.StatusActive:      0,
		session.StatusCompleted:   0,
		session.StatusTransferred: 0,
	}
	for _, e := range m.sessions {
		counts[e.Status]++
	}
	return counts
}

func (m *SessionMonitor) Snapshot() map[string]any {
	counts := m.Counts()
	out := make(map[string]int, len(counts))
	total := 0
	for k, v := range counts {
		out[string(k)] = v
		total += v
	}
	return map[string]any{"sessions": total, "byStatus": out}
}
