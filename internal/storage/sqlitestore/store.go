// Package sqlitestore persists sessions and messages in SQLite.
//
// Session creation relies on the primary-key constraint (INSERT ... ON CONFLICT DO
// NOTHING) and status changes on a conditional UPDATE, so concurrent writers need
// no application lock.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/session"
)

// Store implements session.Store and messagelog.Log using SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time

	afterSnapshot func() // test hook between mark-read snapshot and flip
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database at dsn and runs migrations.
func Open(dsn string, log *slog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dsn == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_status ON chat_sessions(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_type TEXT NOT NULL,
			message_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, timestamp, id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// --- sessions ---

// GetOrCreate inserts the session if absent; created reports whether this call's insert won.
func (s *Store) GetOrCreate(ctx context.Context, id, userID, userName string) (session.Session, bool, error) {
	fresh := session.New(id, userID, userName, s.timestamp())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, user_id, user_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(session_id) DO NOTHING`,
		fresh.ID, fresh.UserID, fresh.UserName, string(fresh.Status),
		fresh.CreatedAt.UnixNano(), fresh.UpdatedAt.UnixNano())
	if err != nil {
		return session.Session{}, false, fmt.Errorf("insert session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.Session{}, false, err
	}
	if n == 1 {
		s.log.Debug("Session created", "session", id)
		return fresh, true, nil
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return session.Session{}, false, err
	}
	return sess, false, nil
}

// UpdateStatus applies a forward transition with a compare-and-set on the old status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) (session.Session, bool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return session.Session{}, false, err
	}
	next, changed, err := current.Transition(status, s.timestamp())
	if err != nil || !changed {
		return next, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = ?, updated_at = ? WHERE session_id = ? AND status = ?`,
		string(next.Status), next.UpdatedAt.UnixNano(), id, string(current.Status))
	if err != nil {
		return session.Session{}, false, fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return session.Session{}, false, err
	}
	if n == 0 {
		// lost the race: someone else moved it first
		latest, err := s.Get(ctx, id)
		if err != nil {
			return session.Session{}, false, err
		}
		if latest.Status == status {
			return latest, false, nil
		}
		return latest, false, fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, latest.Status, status)
	}
	return next, true, nil
}

// Get returns a session or session.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, user_name, status, created_at, updated_at
		 FROM chat_sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListByStatus returns sessions in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, user_name, status, created_at, updated_at
		 FROM chat_sessions WHERE status = ? ORDER BY created_at, session_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		sess             session.Session
		status           string
		created, updated int64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.UserName, &status, &created, &updated); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = fromUnix(created)
	sess.UpdatedAt = fromUnix(updated)
	return sess, nil
}

// --- messages ---

// Append inserts a turn; the AUTOINCREMENT id breaks timestamp ties.
func (s *Store) Append(ctx context.Context, e messagelog.Entry) (messagelog.Message, error) {
	msg := messagelog.Message{
		SessionID:   e.SessionID,
		Content:     e.Content,
		SenderType:  e.SenderType,
		MessageType: e.MessageType,
		Timestamp:   s.timestamp(),
		IsRead:      e.IsRead,
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, content, sender_type, message_type, timestamp, is_read)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Content, string(msg.SenderType), string(msg.MessageType),
		msg.Timestamp.UnixNano(), msg.IsRead)
	if err != nil {
		return messagelog.Message{}, fmt.Errorf("append message to %s: %w", e.SessionID, err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return messagelog.Message{}, err
	}
	return msg, nil
}

// ListBySession returns the session's turns ordered by timestamp then id.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]messagelog.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, sender_type, message_type, timestamp, is_read
		 FROM chat_messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []messagelog.Message
	for rows.Next() {
		var (
			msg          messagelog.Message
			sender, kind string
			ts           int64
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Content, &sender, &kind, &ts, &msg.IsRead); err != nil {
			return nil, err
		}
		msg.SenderType = messagelog.SenderType(sender)
		msg.MessageType = messagelog.MessageType(kind)
		msg.Timestamp = fromUnix(ts)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CountBySession counts the session's turns.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", sessionID, err)
	}
	return n, nil
}

// MarkAllUnreadAsRead reads the ids of unread bot/agent turns first and then flips
// each by id, so turns appended in between stay unread.
func (s *Store) MarkAllUnreadAsRead(ctx context.Context, sessionID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chat_messages
		 WHERE session_id = ? AND is_read = 0 AND sender_type IN (?, ?)
		 ORDER BY timestamp, id`,
		sessionID, string(messagelog.SenderBot), string(messagelog.SenderAgent))
	if err != nil {
		return 0, fmt.Errorf("snapshot unread of %s: %w", sessionID, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if s.afterSnapshot != nil {
		s.afterSnapshot()
	}

	marked := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE chat_messages SET is_read = 1 WHERE id = ? AND is_read = 0`, id)
		if err != nil {
			return marked, fmt.Errorf("mark message %d read: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			marked++
		}
	}
	return marked, nil
}
