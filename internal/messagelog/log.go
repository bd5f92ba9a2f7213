//go:generate go run go.uber.org/mock/mockgen -source=log.go -destination=../mocks/mock_message_log.go -package=mocks
package messagelog

import "context"

// Log persists turns per session.
type Log interface {
	// Append stores a new turn; the store assigns ID and Timestamp.
	Append(ctx context.Context, e Entry) (Message, error)
	// ListBySession returns all turns of a session, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]Message, error)
	// MarkAllUnreadAsRead flips the unread turns addressed to the user, as
	// observed at the start of the call, and returns how many were flipped.
	MarkAllUnreadAsRead(ctx context.Context, sessionID string) (int, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}
