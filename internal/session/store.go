//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_session_store.go -package=mocks
package session

import "context"

// Store persists sessions. Implementations must resolve concurrent creation of the
// same id to a single record and must reject backward status moves.
type Store interface {
	// GetOrCreate returns the session for id, creating it ACTIVE when missing.
	// created is true only for the caller whose insert won.
	GetOrCreate(ctx context.Context, id, userID, userName string) (sess Session, created bool, err error)
	// UpdateStatus moves the session to status. Same-status calls are no-ops.
	UpdateStatus(ctx context.Context, id string, status Status) (sess Session, changed bool, err error)
	Get(ctx context.Context, id string) (Session, error)
	ListByStatus(ctx context.Context, status Status) ([]Session, error)
}
