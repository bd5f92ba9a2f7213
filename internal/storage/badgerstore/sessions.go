package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/dayuer/supportbot/internal/session"
)

// GetOrCreate reads the session or inserts a new ACTIVE one in the same transaction.
// A concurrent insert of the same key makes one commit fail with ErrConflict; the
// retry then reads the winner's record and reports created=false.
func (s *Store) GetOrCreate(ctx context.Context, id, userID, userName string) (session.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, false, err
	}

	var (
		sess    session.Session
		created bool
	)
	err := s.update(func(txn *badger.Txn) error {
		created = false
		found, err := getSession(txn, id)
		switch {
		case err == nil:
			sess = found
			return nil
		case errors.Is(err, session.ErrNotFound):
			sess = session.New(id, userID, userName, s.timestamp())
			created = true
			return putSession(txn, sess)
		default:
			return err
		}
	})
	if err != nil {
		return session.Session{}, false, fmt.Errorf("get or create session %s: %w", id, err)
	}
	if created {
		s.log.Debug("Session created", "session", id)
	}
	return sess, created, nil
}

// UpdateStatus applies a forward status transition.
func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) (session.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, false, err
	}

	var (
		sess    session.Session
		changed bool
	)
	err := s.update(func(txn *badger.Txn) error {
		current, err := getSession(txn, id)
		if err != nil {
			return err
		}
		sess, changed, err = current.Transition(status, s.timestamp())
		if err != nil || !changed {
			return err
		}
		return putSession(txn, sess)
	})
	if err != nil {
		return session.Session{}, false, fmt.Errorf("update session %s: %w", id, err)
	}
	return sess, changed, nil
}

// Get returns a session or session.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = getSession(txn, id)
		return err
	})
	return sess, err
}

// ListByStatus scans all sessions, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status session.Status) ([]session.Session, error) {
	var out []session.Session
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(sessionPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sess session.Session
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &sess)
			})
			if err != nil {
				return err
			}
			if sess.Status == status {
				out = append(out, sess)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func getSession(txn *badger.Txn, id string) (session.Session, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, err
	}
	var sess session.Session
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &sess)
	})
	return sess, err
}

func putSession(txn *badger.Txn, sess session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return txn.Set(sessionKey(sess.ID), data)
}
