// Package badgerstore persists sessions and messages in BadgerDB.
//
// Keys:
//
//	session:{sessionId}                      -> JSON session
//	msg:{b64(sessionId)}:{ts19}:{id20}       -> JSON message
//
// The message key pads the timestamp to 19 digits and the sequence id to 20 so a
// prefix scan returns a session's turns in chronological order, ties broken by id.
// The session id is base64url-encoded so one id can never be a key prefix of another.
package badgerstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionPrefix = "session:"
	messagePrefix = "msg:"
	sequenceKey   = "seq:message"

	// concurrent writers to the same key surface as badger.ErrConflict; retry
	// the whole transaction a bounded number of times.
	maxTxnRetries = 8
)

// ErrTooManyConflicts is returned when a transaction keeps losing to concurrent writers.
var ErrTooManyConflicts = errors.New("badger: too many transaction conflicts")

// Store implements session.Store and messagelog.Log on a single badger.DB.
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	log   *slog.Logger
	now   func() time.Time
	owned bool

	afterSnapshot func() // test hook between mark-read snapshot and flip
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated/timestamp fields.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) a badger database at path and wraps it.
func Open(path string, log *slog.Logger, opts ...Option) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}
	s, err := New(db, log, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an already opened database. The caller keeps ownership of db.
func New(db *badger.DB, log *slog.Logger, opts ...Option) (*Store, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	s := &Store{
		db:  db,
		seq: seq,
		log: log,
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the id sequence, and the database when Open created it.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Failed to release message sequence", "err", err)
	}
	if s.owned {
		s.log.Info("Closing BadgerDB...")
		return s.db.Close()
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			s.log.Debug("Badger transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return ErrTooManyConflicts
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func messageSessionPrefix(sessionID string) []byte {
	return []byte(messagePrefix + base64.RawURLEncoding.EncodeToString([]byte(sessionID)) + ":")
}

func messageKey(sessionID string, at time.Time, id int64) []byte {
	return []byte(fmt.Sprintf("%s%019d:%020d", messageSessionPrefix(sessionID), at.UnixNano(), id))
}
