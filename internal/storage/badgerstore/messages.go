package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dayuer/supportbot/internal/messagelog"
)

// Append stores a turn under a key that sorts after every earlier turn of the session.
func (s *Store) Append(ctx context.Context, e messagelog.Entry) (messagelog.Message, error) {
	if err := ctx.Err(); err != nil {
		return messagelog.Message{}, err
	}
	next, err := s.seq.Next()
	if err != nil {
		return messagelog.Message{}, fmt.Errorf("next message id: %w", err)
	}

	msg := messagelog.Message{
		ID:          int64(next) + 1,
		SessionID:   e.SessionID,
		Content:     e.Content,
		SenderType:  e.SenderType,
		MessageType: e.MessageType,
		Timestamp:   s.timestamp(),
		IsRead:      e.IsRead,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return messagelog.Message{}, err
	}
	key := messageKey(msg.SessionID, msg.Timestamp, msg.ID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return messagelog.Message{}, fmt.Errorf("append message to %s: %w", e.SessionID, err)
	}
	return msg, nil
}

// ListBySession returns every turn of the session via a forward prefix scan.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]messagelog.Message, error) {
	var out []messagelog.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messageSessionPrefix(sessionID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var msg messagelog.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", sessionID, err)
	}
	return out, nil
}

// CountBySession counts turns without loading values.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messageSessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", sessionID, err)
	}
	return n, nil
}

// MarkAllUnreadAsRead snapshots the unread bot/agent turns in one read transaction
// and then flips each one in its own write transaction.
func (s *Store) MarkAllUnreadAsRead(ctx context.Context, sessionID string) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messageSessionPrefix(sessionID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var msg messagelog.Message
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			if !msg.IsRead && msg.AddressedToUser() {
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot unread of %s: %w", sessionID, err)
	}
	if s.afterSnapshot != nil {
		s.afterSnapshot()
	}

	marked := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		flipped := false
		err := s.update(func(txn *badger.Txn) error {
			flipped = false
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			var msg messagelog.Message
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			if msg.IsRead {
				return nil
			}
			msg.IsRead = true
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			flipped = true
			return txn.Set(key, data)
		})
		if err != nil {
			return marked, fmt.Errorf("mark message read: %w", err)
		}
		if flipped {
			marked++
		}
	}
	return marked, nil
}
