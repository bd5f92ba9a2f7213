// Package consumer runs the downstream side of the event pipeline: one
// subscription per stream, each with its own consumer group and its own
// lifecycle, feeding a handler that maintains derived state.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dayuer/supportbot/internal/bus"
)

var (
	// ErrUnexpectedEvent is returned by a handler given an event of another stream.
	ErrUnexpectedEvent = errors.New("unexpected event type")
	// ErrHandlerPanic marks a recovered panic in a handler or subscription.
	ErrHandlerPanic = errors.New("handler panic")
)

// Handler consumes the events of one stream.
type Handler interface {
	Name() string
	Stream() bus.Stream
	Handle(ctx context.Context, evt bus.Event) error
	// Snapshot returns the handler's derived state for the stats endpoint.
	Snapshot() map[string]any
}

func unexpected(h Handler, evt bus.Event) error {
	return fmt.Errorf("%w: %s got %T", ErrUnexpectedEvent, h.Name(), evt)
}

// seenSet remembers the most recent keys so that a redelivered event does not
// count twice. The oldest key is evicted once capacity is reached.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	keys  map[string]struct{}
	order []string
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{cap: capacity, keys: make(map[string]struct{}, capacity)}
}

// add records key and reports whether it was new.
func (s *seenSet) add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}
