//go:generate go run go.uber.org/mock/mockgen -source=broker.go -destination=../mocks/mock_broker.go -package=mocks
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrBrokerClosed is returned by Publish and Subscribe after Close.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrUnknownStream is returned for a stream with no topic mapping.
	ErrUnknownStream = errors.New("unknown stream")
	// ErrQueueFull is returned by the memory broker when a group's partition
	// queue has no room; the event is dropped for that group.
	ErrQueueFull = errors.New("partition queue full")
)

// Handler processes one delivered event. A returned error is logged by the
// broker and the event is still acknowledged.
type Handler func(ctx context.Context, evt Event) error

// Publisher sends events. Publish returns once the broker accepted the event;
// it never waits for consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers events of one stream to a consumer group.
type Subscriber interface {
	// Subscribe blocks until ctx is cancelled or the broker closes, calling h for
	// each event in per-partition order. It returns nil on a clean stop.
	Subscribe(ctx context.Context, stream Stream, group string, h Handler) error
}

// Broker is a Publisher and Subscriber with a lifecycle.
type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Topic is the physical destination of a stream.
type Topic struct {
	Name       string
	Partitions int
}

// Topics maps streams to topics.
type Topics map[Stream]Topic

// DefaultTopics returns chat-messages/3, chat-sessions/2, chat-analytics/2.
func DefaultTopics() Topics {
	return Topics{
		StreamMessage:   {Name: "chat-messages", Partitions: 3},
		StreamSession:   {Name: "chat-sessions", Partitions: 2},
		StreamAnalytics: {Name: "chat-analytics", Partitions: 2},
	}
}

// For returns the topic of stream.
func (t Topics) For(stream Stream) (Topic, error) {
	topic, ok := t[stream]
	if !ok || topic.Name == "" || topic.Partitions <= 0 {
		return Topic{}, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	return topic, nil
}

// Partition maps a key onto [0, n).
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
