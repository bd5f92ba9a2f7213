package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MemoryBroker is an in-process broker with Kafka-like semantics: each stream
// has a fixed number of partitions, every consumer group gets its own copy of the
// stream, and a group drains each partition with one goroutine so per-key order
// holds. Events are encoded on publish so payloads go through the same codec as
// the networked brokers.
type MemoryBroker struct {
	topics Topics
	buffer int
	log    *slog.Logger

	mu     sync.RWMutex
	groups map[Stream]map[string]*memoryGroup

	closeOnce sync.Once
	closed    chan struct{}

	published map[Stream]*atomic.Int64
	dropped   atomic.Int64
}

type memoryGroup struct {
	name       string
	partitions []chan []byte
	active     atomic.Bool
	delivered  atomic.Int64
}

// NewMemoryBroker creates a broker with per-partition queues of depth buffer.
func NewMemoryBroker(topics Topics, buffer int, log *slog.Logger) *MemoryBroker {
	if buffer <= 0 {
		buffer = 100
	}
	b := &MemoryBroker{
		topics:    topics,
		buffer:    buffer,
		log:       log,
		groups:    make(map[Stream]map[string]*memoryGroup),
		closed:    make(chan struct{}),
		published: make(map[Stream]*atomic.Int64),
	}
	for _, s := range Streams {
		b.groups[s] = make(map[string]*memoryGroup)
		b.published[s] = &atomic.Int64{}
	}
	return b
}

// Publish enqueues evt on its partition in every group of the stream. It never
// waits: a group whose partition queue is full misses the event, which is
// counted as dropped and reported as ErrQueueFull once the other groups have
// their copy.
func (b *MemoryBroker) Publish(ctx context.Context, evt Event) error {
	select {
	case <-b.closed:
		return ErrBrokerClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	topic, err := b.topics.For(evt.Stream())
	if err != nil {
		return err
	}
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	p := Partition(evt.Key(), topic.Partitions)

	b.mu.RLock()
	groups := make([]*memoryGroup, 0, len(b.groups[evt.Stream()]))
	for _, g := range b.groups[evt.Stream()] {
		groups = append(groups, g)
	}
	b.mu.RUnlock()

	var full []string
	for _, g := range groups {
		select {
		case g.partitions[p] <- data:
		default:
			b.dropped.Add(1)
			full = append(full, g.name)
		}
	}
	if len(full) > 0 {
		b.log.Warn("Partition queue full, event dropped", "topic", topic.Name, "partition", p, "groups", full, "session", evt.Key())
		return fmt.Errorf("publish to %s/%d for groups %v: %w", topic.Name, p, full, ErrQueueFull)
	}
	b.published[evt.Stream()].Add(1)
	return nil
}

// Subscribe joins group on stream. A group has at most one active subscriber;
// events published while it is between subscribers stay queued.
func (b *MemoryBroker) Subscribe(ctx context.Context, stream Stream, group string, h Handler) error {
	topic, err := b.topics.For(stream)
	if err != nil {
		return err
	}
	g, err := b.group(stream, group, topic.Partitions)
	if err != nil {
		return err
	}
	if !g.active.CompareAndSwap(false, true) {
		return fmt.Errorf("group %s on %s already has an active subscriber", group, stream)
	}
	defer g.active.Store(false)

	var wg sync.WaitGroup
	for p, queue := range g.partitions {
		wg.Add(1)
		go func(p int, queue chan []byte) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				case data := <-queue:
					b.deliver(ctx, stream, group, p, data, h)
					g.delivered.Add(1)
				}
			}
		}(p, queue)
	}
	wg.Wait()
	return nil
}

func (b *MemoryBroker) deliver(ctx context.Context, stream Stream, group string, p int, data []byte, h Handler) {
	evt, err := Decode(stream, data)
	if err != nil {
		b.log.Error("Dropping undecodable event", "stream", stream, "group", group, "partition", p, "err", err)
		return
	}
	if err := h(ctx, evt); err != nil {
		b.log.Warn("Handler failed, event skipped", "stream", stream, "group", group, "partition", p, "session", evt.Key(), "err", err)
	}
}

func (b *MemoryBroker) group(stream Stream, name string, partitions int) (*memoryGroup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.closed:
		return nil, ErrBrokerClosed
	default:
	}

	if g, ok := b.groups[stream][name]; ok {
		return g, nil
	}
	g := &memoryGroup{name: name, partitions: make([]chan []byte, partitions)}
	for i := range g.partitions {
		g.partitions[i] = make(chan []byte, b.buffer)
	}
	b.groups[stream][name] = g
	b.log.Debug("Consumer group created", "stream", stream, "group", name, "partitions", partitions)
	return g, nil
}

// Close stops all subscribers and rejects further publishes.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Pending returns the number of queued, undelivered events of a group.
func (b *MemoryBroker) Pending(stream Stream, group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.groups[stream][group]
	if !ok {
		return 0
	}
	n := 0
	for _, q := range g.partitions {
		n += len(q)
	}
	return n
}

// Stats returns publish counters and per-group backlog.
func (b *MemoryBroker) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()

	published := make(map[string]int64, len(b.published))
	groups := make(map[string]any)
	for stream, counter := range b.published {
		published[string(stream)] = counter.Load()
		for name, g := range b.groups[stream] {
			pending := 0
			for _, q := range g.partitions {
				pending += len(q)
			}
			groups[string(stream)+"/"+name] = map[string]any{
				"active":    g.active.Load(),
				"pending":   pending,
				"delivered": g.delivered.Load(),
			}
		}
	}
	return map[string]any{
		"driver":    "memory",
		"published": published,
		"dropped":   b.dropped.Load(),
		"groups":    groups,
	}
}
