package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBroker maps every topic partition onto its own Redis stream
// ("{topic}:{partition}") and consumer groups onto XGROUP. Entries are acked
// after the handler returns, so delivery is at-least-once.
type RedisBroker struct {
	client   *redis.Client
	topics   Topics
	maxLen   int64
	block    time.Duration
	batch    int64
	consumer string
	log      *slog.Logger

	closed    atomic.Bool
	published atomic.Int64
	acked     atomic.Int64
}

// RedisOption customises a RedisBroker.
type RedisOption func(*RedisBroker)

// WithMaxLen caps each partition stream (approximate trimming).
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisBroker) { b.maxLen = n }
}

// WithBlock sets how long XREADGROUP waits for new entries.
func WithBlock(d time.Duration) RedisOption {
	return func(b *RedisBroker) { b.block = d }
}

// WithConsumerName overrides the generated consumer name.
func WithConsumerName(name string) RedisOption {
	return func(b *RedisBroker) { b.consumer = name }
}

// NewRedisBroker wraps an existing client; Close does not close it.
func NewRedisBroker(client *redis.Client, topics Topics, log *slog.Logger, opts ...RedisOption) *RedisBroker {
	host, _ := os.Hostname()
	b := &RedisBroker{
		client:   client,
		topics:   topics,
		maxLen:   100000,
		block:    2 * time.Second,
		batch:    16,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		log:      log,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func partitionStream(topic string, p int) string {
	return fmt.Sprintf("%s:%d", topic, p)
}

// Publish appends evt to its partition stream.
func (b *RedisBroker) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	topic, err := b.topics.For(evt.Stream())
	if err != nil {
		return err
	}
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	key := partitionStream(topic.Name, Partition(evt.Key(), topic.Partitions))
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"key": evt.Key(), "data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe creates the group on every partition stream (if needed) and reads
// each partition in its own goroutine. The first partition error stops the rest.
func (b *RedisBroker) Subscribe(ctx context.Context, stream Stream, group string, h Handler) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	topic, err := b.topics.For(stream)
	if err != nil {
		return err
	}

	for p := 0; p < topic.Partitions; p++ {
		key := partitionStream(topic.Name, p)
		err := b.client.XGroupCreateMkStream(ctx, key, group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", group, key, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for p := 0; p < topic.Partitions; p++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := b.consume(ctx, stream, key, group, h); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(partitionStream(topic.Name, p))
	}
	wg.Wait()
	return firstErr
}

// consume first re-reads this consumer's pending entries (delivered before a
// crash but never acked), then switches to new entries.
func (b *RedisBroker) consume(ctx context.Context, stream Stream, key, group string, h Handler) error {
	lastID := "0"
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return nil
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{key, lastID},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup %s: %w", key, err)
		}

		n := 0
		for _, xs := range res {
			for _, msg := range xs.Messages {
				n++
				b.handle(ctx, stream, key, msg, h)
				if err := b.client.XAck(context.WithoutCancel(ctx), key, group, msg.ID).Err(); err != nil {
					b.log.Warn("XACK failed", "stream", key, "group", group, "id", msg.ID, "err", err)
					continue
				}
				b.acked.Add(1)
			}
		}
		if lastID == "0" && n == 0 {
			lastID = ">"
		}
	}
}

func (b *RedisBroker) handle(ctx context.Context, stream Stream, key string, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		b.log.Error("Dropping entry without data field", "stream", key, "id", msg.ID)
		return
	}
	evt, err := Decode(stream, []byte(raw))
	if err != nil {
		b.log.Error("Dropping undecodable entry", "stream", key, "id", msg.ID, "err", err)
		return
	}
	if err := h(ctx, evt); err != nil {
		b.log.Warn("Handler failed, event skipped", "stream", key, "id", msg.ID, "session", evt.Key(), "err", err)
	}
}

// Close stops new publishes and lets subscribers exit after their current read.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}

// Stats returns publish/ack counters.
func (b *RedisBroker) Stats() map[string]any {
	return map[string]any{
		"driver":    "redis",
		"consumer":  b.consumer,
		"published": b.published.Load(),
		"acked":     b.acked.Load(),
	}
}
