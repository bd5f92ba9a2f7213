package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBroker publishes through one shared writer whose hash balancer maps the
// session id to a partition, and consumes each stream with a group reader that
// commits an offset only after the handler returned.
type KafkaBroker struct {
	brokers []string
	topics  Topics
	writer  *kafka.Writer
	log     *slog.Logger

	closed    atomic.Bool
	published atomic.Int64
	committed atomic.Int64
}

// NewKafkaBroker creates a broker for the given bootstrap servers.
func NewKafkaBroker(brokers []string, topics Topics, log *slog.Logger) *KafkaBroker {
	return &KafkaBroker{
		brokers: brokers,
		topics:  topics,
		log:     log,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// EnsureTopics creates any missing topic with its configured partition count.
func (b *KafkaBroker) EnsureTopics(ctx context.Context) error {
	if len(b.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer cc.Close()

	for _, stream := range Streams {
		topic, err := b.topics.For(stream)
		if err != nil {
			return err
		}
		err = cc.CreateTopics(kafka.TopicConfig{
			Topic:             topic.Name,
			NumPartitions:     topic.Partitions,
			ReplicationFactor: 1,
		})
		if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic.Name, err)
		}
		b.log.Debug("Kafka topic ready", "topic", topic.Name, "partitions", topic.Partitions)
	}
	return nil
}

// Publish writes evt keyed by its session id.
func (b *KafkaBroker) Publish(ctx context.Context, evt Event) error {
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
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic.Name,
		Key:   []byte(evt.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "stream", Value: []byte(evt.Stream())},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic.Name, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe reads the stream's topic as a member of group. Within a partition,
// messages reach the handler in offset order.
func (b *KafkaBroker) Subscribe(ctx context.Context, stream Stream, group string, h Handler) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	topic, err := b.topics.For(stream)
	if err != nil {
		return err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    topic.Name,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || b.closed.Load() {
				return nil
			}
			return fmt.Errorf("kafka fetch %s: %w", topic.Name, err)
		}

		evt, err := Decode(stream, m.Value)
		if err != nil {
			b.log.Error("Dropping undecodable message", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
		} else if err := h(ctx, evt); err != nil {
			b.log.Warn("Handler failed, event skipped", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "session", evt.Key(), "err", err)
		}

		if err := r.CommitMessages(context.WithoutCancel(ctx), m); err != nil {
			b.log.Warn("Kafka commit failed", "topic", m.Topic, "offset", m.Offset, "err", err)
			continue
		}
		b.committed.Add(1)
	}
}

// Close flushes and closes the writer.
func (b *KafkaBroker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.writer.Close()
}

// Stats returns publish/commit counters and the writer's own statistics.
func (b *KafkaBroker) Stats() map[string]any {
	ws := b.writer.Stats()
	return map[string]any{
		"driver":    "kafka",
		"published": b.published.Load(),
		"committed": b.committed.Load(),
		"writes":    ws.Writes,
		"errors":    ws.Errors,
	}
}
