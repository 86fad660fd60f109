package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Reader is the subset of kafka.Reader used by a subscription.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Writer is the subset of kafka.Writer used to publish.
type Writer interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaBroadcaster fans change events out through a Kafka topic so every relay replica sees
// every pot's changes. Messages are keyed by pot id.
type KafkaBroadcaster struct {
	writer    Writer
	newReader func(groupID string) Reader
	buffer    int
}

var _ Broadcaster = (*KafkaBroadcaster)(nil)

type KafkaOption func(*KafkaBroadcaster)

// WithReaderFactory replaces the function that opens a reader for each subscription.
func WithReaderFactory(fn func(groupID string) Reader) KafkaOption {
	return func(k *KafkaBroadcaster) {
		k.newReader = fn
	}
}

func WithBuffer(n int) KafkaOption {
	return func(k *KafkaBroadcaster) {
		if n > 0 {
			k.buffer = n
		}
	}
}

func NewKafkaBroadcaster(brokers []string, topic string, opts ...KafkaOption) *KafkaBroadcaster {
	k := &KafkaBroadcaster{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		newReader: func(groupID string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				Topic:       topic,
				GroupID:     groupID,
				StartOffset: kafka.LastOffset,
				MinBytes:    1,
				MaxBytes:    10e6,
				MaxWait:     250 * time.Millisecond,
			})
		},
		buffer: 256,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// NewKafkaBroadcasterWithWriter is used when the caller owns the writer.
func NewKafkaBroadcasterWithWriter(w Writer, opts ...KafkaOption) *KafkaBroadcaster {
	k := &KafkaBroadcaster{writer: w, buffer: 256}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KafkaBroadcaster) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PotID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "hash", Value: []byte(ev.Hash)},
		},
	}); err != nil {
		return fmt.Errorf("failed to write change event: %w", err)
	}
	return nil
}

// Subscribe opens a reader in its own consumer group starting at the end of the topic, and
// filters for potID.
func (k *KafkaBroadcaster) Subscribe(ctx context.Context, potID string) (Subscription, error) {
	if k.newReader == nil {
		return nil, errors.New("kafka broadcaster has no reader factory")
	}
	reader := k.newReader("potsync-" + uuid.NewString())
	readCtx, cancel := context.WithCancel(context.Background())
	s := NewStream(k.buffer, func() {
		cancel()
		if err := reader.Close(); err != nil {
			slog.Warn("failed to close kafka reader", "err", err)
		}
	})
	closeWith(ctx, s)
	go k.read(readCtx, reader, potID, s)
	return s, nil
}

func (k *KafkaBroadcaster) read(ctx context.Context, reader Reader, potID string, s *Stream) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Fail(fmt.Errorf("failed to fetch change event: %w", err))
			}
			return
		}
		if string(msg.Key) == potID {
			var ev ChangeEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				slog.Warn("dropping undecodable change event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
			} else if err := ev.Validate(); err != nil {
				slog.Warn("dropping invalid change event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
			} else if !s.Deliver(ctx, ev) {
				return
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			slog.Warn("failed to commit kafka offset", "err", err)
		}
	}
}

func (k *KafkaBroadcaster) Close() error {
	return k.writer.Close()
}
