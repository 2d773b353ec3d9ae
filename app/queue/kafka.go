package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	kgo "github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaPublisher writes webhook batches to a Kafka topic
type KafkaPublisher struct {
	writer  kafkaWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireAll,
	}
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second}, nil
}

// Publish returns once the batch is acknowledged by every in-sync replica
func (p *KafkaPublisher) Publish(ctx context.Context, events []dto.DeliveryEventRequest) error {
	id, body, err := encodeBatch(events)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(cctx, kgo.Message{Key: []byte(id.String()), Value: body, Time: time.Now()}); err != nil {
		return fmt.Errorf("failed to publish event batch to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// KafkaConsumer reads batches in a consumer group and commits each offset only after
// the handler succeeded
type KafkaConsumer struct {
	reader  kafkaReader
	backoff time.Duration
	logger  *slog.Logger
}

func NewKafkaConsumer(brokers []string, topic, groupID string, logger *slog.Logger) *KafkaConsumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return &KafkaConsumer{reader: r, backoff: retryDelay, logger: logger.With("component", "kafka_consumer", "topic", topic)}
}

func (c *KafkaConsumer) Consume(ctx context.Context, handler BatchHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch kafka message: %w", err)
		}

		batch, err := decodeBatch(m.Value)
		if err != nil {
			// Skip it so the partition does not stall
			c.logger.Error("dropping undecodable message", "offset", m.Offset, "partition", m.Partition, "error", err)
			if err := c.commit(ctx, m); err != nil {
				return err
			}
			continue
		}

		for {
			err := handler(ctx, batch.Events)
			if err == nil {
				break
			}
			c.logger.Warn("event batch failed, retrying", "batch_id", batch.ID, "offset", m.Offset, "error", err)
			if sleepCtx(ctx, c.backoff) != nil {
				return nil
			}
		}
		if err := c.commit(ctx, m); err != nil {
			return err
		}
	}
}

func (c *KafkaConsumer) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		return fmt.Errorf("failed to commit kafka offset %d: %w", m.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error { return c.reader.Close() }
