package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQ holds one connection and channel bound to a durable queue. It serves as both
// publisher and consumer.
type RabbitMQ struct {
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

func NewRabbitMQ(url, queue string, logger *slog.Logger) (*RabbitMQ, error) {
	if url == "" || queue == "" {
		return nil, errors.New("rabbitmq url and queue are required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	r := newRabbitMQ(ch, queue, logger)
	r.conn = conn
	return r, nil
}

func newRabbitMQ(ch amqpChannel, queue string, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{
		channel: ch,
		queue:   queue,
		timeout: 5 * time.Second,
		backoff: retryDelay,
		logger:  logger.With("component", "rabbitmq", "queue", queue),
	}
}

// Publish writes the batch as a persistent message on the default exchange
func (r *RabbitMQ) Publish(ctx context.Context, events []dto.DeliveryEventRequest) error {
	id, body, err := encodeBatch(events)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err = r.channel.PublishWithContext(cctx, "", r.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    id.String(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event batch to rabbitmq: %w", err)
	}
	return nil
}

// Consume acks a delivery after the handler succeeds, requeues it on failure and
// rejects messages that cannot be decoded
func (r *RabbitMQ) Consume(ctx context.Context, handler BatchHandler) error {
	deliveries, err := r.channel.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", r.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			r.handle(ctx, d, handler)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, d amqp.Delivery, handler BatchHandler) {
	batch, err := decodeBatch(d.Body)
	if err != nil {
		r.logger.Error("rejecting undecodable message", "message_id", d.MessageId, "error", err)
		if err := d.Reject(false); err != nil {
			r.logger.Error("failed to reject message", "error", err)
		}
		return
	}
	if err := handler(ctx, batch.Events); err != nil {
		r.logger.Warn("event batch failed, requeueing", "batch_id", batch.ID, "error", err)
		_ = sleepCtx(ctx, r.backoff)
		if err := d.Nack(false, true); err != nil {
			r.logger.Error("failed to nack message", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Error("failed to ack message", "batch_id", batch.ID, "error", err)
	}
}

func (r *RabbitMQ) Close() error {
	err := r.channel.Close()
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
