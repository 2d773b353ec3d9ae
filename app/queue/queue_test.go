package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents() []dto.DeliveryEventRequest {
	at := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	return []dto.DeliveryEventRequest{
		{EventType: "opened", Timestamp: at, CorrelationToken: "tok-1"},
		{EventType: "clicked", Timestamp: at.Add(time.Minute), CorrelationToken: "tok-1"},
	}
}

func TestDecodeBatch(t *testing.T) {
	_, body, err := encodeBatch(sampleEvents())
	require.NoError(t, err)

	batch, err := decodeBatch(body)
	require.NoError(t, err)
	assert.Equal(t, sampleEvents(), batch.Events)

	_, err = decodeBatch([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedBatch)

	_, err = decodeBatch([]byte(`{"id":"00000000-0000-0000-0000-000000000000","events":[]}`))
	assert.ErrorIs(t, err, ErrMalformedBatch)
}

// ---- kafka ----

type fakeKafka struct {
	mu        sync.Mutex
	pending   []kgo.Message
	committed []int64
	written   []kgo.Message
	writeErr  error
}

func (f *fakeKafka) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeKafka) FetchMessage(ctx context.Context) (kgo.Message, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		m := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kgo.Message{}, ctx.Err()
}

func (f *fakeKafka) CommitMessages(ctx context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func (f *fakeKafka) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	fk := &fakeKafka{}
	p := &KafkaPublisher{writer: fk, timeout: time.Second}

	require.NoError(t, p.Publish(context.Background(), sampleEvents()))
	require.Len(t, fk.written, 1)

	var b Batch
	require.NoError(t, json.Unmarshal(fk.written[0].Value, &b))
	assert.Equal(t, b.ID.String(), string(fk.written[0].Key))
	assert.Len(t, b.Events, 2)

	fk.writeErr = errors.New("leader not available")
	err := p.Publish(context.Background(), sampleEvents())
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewKafkaPublisher_RequiresTopic(t *testing.T) {
	_, err := NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestKafkaConsumer_CommitsAfterSuccess(t *testing.T) {
	_, good, err := encodeBatch(sampleEvents())
	require.NoError(t, err)

	fk := &fakeKafka{pending: []kgo.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("garbage")},
		{Offset: 3, Value: good},
	}}
	c := &KafkaConsumer{reader: fk, backoff: time.Millisecond, logger: logging.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, events []dto.DeliveryEventRequest) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return errors.New("datastore unavailable")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()

	assert.Eventually(t, func() bool { return len(fk.commits()) == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{1, 2, 3}, fk.commits())
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestKafkaConsumer_StopsWithoutCommittingUnfinishedBatch(t *testing.T) {
	_, good, err := encodeBatch(sampleEvents())
	require.NoError(t, err)
	fk := &fakeKafka{pending: []kgo.Message{{Offset: 7, Value: good}}}
	c := &KafkaConsumer{reader: fk, backoff: time.Millisecond, logger: logging.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := make(chan struct{}, 100)
	handler := func(context.Context, []dto.DeliveryEventRequest) error {
		attempts <- struct{}{}
		return errors.New("still down")
	}

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()
	<-attempts
	<-attempts
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, fk.commits())
}

// ---- rabbitmq ----

type fakeChannel struct {
	mu         sync.Mutex
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error { return nil }

type ackRecorder struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	rejects []uint64
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects = append(a.rejects, tag)
	return nil
}

func (a *ackRecorder) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks) + len(a.rejects)
}

func TestRabbitMQ_PublishIsPersistent(t *testing.T) {
	ch := &fakeChannel{}
	r := newRabbitMQ(ch, "kusanagi.delivery-events", logging.Discard())

	require.NoError(t, r.Publish(context.Background(), sampleEvents()))
	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.NotEmpty(t, msg.MessageId)

	batch, err := decodeBatch(msg.Body)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)
}

func TestRabbitMQ_ConsumeAcknowledgement(t *testing.T) {
	_, good, err := encodeBatch(sampleEvents())
	require.NoError(t, err)

	acks := &ackRecorder{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 3)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: good}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("garbage")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: good}

	r := newRabbitMQ(ch, "q", logging.Discard())
	r.backoff = time.Millisecond

	calls := 0
	handler := func(context.Context, []dto.DeliveryEventRequest) error {
		calls++
		if calls == 2 {
			return errors.New("datastore unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Consume(ctx, handler) }()

	assert.Eventually(t, func() bool { return acks.total() == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{1}, acks.acks)
	assert.Equal(t, []uint64{2}, acks.rejects)
	assert.Equal(t, []uint64{3}, acks.nacks)
}

func TestRabbitMQ_ClosedDeliveries(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery)}
	close(ch.deliveries)
	r := newRabbitMQ(ch, "q", logging.Discard())
	err := r.Consume(context.Background(), func(context.Context, []dto.DeliveryEventRequest) error { return nil })
	assert.Error(t, err)
}
