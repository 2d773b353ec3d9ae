// Package queue carries accepted webhook batches from the HTTP edge to the event
// correlator through a durable broker
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
)

// ErrMalformedBatch marks a message that can never be processed
var ErrMalformedBatch = errors.New("malformed event batch")

// BatchHandler processes one batch. A nil error acknowledges the message.
type BatchHandler func(ctx context.Context, events []dto.DeliveryEventRequest) error

// Consumer delivers queued batches to a handler until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, handler BatchHandler) error
	Close() error
}

// Batch is the envelope written to the broker
type Batch struct {
	ID         uuid.UUID                  `json:"id"`
	ReceivedAt time.Time                  `json:"receivedAt"`
	Events     []dto.DeliveryEventRequest `json:"events"`
}

func encodeBatch(events []dto.DeliveryEventRequest) (uuid.UUID, []byte, error) {
	b := Batch{ID: uuid.New(), ReceivedAt: utils.UTCNow(), Events: events}
	body, err := json.Marshal(b)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to encode event batch: %w", err)
	}
	return b.ID, body, nil
}

func decodeBatch(body []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if len(b.Events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrMalformedBatch)
	}
	return &b, nil
}

// retryDelay is how long a consumer waits before redelivering a batch whose handler failed
const retryDelay = 2 * time.Second

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
