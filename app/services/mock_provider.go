package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/utils"
)

// MockDelivery is a delivery recorded by MockDeliveryProvider
type MockDelivery struct {
	Delivery
	MessageID string
	SentAt    time.Time
}

// MockDeliveryProvider records deliveries in memory. Failures can be scripted per call.
type MockDeliveryProvider struct {
	mu       sync.Mutex
	sent     []MockDelivery
	attempts int
	failures []error
	logger   *slog.Logger
}

// NewMockDeliveryProvider creates a provider that always succeeds until failures are queued
func NewMockDeliveryProvider(logger *slog.Logger) *MockDeliveryProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockDeliveryProvider{logger: logger}
}

// FailNext queues errors returned by the next calls, in order. A nil entry succeeds.
func (m *MockDeliveryProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MockDeliveryProvider) Send(ctx context.Context, d Delivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return "", err
		}
	}

	id := fmt.Sprintf("mock-%d", m.attempts)
	m.sent = append(m.sent, MockDelivery{Delivery: d, MessageID: id, SentAt: utils.UTCNow()})
	m.logger.Debug("Mock delivery sent", "recipient", d.Recipient, "channel", d.Channel, "message_id", id)
	return id, nil
}

// Sent returns a copy of the successful deliveries
func (m *MockDeliveryProvider) Sent() []MockDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockDelivery, len(m.sent))
	copy(out, m.sent)
	return out
}

// Attempts returns the number of Send calls, failed ones included
func (m *MockDeliveryProvider) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockDeliveryProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.failures = nil
	m.attempts = 0
}
