package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotificationService sends operator notifications through a delivery provider
type NotificationService interface {
	Notify(ctx context.Context, recipient, message string) error
}

// NotificationServiceImpl implements NotificationService
type NotificationServiceImpl struct {
	provider       DeliveryProvider
	defaultAddress string
}

// NewNotificationService creates a new notification service. defaultAddress is used when a
// notification names no recipient.
func NewNotificationService(provider DeliveryProvider, defaultAddress string) NotificationService {
	return &NotificationServiceImpl{
		provider:       provider,
		defaultAddress: defaultAddress,
	}
}

func (s *NotificationServiceImpl) Notify(ctx context.Context, recipient, message string) error {
	if s.provider == nil {
		return NewPermanentError(errors.New("notification provider not configured"))
	}
	if recipient == "" {
		recipient = s.defaultAddress
	}
	if recipient == "" {
		return NewPermanentError(errors.New("notification recipient is empty"))
	}
	if strings.TrimSpace(message) == "" {
		return NewPermanentError(errors.New("notification message is empty"))
	}

	_, err := s.provider.Send(ctx, Delivery{
		Recipient: recipient,
		Subject:   notificationSubject(message),
		Body:      message,
	})
	if err != nil {
		return fmt.Errorf("failed to send notification to %s: %w", recipient, err)
	}
	return nil
}

func notificationSubject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	if len(line) > 80 {
		line = line[:80]
	}
	return "[Kusanagi] " + line
}
