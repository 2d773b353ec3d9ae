// Package services provides external service integrations and technical concerns like delivery, content and tokens
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
)

// DeliveryErrorKind tells the caller whether a failed send may be retried
type DeliveryErrorKind string

const (
	DeliveryErrorTransient DeliveryErrorKind = "transient"
	DeliveryErrorPermanent DeliveryErrorKind = "permanent"
)

// DeliveryError is returned by providers for every failed send
type DeliveryError struct {
	Kind DeliveryErrorKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable delivery failure
func NewTransientError(err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryErrorTransient, Err: err}
}

// NewPermanentError wraps err as a non-retryable delivery failure
func NewPermanentError(err error) *DeliveryError {
	return &DeliveryError{Kind: DeliveryErrorPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent DeliveryError.
// Errors that are not delivery errors are treated as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind == DeliveryErrorPermanent
	}
	return false
}

// Delivery is a single outbound message or post
type Delivery struct {
	Channel          models.StepChannel
	Recipient        string
	RecipientName    string
	Subject          string
	Body             string
	CorrelationToken string
}

// DeliveryProvider sends one delivery and returns the provider's message id
type DeliveryProvider interface {
	Send(ctx context.Context, d Delivery) (string, error)
}

// ChannelRouter dispatches deliveries to the provider registered for their channel
type ChannelRouter struct {
	providers map[models.StepChannel]DeliveryProvider
}

// NewChannelRouter creates a router. An empty channel on a delivery means message.
func NewChannelRouter(providers map[models.StepChannel]DeliveryProvider) *ChannelRouter {
	return &ChannelRouter{providers: providers}
}

func (r *ChannelRouter) Send(ctx context.Context, d Delivery) (string, error) {
	channel := d.Channel
	if channel == "" {
		channel = models.StepChannelMessage
	}
	p, ok := r.providers[channel]
	if !ok || p == nil {
		return "", NewPermanentError(fmt.Errorf("no delivery provider for channel %q", channel))
	}
	return p.Send(ctx, d)
}
