package dto

import "time"

// DeliveryEventRequest is one provider callback in a webhook batch
type DeliveryEventRequest struct {
	EventType         string    `json:"eventType" validate:"required"`
	Timestamp         time.Time `json:"timestamp" validate:"required"`
	CorrelationToken  string    `json:"correlationToken"`
	URL               *string   `json:"url,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
}

// WebhookBatchResponse acknowledges a webhook batch
type WebhookBatchResponse struct {
	Received  int `json:"received"`
	Processed int `json:"processed,omitempty"`
	Dropped   int `json:"dropped,omitempty"`
}

// SNSNotification is the envelope SNS posts to HTTP subscribers
type SNSNotification struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
}

// SESEvent is an SES event publishing record carried in SNSNotification.Message
type SESEvent struct {
	EventType    string          `json:"eventType"`
	Mail         SESMail         `json:"mail"`
	Delivery     *SESTimestamped `json:"delivery,omitempty"`
	Open         *SESTimestamped `json:"open,omitempty"`
	Click        *SESClick       `json:"click,omitempty"`
	Bounce       *SESTimestamped `json:"bounce,omitempty"`
	Complaint    *SESTimestamped `json:"complaint,omitempty"`
	Subscription *SESTimestamped `json:"subscription,omitempty"`
}

type SESMail struct {
	Timestamp time.Time           `json:"timestamp"`
	MessageID string              `json:"messageId"`
	Tags      map[string][]string `json:"tags"`
}

type SESTimestamped struct {
	Timestamp time.Time `json:"timestamp"`
}

type SESClick struct {
	Timestamp time.Time `json:"timestamp"`
	Link      string    `json:"link"`
}
