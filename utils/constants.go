package utils

import (
	"time"
)

type contextKey string

// Request-scoped context keys set by HTTP handlers
const (
	RequestIDKey contextKey = "request_id"
	UserAgentKey contextKey = "user_agent"
	IPAddressKey contextKey = "ip_address"
	EndpointKey  contextKey = "endpoint"
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Scheduling defaults
const (
	DefaultTaskPollInterval       = 5 * time.Minute
	DefaultDripPollInterval       = time.Hour
	DefaultExperimentEvalInterval = 15 * time.Minute
	DefaultRetryBackoff           = time.Hour
	DefaultRetryBackoffMax        = 24 * time.Hour
	DefaultMaxRetries             = 3
	DefaultClaimBatchSize         = 100
	DefaultStepLease              = 10 * time.Minute
	DefaultSendTimeout            = 15 * time.Second

	// MaxErrorLength bounds stored error text
	MaxErrorLength = 2000
)

// Experiment defaults
const (
	DefaultMinControlImpressions    = 400
	DefaultMinChallengerImpressions = 100
	// DefaultCriticalZ is the two-sided 95% critical value of the standard normal distribution
	DefaultCriticalZ = 1.959963984540054
)

// Cache key prefixes, joined with the configured redis prefix
const (
	CampaignStepsCacheKey  = "campaign:steps:"
	ExperimentLockCacheKey = "experiment:eval-lock:"
)

// CorrelationTagName is the provider-visible tag carrying the correlation token
const CorrelationTagName = "kusanagi-correlation"

// MaxTagValueLength is the longest message tag value the provider accepts
const MaxTagValueLength = 256

// Webhook queue backends
const (
	WebhookQueueInline   = "inline"
	WebhookQueueKafka    = "kafka"
	WebhookQueueRabbitMQ = "rabbitmq"
)

// Delivery providers for message steps
const (
	DeliveryProviderSES  = "ses"
	DeliveryProviderMock = "mock"
)
