package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// EventPublisher hands a webhook batch to durable storage for later processing
type EventPublisher interface {
	Publish(ctx context.Context, events []dto.DeliveryEventRequest) error
}

// EventCorrelatorFlow folds provider delivery events back into enrollment state
type EventCorrelatorFlow interface {
	// Ingest accepts a webhook batch, either processing it inline or queueing it
	Ingest(ctx context.Context, events []dto.DeliveryEventRequest) (*dto.WebhookBatchResponse, error)
	// IngestSES normalizes an SNS-wrapped SES event and ingests it
	IngestSES(ctx context.Context, notification *dto.SNSNotification) (*dto.WebhookBatchResponse, error)
	ProcessBatch(ctx context.Context, events []dto.DeliveryEventRequest) (*dto.WebhookBatchResponse, error)
	// ProcessEvent applies one event. Unmatched events return an error wrapping ErrInvalidCorrelationToken,
	// ErrEnrollmentNotFound or ErrUnknownEventType and leave no trace.
	ProcessEvent(ctx context.Context, event dto.DeliveryEventRequest) error
}

// EventCorrelatorFlowImpl implements EventCorrelatorFlow
type EventCorrelatorFlowImpl struct {
	enrollmentRepo repository.EnrollmentRepository
	stepStateRepo  repository.EnrollmentStepStateRepository
	eventRepo      repository.EmailEventRepository
	experimentRepo repository.ExperimentRepository
	transactor     repository.Transactor
	tokens         services.TokenService
	steps          *StepCache
	publisher      EventPublisher
	maxBatchSize   int
	clock          utils.Clock
	logger         *slog.Logger
}

// NewEventCorrelatorFlow creates the correlator. A nil publisher processes batches inline.
func NewEventCorrelatorFlow(
	enrollmentRepo repository.EnrollmentRepository,
	stepStateRepo repository.EnrollmentStepStateRepository,
	eventRepo repository.EmailEventRepository,
	experimentRepo repository.ExperimentRepository,
	transactor repository.Transactor,
	tokens services.TokenService,
	steps *StepCache,
	publisher EventPublisher,
	maxBatchSize int,
	clock utils.Clock,
	logger *slog.Logger,
) EventCorrelatorFlow {
	return &EventCorrelatorFlowImpl{
		enrollmentRepo: enrollmentRepo,
		stepStateRepo:  stepStateRepo,
		eventRepo:      eventRepo,
		experimentRepo: experimentRepo,
		transactor:     transactor,
		tokens:         tokens,
		steps:          steps,
		publisher:      publisher,
		maxBatchSize:   maxBatchSize,
		clock:          clock,
		logger:         logger.With("component", "event_correlator"),
	}
}

var eventTypeAliases = map[string]models.EmailEventType{
	"send":           models.EmailEventSent,
	"sent":           models.EmailEventSent,
	"delivery":       models.EmailEventDelivered,
	"delivered":      models.EmailEventDelivered,
	"open":           models.EmailEventOpened,
	"opened":         models.EmailEventOpened,
	"click":          models.EmailEventClicked,
	"clicked":        models.EmailEventClicked,
	"bounce":         models.EmailEventBounced,
	"bounced":        models.EmailEventBounced,
	"complaint":      models.EmailEventComplained,
	"complained":     models.EmailEventComplained,
	"spam-complaint": models.EmailEventComplained,
	"spam_complaint": models.EmailEventComplained,
	"unsubscribe":    models.EmailEventUnsubscribed,
	"unsubscribed":   models.EmailEventUnsubscribed,
	"subscription":   models.EmailEventUnsubscribed,
	"conversion":     models.EmailEventConverted,
	"converted":      models.EmailEventConverted,
}

// NormalizeEventType maps provider event names onto the stored event types
func NormalizeEventType(s string) (models.EmailEventType, bool) {
	t, ok := eventTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// eventTypeLabel keeps metric label values within the known event types
func eventTypeLabel(raw string) string {
	if t, ok := NormalizeEventType(raw); ok {
		return string(t)
	}
	return "unknown"
}

func (f *EventCorrelatorFlowImpl) Ingest(ctx context.Context, events []dto.DeliveryEventRequest) (*dto.WebhookBatchResponse, error) {
	if f.maxBatchSize > 0 && len(events) > f.maxBatchSize {
		return nil, NewBusinessErrorf("BATCH_TOO_LARGE", "batch of %d events exceeds limit %d", ErrBatchTooLarge, len(events), f.maxBatchSize)
	}
	for _, ev := range events {
		metrics.WebhookEventsReceived.WithLabelValues(eventTypeLabel(ev.EventType)).Inc()
	}
	if len(events) == 0 {
		return &dto.WebhookBatchResponse{Received: 0}, nil
	}
	if f.publisher == nil {
		return f.ProcessBatch(ctx, events)
	}
	if err := f.publisher.Publish(ctx, events); err != nil {
		return nil, NewBusinessError("EVENT_QUEUE_FAILED", "failed to queue delivery events", err)
	}
	return &dto.WebhookBatchResponse{Received: len(events)}, nil
}

func (f *EventCorrelatorFlowImpl) IngestSES(ctx context.Context, notification *dto.SNSNotification) (*dto.WebhookBatchResponse, error) {
	if notification == nil {
		return &dto.WebhookBatchResponse{}, nil
	}
	switch notification.Type {
	case "SubscriptionConfirmation":
		// Confirmation is an operator action; the URL is logged so it can be visited once.
		f.logger.WarnContext(ctx, "SNS subscription confirmation received",
			"topic_arn", notification.TopicArn, "subscribe_url", notification.SubscribeURL)
		return &dto.WebhookBatchResponse{}, nil
	case "Notification", "":
	default:
		f.logger.InfoContext(ctx, "ignoring SNS message", "type", notification.Type)
		return &dto.WebhookBatchResponse{}, nil
	}

	var ev dto.SESEvent
	if err := json.Unmarshal([]byte(notification.Message), &ev); err != nil {
		return nil, NewBusinessError("INVALID_SES_EVENT", "SES event is not valid JSON", err)
	}
	normalized, ok := NormalizeSESEvent(&ev)
	if !ok {
		f.logger.InfoContext(ctx, "ignoring SES event", "event_type", ev.EventType, "message_id", ev.Mail.MessageID)
		return &dto.WebhookBatchResponse{}, nil
	}
	return f.Ingest(ctx, []dto.DeliveryEventRequest{normalized})
}

// NormalizeSESEvent converts an SES event publishing record into a delivery event.
// The correlation token travels in the mail tags.
func NormalizeSESEvent(ev *dto.SESEvent) (dto.DeliveryEventRequest, bool) {
	out := dto.DeliveryEventRequest{
		Timestamp:        ev.Mail.Timestamp,
		CorrelationToken: services.TokenFromTags(ev.Mail.Tags),
	}
	if ev.Mail.MessageID != "" {
		out.ProviderMessageID = utils.ToPtr(ev.Mail.MessageID)
	}

	var detail *dto.SESTimestamped
	switch ev.EventType {
	case "Send":
		out.EventType = string(models.EmailEventSent)
	case "Delivery":
		out.EventType, detail = string(models.EmailEventDelivered), ev.Delivery
	case "Open":
		out.EventType, detail = string(models.EmailEventOpened), ev.Open
	case "Click":
		out.EventType = string(models.EmailEventClicked)
		if ev.Click != nil {
			out.Timestamp = ev.Click.Timestamp
			if ev.Click.Link != "" {
				out.URL = utils.ToPtr(ev.Click.Link)
			}
		}
	case "Bounce":
		out.EventType, detail = string(models.EmailEventBounced), ev.Bounce
	case "Complaint":
		out.EventType, detail = string(models.EmailEventComplained), ev.Complaint
	case "Subscription":
		out.EventType, detail = string(models.EmailEventUnsubscribed), ev.Subscription
	default:
		return dto.DeliveryEventRequest{}, false
	}
	if detail != nil && !detail.Timestamp.IsZero() {
		out.Timestamp = detail.Timestamp
	}
	return out, true
}

// ProcessBatch applies every event in order. Unmatched events are logged and dropped;
// a datastore failure aborts the batch so the queue redelivers it.
func (f *EventCorrelatorFlowImpl) ProcessBatch(ctx context.Context, events []dto.DeliveryEventRequest) (*dto.WebhookBatchResponse, error) {
	resp := &dto.WebhookBatchResponse{Received: len(events)}
	for i, ev := range events {
		err := f.ProcessEvent(ctx, ev)
		switch {
		case err == nil:
			resp.Processed++
		case isUnmatched(err):
			resp.Dropped++
			reason := unmatchedReason(err)
			metrics.WebhookEventsUnmatched.WithLabelValues(reason).Inc()
			f.logger.WarnContext(ctx, "dropping unmatched delivery event",
				"index", i, "event_type", ev.EventType, "reason", reason, "error", err)
		default:
			return resp, fmt.Errorf("failed to process event %d of batch: %w", i, err)
		}
	}
	return resp, nil
}

func isUnmatched(err error) bool {
	return errors.Is(err, ErrInvalidCorrelationToken) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrUnknownEventType)
}

func unmatchedReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_type"
	case errors.Is(err, ErrEnrollmentNotFound):
		return "unknown_enrollment"
	default:
		return "invalid_token"
	}
}

func (f *EventCorrelatorFlowImpl) ProcessEvent(ctx context.Context, event dto.DeliveryEventRequest) error {
	eventType, ok := NormalizeEventType(event.EventType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.EventType)
	}
	if strings.TrimSpace(event.CorrelationToken) == "" {
		return fmt.Errorf("%w: token missing", ErrInvalidCorrelationToken)
	}
	claims, err := f.tokens.Parse(event.CorrelationToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCorrelationToken, err)
	}

	enrollment, err := f.enrollmentRepo.ByID(ctx, claims.EnrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment %d: %w", claims.EnrollmentID, err)
	}
	if enrollment == nil {
		return fmt.Errorf("%w: id %d", ErrEnrollmentNotFound, claims.EnrollmentID)
	}
	if !claims.MatchesRecipient(enrollment.RecipientID) {
		return fmt.Errorf("%w: recipient mismatch for enrollment %d", ErrInvalidCorrelationToken, enrollment.ID)
	}

	occurredAt := event.Timestamp.UTC()
	if event.Timestamp.IsZero() {
		occurredAt = f.clock.Now()
	}

	var experimentID *uint
	if _, counts := models.DeltaForEvent(eventType); counts && claims.VariantKey != "" {
		experimentID = f.stepExperiment(ctx, enrollment.CampaignID, claims.StepNumber)
	}

	var applied, ended bool
	err = f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.eventRepo.Append(txCtx, &models.EmailEvent{
			EnrollmentID:      utils.ToPtr(enrollment.ID),
			StepNumber:        claims.StepNumber,
			Type:              eventType,
			ProviderMessageID: event.ProviderMessageID,
			OccurredAt:        occurredAt,
			URL:               event.URL,
		}); err != nil {
			return err
		}

		occ := models.StepOccurrence{
			EnrollmentID:      enrollment.ID,
			StepNumber:        claims.StepNumber,
			Type:              eventType,
			At:                occurredAt,
			ProviderMessageID: event.ProviderMessageID,
		}
		if claims.VariantKey != "" {
			occ.VariantKey = utils.ToPtr(claims.VariantKey)
		}
		var err error
		if applied, err = f.stepStateRepo.RecordFirstOccurrence(txCtx, occ); err != nil {
			return err
		}

		if applied && experimentID != nil {
			delta, _ := models.DeltaForEvent(eventType)
			if err := f.experimentRepo.IncrementResult(txCtx, *experimentID, claims.VariantKey, delta); err != nil {
				return err
			}
		}

		if eventType.EndsEnrollment() {
			if ended, err = f.enrollmentRepo.MarkUnsubscribed(txCtx, enrollment.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s event for enrollment %d: %w", eventType, enrollment.ID, err)
	}

	if ended {
		metrics.EnrollmentsUnsubscribed.Inc()
		f.logger.InfoContext(ctx, "enrollment ended by recipient", "enrollment_id", enrollment.ID, "event_type", eventType)
	}
	f.logger.DebugContext(ctx, "delivery event applied",
		"enrollment_id", enrollment.ID, "step", claims.StepNumber, "event_type", eventType, "first", applied)
	return nil
}

func (f *EventCorrelatorFlowImpl) stepExperiment(ctx context.Context, campaignID uint, stepNumber int) *uint {
	def, err := f.steps.Load(ctx, campaignID)
	if err != nil {
		f.logger.WarnContext(ctx, "could not load campaign steps for experiment counters", "campaign_id", campaignID, "error", err)
		return nil
	}
	step := models.StepByNumber(def.Steps, stepNumber)
	if step == nil {
		return nil
	}
	return step.ExperimentID
}
