package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/metrics"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// WebhookHandlerInterface defines the contract for delivery event webhooks
type WebhookHandlerInterface interface {
	DeliveryEvents(c fiber.Ctx) error
	SESEvents(c fiber.Ctx) error
}

// WebhookHandler receives provider callbacks
type WebhookHandler struct {
	flow      businessflow.EventCorrelatorFlow
	validator *validator.Validate
	logger    *slog.Logger
}

func NewWebhookHandler(flow businessflow.EventCorrelatorFlow, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		flow:      flow,
		validator: validator.New(),
		logger:    logger.With("component", "webhook_handler"),
	}
}

// DeliveryEvents accepts a batch of delivery events
// @Summary Ingest delivery events
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body []dto.DeliveryEventRequest true "Event batch"
// @Success 200 {object} dto.APIResponse{data=dto.WebhookBatchResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 413 {object} dto.APIResponse
// @Failure 503 {object} dto.APIResponse
// @Router /api/v1/webhooks/delivery-events [post]
func (h *WebhookHandler) DeliveryEvents(c fiber.Ctx) error {
	var events []dto.DeliveryEventRequest
	if err := c.Bind().JSON(&events); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	ctx, cancel := requestContext(c, "/api/v1/webhooks/delivery-events", defaultRequestTimeout)
	defer cancel()

	// A malformed entry is dropped on its own; the rest of the batch still applies
	valid := make([]dto.DeliveryEventRequest, 0, len(events))
	for i := range events {
		if err := h.validator.Struct(&events[i]); err != nil {
			metrics.WebhookEventsUnmatched.WithLabelValues("invalid_event").Inc()
			h.logger.DebugContext(ctx, "dropping invalid delivery event", "index", i, "errors", validationErrors(err))
			continue
		}
		valid = append(valid, events[i])
	}
	invalid := len(events) - len(valid)

	result, err := h.flow.Ingest(ctx, valid)
	if err != nil {
		return h.ingestError(c, err)
	}
	result.Received += invalid
	result.Dropped += invalid
	return SuccessResponse(c, fiber.StatusOK, "Events accepted", result)
}

// SESEvents accepts SES event notifications delivered through SNS
// @Summary Ingest SES events
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.WebhookBatchResponse}
// @Failure 400 {object} dto.APIResponse
// @Router /api/v1/webhooks/ses [post]
func (h *WebhookHandler) SESEvents(c fiber.Ctx) error {
	// SNS posts with Content-Type text/plain
	var notification dto.SNSNotification
	if err := json.Unmarshal(c.Body(), &notification); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid SNS notification", "INVALID_REQUEST", err.Error())
	}

	ctx, cancel := requestContext(c, "/api/v1/webhooks/ses", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.IngestSES(ctx, &notification)
	if err != nil {
		return h.ingestError(c, err)
	}
	return SuccessResponse(c, fiber.StatusOK, "Events accepted", result)
}

func (h *WebhookHandler) ingestError(c fiber.Ctx, err error) error {
	if errors.Is(err, businessflow.ErrBatchTooLarge) {
		return ErrorResponse(c, fiber.StatusRequestEntityTooLarge, "Batch too large", "BATCH_TOO_LARGE", err.Error())
	}
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		switch be.Code {
		case "INVALID_SES_EVENT":
			return ErrorResponse(c, fiber.StatusBadRequest, "Invalid SES event", be.Code, be.Error())
		case "EVENT_QUEUE_FAILED":
			h.logger.Error("failed to queue delivery events", "error", err)
			return ErrorResponse(c, fiber.StatusServiceUnavailable, "Events could not be queued", be.Code, nil)
		}
	}
	// Inline processing hit the datastore; the provider retries the batch
	h.logger.Error("failed to ingest delivery events", "error", err)
	return ErrorResponse(c, fiber.StatusServiceUnavailable, "Events could not be processed", "EVENT_PROCESSING_FAILED", nil)
}
