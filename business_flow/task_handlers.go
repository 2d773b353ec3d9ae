package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// TaskHandler executes one claimed task. A returned error marked with Permanent (or a permanent
// delivery error) fails the task immediately; any other error is retried.
type TaskHandler func(ctx context.Context, task *models.ScheduledTask) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanentFailure reports whether err must fail the task without another attempt
func IsPermanentFailure(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || services.IsPermanent(err)
}

// HandlerRegistry maps task types, and custom handler names, to handlers.
// Registration happens before the runner starts; lookups are safe afterwards.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[models.TaskType]TaskHandler
	custom   map[string]TaskHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[models.TaskType]TaskHandler),
		custom:   make(map[string]TaskHandler),
	}
}

func (r *HandlerRegistry) Register(taskType models.TaskType, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// RegisterCustom names a handler reachable through custom tasks whose payload carries {"handler": name}
func (r *HandlerRegistry) RegisterCustom(name string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[name] = h
}

// Dispatch runs the handler for task. Unknown types and names are permanent failures.
func (r *HandlerRegistry) Dispatch(ctx context.Context, task *models.ScheduledTask) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Type]
	r.mu.RUnlock()
	if ok {
		return h(ctx, task)
	}
	if task.Type != models.TaskTypeCustom {
		return Permanent(fmt.Errorf("%w: type %s", ErrNoTaskHandler, task.Type))
	}

	name, err := customHandlerName(task.Payload)
	if err != nil {
		return Permanent(err)
	}
	r.mu.RLock()
	h, ok = r.custom[name]
	r.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: custom handler %q", ErrNoTaskHandler, name))
	}
	return h(ctx, task)
}

func customHandlerName(payload []byte) (string, error) {
	var p struct {
		Handler string `json:"handler"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTaskPayload, err)
	}
	if strings.TrimSpace(p.Handler) == "" {
		return "", fmt.Errorf("%w: custom task without handler name", ErrInvalidTaskPayload)
	}
	return p.Handler, nil
}

// SendMessagePayload is the payload of a send-message task. EnrollmentID and StepNumber tie the
// send to an enrollment step so its outcome lands in the step state collection.
type SendMessagePayload struct {
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	RecipientID   string `json:"recipient_id,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Body          string `json:"body"`
	Channel       string `json:"channel,omitempty"`
	EnrollmentID  *uint  `json:"enrollment_id,omitempty"`
	StepNumber    *int   `json:"step_number,omitempty"`
}

// UpdateScorePayload is the payload of an update-score task
type UpdateScorePayload struct {
	RecipientID string `json:"recipient_id"`
	Delta       int64  `json:"delta"`
}

// NotifyPayload is the payload of a notify task
type NotifyPayload struct {
	Recipient string `json:"recipient,omitempty"`
	Message   string `json:"message"`
}

// TaskHandlers implements the built-in task types
type TaskHandlers struct {
	provider      services.DeliveryProvider
	notifier      services.NotificationService
	tokens        services.TokenService
	eventRepo     repository.EmailEventRepository
	stepStateRepo repository.EnrollmentStepStateRepository
	leadScoreRepo repository.LeadScoreRepository
	transactor    repository.Transactor
	clock         utils.Clock
	logger        *slog.Logger
}

func NewTaskHandlers(
	provider services.DeliveryProvider,
	notifier services.NotificationService,
	tokens services.TokenService,
	eventRepo repository.EmailEventRepository,
	stepStateRepo repository.EnrollmentStepStateRepository,
	leadScoreRepo repository.LeadScoreRepository,
	transactor repository.Transactor,
	clock utils.Clock,
	logger *slog.Logger,
) *TaskHandlers {
	return &TaskHandlers{
		provider:      provider,
		notifier:      notifier,
		tokens:        tokens,
		eventRepo:     eventRepo,
		stepStateRepo: stepStateRepo,
		leadScoreRepo: leadScoreRepo,
		transactor:    transactor,
		clock:         clock,
		logger:        logger.With("component", "task_handlers"),
	}
}

// Register installs the built-in handlers. Custom handlers are registered by the caller.
func (h *TaskHandlers) Register(r *HandlerRegistry) {
	r.Register(models.TaskTypeSendMessage, h.SendMessage)
	r.Register(models.TaskTypeUpdateScore, h.UpdateScore)
	r.Register(models.TaskTypeNotify, h.Notify)
}

func decodePayload(task *models.ScheduledTask, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidTaskPayload, err))
	}
	return nil
}

func (h *TaskHandlers) SendMessage(ctx context.Context, task *models.ScheduledTask) error {
	var p SendMessagePayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Recipient) == "" {
		return Permanent(fmt.Errorf("%w: recipient is required", ErrInvalidTaskPayload))
	}
	if strings.TrimSpace(p.Body) == "" {
		return Permanent(fmt.Errorf("%w: body is required", ErrInvalidTaskPayload))
	}
	channel := models.StepChannel(p.Channel)
	if channel == "" {
		channel = models.StepChannelMessage
	}
	if !channel.Valid() {
		return Permanent(fmt.Errorf("%w: unknown channel %q", ErrInvalidTaskPayload, p.Channel))
	}

	linked := p.EnrollmentID != nil && p.StepNumber != nil
	delivery := services.Delivery{
		Channel:       channel,
		Recipient:     p.Recipient,
		RecipientName: p.RecipientName,
		Subject:       p.Subject,
		Body:          p.Body,
	}
	if linked && h.tokens != nil {
		token, err := h.tokens.Issue(*p.EnrollmentID, *p.StepNumber, p.RecipientID, "")
		if err != nil {
			return fmt.Errorf("failed to issue correlation token: %w", err)
		}
		delivery.CorrelationToken = token
	}

	messageID, err := h.provider.Send(ctx, delivery)
	if err != nil {
		return fmt.Errorf("send-message task %d: %w", task.ID, err)
	}

	// The message is out; recording its outcome must not cause a resend.
	sentAt := h.clock.Now()
	if !linked {
		if err := h.eventRepo.Append(ctx, &models.EmailEvent{
			TaskID:            utils.ToPtr(task.ID),
			Type:              models.EmailEventSent,
			ProviderMessageID: utils.ToPtr(messageID),
			OccurredAt:        sentAt,
		}); err != nil {
			h.logger.ErrorContext(ctx, "failed to record sent event", "task_id", task.ID, "error", err)
		}
		return nil
	}
	err = h.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		if _, err := h.stepStateRepo.RecordFirstOccurrence(txCtx, models.StepOccurrence{
			EnrollmentID:      *p.EnrollmentID,
			StepNumber:        *p.StepNumber,
			Type:              models.EmailEventSent,
			At:                sentAt,
			ProviderMessageID: utils.ToPtr(messageID),
		}); err != nil {
			return err
		}
		return h.eventRepo.Append(txCtx, &models.EmailEvent{
			EnrollmentID:      p.EnrollmentID,
			StepNumber:        *p.StepNumber,
			Type:              models.EmailEventSent,
			ProviderMessageID: utils.ToPtr(messageID),
			OccurredAt:        sentAt,
		})
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to record sent event",
			"task_id", task.ID, "enrollment_id", *p.EnrollmentID, "step", *p.StepNumber, "error", err)
	}
	return nil
}

func (h *TaskHandlers) UpdateScore(ctx context.Context, task *models.ScheduledTask) error {
	var p UpdateScorePayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.RecipientID) == "" {
		return Permanent(fmt.Errorf("%w: recipient_id is required", ErrInvalidTaskPayload))
	}
	score, err := h.leadScoreRepo.AddScore(ctx, p.RecipientID, p.Delta)
	if err != nil {
		return fmt.Errorf("failed to update score of %s: %w", p.RecipientID, err)
	}
	h.logger.DebugContext(ctx, "lead score updated", "recipient_id", p.RecipientID, "delta", p.Delta, "score", score)
	return nil
}

func (h *TaskHandlers) Notify(ctx context.Context, task *models.ScheduledTask) error {
	var p NotifyPayload
	if err := decodePayload(task, &p); err != nil {
		return err
	}
	if h.notifier == nil {
		return Permanent(errors.New("notification service not configured"))
	}
	return h.notifier.Notify(ctx, p.Recipient, p.Message)
}
