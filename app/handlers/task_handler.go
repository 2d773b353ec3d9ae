package handlers

import (
	"errors"
	"log/slog"

	"github.com/amirphl/Kusanagi/app/dto"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// TaskHandlerInterface defines the contract for scheduled task handlers
type TaskHandlerInterface interface {
	Enqueue(c fiber.Ctx) error
	Get(c fiber.Ctx) error
	Cancel(c fiber.Ctx) error
}

type TaskHandler struct {
	flow      businessflow.TaskFlow
	validator *validator.Validate
	logger    *slog.Logger
}

func NewTaskHandler(flow businessflow.TaskFlow, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		flow:      flow,
		validator: validator.New(),
		logger:    logger.With("component", "task_handler"),
	}
}

// Enqueue schedules a task
// @Summary Enqueue task
// @Tags Tasks
// @Accept json
// @Produce json
// @Param request body dto.EnqueueTaskRequest true "Task"
// @Success 201 {object} dto.APIResponse{data=dto.TaskResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 503 {object} dto.APIResponse
// @Router /api/v1/tasks [post]
func (h *TaskHandler) Enqueue(c fiber.Ctx) error {
	var req dto.EnqueueTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors(err))
	}

	ctx, cancel := requestContext(c, "/api/v1/tasks", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.Enqueue(ctx, &req)
	if err != nil {
		if errors.Is(err, businessflow.ErrInvalidTaskType) || errors.Is(err, businessflow.ErrInvalidTaskPayload) {
			return ErrorResponse(c, fiber.StatusBadRequest, "Invalid task", "INVALID_TASK", err.Error())
		}
		h.logger.Error("failed to enqueue task", "error", err)
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "Task could not be scheduled", "TASK_ENQUEUE_FAILED", nil)
	}
	return SuccessResponse(c, fiber.StatusCreated, "Task scheduled", result)
}

// Get returns a task with its execution state
// @Router /api/v1/tasks/{id} [get]
func (h *TaskHandler) Get(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid task id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/tasks/:id", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.GetTask(ctx, id)
	if err != nil {
		if businessflow.IsTaskNotFound(err) {
			return ErrorResponse(c, fiber.StatusNotFound, "Task not found", "TASK_NOT_FOUND", nil)
		}
		h.logger.Error("failed to load task", "task_id", id, "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load task", "TASK_LOOKUP_FAILED", nil)
	}
	return SuccessResponse(c, fiber.StatusOK, "Task retrieved", result)
}

// Cancel cancels a pending task. Claimed tasks run to completion.
// @Router /api/v1/tasks/{id}/cancel [post]
func (h *TaskHandler) Cancel(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid task id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/tasks/:id/cancel", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.CancelTask(ctx, id)
	if err != nil {
		switch {
		case businessflow.IsTaskNotFound(err):
			return ErrorResponse(c, fiber.StatusNotFound, "Task not found", "TASK_NOT_FOUND", nil)
		case businessflow.IsTaskNotCancellable(err):
			return ErrorResponse(c, fiber.StatusConflict, "Task cannot be cancelled", "TASK_NOT_CANCELLABLE", err.Error())
		}
		h.logger.Error("failed to cancel task", "task_id", id, "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "Failed to cancel task", "TASK_CANCEL_FAILED", nil)
	}
	return SuccessResponse(c, fiber.StatusOK, "Task cancelled", result)
}
