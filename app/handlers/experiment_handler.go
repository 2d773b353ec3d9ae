package handlers

import (
	"log/slog"
	"strconv"

	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/gofiber/fiber/v3"
)

// ExperimentHandlerInterface defines the contract for experiment handlers
type ExperimentHandlerInterface interface {
	Evaluate(c fiber.Ctx) error
	Report(c fiber.Ctx) error
}

type ExperimentHandler struct {
	flow   businessflow.ExperimentFlow
	logger *slog.Logger
}

func NewExperimentHandler(flow businessflow.ExperimentFlow, logger *slog.Logger) *ExperimentHandler {
	return &ExperimentHandler{flow: flow, logger: logger.With("component", "experiment_handler")}
}

// Evaluate runs the significance test and declares a winner when one exists
// @Summary Evaluate experiment
// @Tags Experiments
// @Produce json
// @Param id path int true "Experiment ID"
// @Success 200 {object} dto.APIResponse{data=dto.EvaluateExperimentResponse}
// @Failure 404 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse
// @Router /api/v1/experiments/{id}/evaluate [post]
func (h *ExperimentHandler) Evaluate(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid experiment id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/experiments/:id/evaluate", defaultRequestTimeout)
	defer cancel()

	result, err := h.flow.Evaluate(ctx, id)
	if err != nil {
		return h.experimentError(c, id, err)
	}
	return SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// Report downloads the variant results as an xlsx workbook
// @Router /api/v1/experiments/{id}/report [get]
func (h *ExperimentHandler) Report(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid experiment id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/experiments/:id/report", defaultRequestTimeout)
	defer cancel()

	filename, data, err := h.flow.Report(ctx, id)
	if err != nil {
		return h.experimentError(c, id, err)
	}
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, "attachment; filename="+strconv.Quote(filename))
	return c.Status(fiber.StatusOK).Send(data)
}

func (h *ExperimentHandler) experimentError(c fiber.Ctx, id uint, err error) error {
	switch {
	case businessflow.IsExperimentNotFound(err):
		return ErrorResponse(c, fiber.StatusNotFound, "Experiment not found", "EXPERIMENT_NOT_FOUND", nil)
	case businessflow.IsEvaluationBusy(err):
		return ErrorResponse(c, fiber.StatusConflict, "Evaluation already in progress", "EVALUATION_BUSY", nil)
	}
	h.logger.Error("experiment request failed", "experiment_id", id, "error", err)
	return ErrorResponse(c, fiber.StatusInternalServerError, "Experiment request failed", "EXPERIMENT_FAILED", nil)
}
