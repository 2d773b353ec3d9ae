package handlers

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/amirphl/Kusanagi/app/dto"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// CampaignHandlerInterface defines the contract for campaign control handlers
type CampaignHandlerInterface interface {
	Import(c fiber.Ctx) error
	Get(c fiber.Ctx) error
	Pause(c fiber.Ctx) error
	Resume(c fiber.Ctx) error
	Enroll(c fiber.Ctx) error
	GetEnrollment(c fiber.Ctx) error
}

// CampaignHandler handles campaign and enrollment requests
type CampaignHandler struct {
	campaignFlow   businessflow.CampaignFlow
	enrollmentFlow businessflow.EnrollmentFlow
	validator      *validator.Validate
	logger         *slog.Logger
}

func NewCampaignHandler(campaignFlow businessflow.CampaignFlow, enrollmentFlow businessflow.EnrollmentFlow, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignFlow:   campaignFlow,
		enrollmentFlow: enrollmentFlow,
		validator:      validator.New(),
		logger:         logger.With("component", "campaign_handler"),
	}
}

// Import creates a campaign with its steps from a JSON or YAML definition
// @Summary Import campaign
// @Tags Campaigns
// @Accept json
// @Accept application/yaml
// @Produce json
// @Param request body dto.ImportCampaignRequest true "Campaign definition"
// @Success 201 {object} dto.APIResponse{data=dto.CampaignResponse}
// @Failure 400 {object} dto.APIResponse
// @Failure 500 {object} dto.APIResponse
// @Router /api/v1/campaigns [post]
func (h *CampaignHandler) Import(c fiber.Ctx) error {
	ctx, cancel := requestContext(c, "/api/v1/campaigns", defaultRequestTimeout)
	defer cancel()

	var (
		result *dto.CampaignResponse
		err    error
	)
	if ct := c.Get(fiber.HeaderContentType); strings.Contains(ct, "yaml") {
		result, err = h.campaignFlow.ImportCampaignYAML(ctx, c.Body())
	} else {
		var req dto.ImportCampaignRequest
		if err := c.Bind().JSON(&req); err != nil {
			return ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
		if err := h.validator.Struct(&req); err != nil {
			return ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors(err))
		}
		result, err = h.campaignFlow.ImportCampaign(ctx, &req)
	}
	if err != nil {
		if businessflow.IsCampaignInvalid(err) || errors.Is(err, businessflow.ErrCampaignNameMissing) {
			return ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign definition", "CAMPAIGN_INVALID", err.Error())
		}
		h.logger.Error("campaign import failed", "error", err)
		return ErrorResponse(c, fiber.StatusInternalServerError, "Campaign import failed", "CAMPAIGN_IMPORT_FAILED", nil)
	}
	return SuccessResponse(c, fiber.StatusCreated, "Campaign imported", result)
}

// Get returns a campaign with its steps
// @Router /api/v1/campaigns/{id} [get]
func (h *CampaignHandler) Get(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/campaigns/:id", defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.GetCampaign(ctx, id)
	if err != nil {
		return h.campaignError(c, err, "Failed to load campaign")
	}
	return SuccessResponse(c, fiber.StatusOK, "Campaign retrieved", result)
}

// Pause stops new steps from firing for every enrollment of the campaign
// @Router /api/v1/campaigns/{id}/pause [post]
func (h *CampaignHandler) Pause(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/campaigns/:id/pause", defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.PauseCampaign(ctx, id)
	if err != nil {
		return h.campaignError(c, err, "Failed to pause campaign")
	}
	return SuccessResponse(c, fiber.StatusOK, "Campaign paused", result)
}

// Resume re-activates a paused campaign
// @Router /api/v1/campaigns/{id}/resume [post]
func (h *CampaignHandler) Resume(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/campaigns/:id/resume", defaultRequestTimeout)
	defer cancel()

	result, err := h.campaignFlow.ResumeCampaign(ctx, id)
	if err != nil {
		return h.campaignError(c, err, "Failed to resume campaign")
	}
	return SuccessResponse(c, fiber.StatusOK, "Campaign resumed", result)
}

// Enroll starts a recipient on the campaign. Enrolling twice returns the existing enrollment.
// @Summary Start enrollment
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param request body dto.StartEnrollmentRequest true "Recipient"
// @Success 201 {object} dto.APIResponse{data=dto.EnrollmentResponse}
// @Success 200 {object} dto.APIResponse{data=dto.EnrollmentResponse} "Already enrolled"
// @Failure 400 {object} dto.APIResponse
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/campaigns/{id}/enrollments [post]
func (h *CampaignHandler) Enroll(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_ID", nil)
	}
	var req dto.StartEnrollmentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors(err))
	}
	req.CampaignID = id

	ctx, cancel := requestContext(c, "/api/v1/campaigns/:id/enrollments", defaultRequestTimeout)
	defer cancel()

	result, err := h.enrollmentFlow.StartEnrollment(ctx, &req)
	if err != nil {
		switch {
		case businessflow.IsAlreadyEnrolled(err) && result != nil:
			return SuccessResponse(c, fiber.StatusOK, "Recipient already enrolled", result)
		case errors.Is(err, businessflow.ErrRecipientIDRequired), errors.Is(err, businessflow.ErrRecipientAddrRequired):
			return ErrorResponse(c, fiber.StatusBadRequest, "Invalid recipient", "INVALID_RECIPIENT", err.Error())
		}
		return h.campaignError(c, err, "Failed to start enrollment")
	}
	return SuccessResponse(c, fiber.StatusCreated, "Enrollment started", result)
}

// GetEnrollment returns an enrollment with the outcome times of its steps
// @Summary Get enrollment
// @Tags Campaigns
// @Produce json
// @Param id path int true "Enrollment ID"
// @Success 200 {object} dto.APIResponse{data=dto.EnrollmentDetailResponse}
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/enrollments/{id} [get]
func (h *CampaignHandler) GetEnrollment(c fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment id", "INVALID_ID", nil)
	}
	ctx, cancel := requestContext(c, "/api/v1/enrollments/:id", defaultRequestTimeout)
	defer cancel()

	result, err := h.enrollmentFlow.GetEnrollment(ctx, id)
	if err != nil {
		if businessflow.IsEnrollmentNotFound(err) {
			return ErrorResponse(c, fiber.StatusNotFound, "Enrollment not found", "ENROLLMENT_NOT_FOUND", nil)
		}
		return h.campaignError(c, err, "Failed to load enrollment")
	}
	return SuccessResponse(c, fiber.StatusOK, "Enrollment retrieved", result)
}

func (h *CampaignHandler) campaignError(c fiber.Ctx, err error, message string) error {
	if businessflow.IsCampaignNotFound(err) {
		return ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", "CAMPAIGN_NOT_FOUND", nil)
	}
	h.logger.Error(message, "path", c.Path(), "error", err)
	code := "INTERNAL_ERROR"
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		code = be.Code
	}
	return ErrorResponse(c, fiber.StatusInternalServerError, message, code, nil)
}
