package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CampaignFlow handles campaign definitions and their pause state
type CampaignFlow interface {
	ImportCampaign(ctx context.Context, req *dto.ImportCampaignRequest) (*dto.CampaignResponse, error)
	ImportCampaignYAML(ctx context.Context, data []byte) (*dto.CampaignResponse, error)
	GetCampaign(ctx context.Context, id uint) (*dto.CampaignResponse, error)
	PauseCampaign(ctx context.Context, id uint) (*dto.CampaignStatusResponse, error)
	ResumeCampaign(ctx context.Context, id uint) (*dto.CampaignStatusResponse, error)
}

// CampaignFlowImpl implements CampaignFlow
type CampaignFlowImpl struct {
	campaignRepo   repository.CampaignRepository
	experimentRepo repository.ExperimentRepository
	transactor     repository.Transactor
	validate       *validator.Validate
	logger         *slog.Logger
}

func NewCampaignFlow(
	campaignRepo repository.CampaignRepository,
	experimentRepo repository.ExperimentRepository,
	transactor repository.Transactor,
	logger *slog.Logger,
) CampaignFlow {
	return &CampaignFlowImpl{
		campaignRepo:   campaignRepo,
		experimentRepo: experimentRepo,
		transactor:     transactor,
		validate:       validator.New(),
		logger:         logger.With("component", "campaign_flow"),
	}
}

// ImportCampaign stores a campaign with its steps, creating one experiment for every step that
// declares one. Everything is written in one transaction.
func (f *CampaignFlowImpl) ImportCampaign(ctx context.Context, req *dto.ImportCampaignRequest) (*dto.CampaignResponse, error) {
	if req == nil || strings.TrimSpace(req.Name) == "" {
		return nil, ErrCampaignNameMissing
	}
	if err := f.validate.Struct(req); err != nil {
		return nil, NewBusinessError("CAMPAIGN_INVALID", "campaign definition failed validation", errors.Join(ErrCampaignInvalid, err))
	}

	campaign := &models.Campaign{
		Name:   strings.TrimSpace(req.Name),
		Status: models.CampaignStatusActive,
		Tags:   req.Tags,
	}
	if req.Status != "" {
		campaign.Status = models.CampaignStatus(req.Status)
	}

	experiments := make(map[int]*models.Experiment)
	for _, s := range req.Steps {
		actionConfig, err := json.Marshal(s.ActionConfig)
		if err != nil {
			return nil, NewBusinessErrorf("CAMPAIGN_INVALID", "step %d action config is not serializable", errors.Join(ErrCampaignInvalid, err), s.StepNumber)
		}
		campaign.Steps = append(campaign.Steps, models.CampaignStep{
			StepNumber:   s.StepNumber,
			DelayDays:    s.DelayDays,
			Channel:      models.StepChannel(s.Channel),
			ActionConfig: actionConfig,
		})
		if s.Experiment != nil {
			if slices.Contains(s.Experiment.Challengers, s.Experiment.Control) {
				return nil, NewBusinessErrorf("CAMPAIGN_INVALID", "step %d experiment lists control %q as challenger",
					ErrCampaignInvalid, s.StepNumber, s.Experiment.Control)
			}
			experiments[s.StepNumber] = &models.Experiment{
				Name:               s.Experiment.Name,
				Status:             models.ExperimentStatusRunning,
				ControlVariant:     s.Experiment.Control,
				ChallengerVariants: s.Experiment.Challengers,
			}
		}
	}
	if err := models.ValidateSteps(campaign.Steps); err != nil {
		return nil, NewBusinessError("CAMPAIGN_INVALID", err.Error(), errors.Join(ErrCampaignInvalid, err))
	}
	slices.SortFunc(campaign.Steps, func(a, b models.CampaignStep) int { return a.StepNumber - b.StepNumber })

	err := f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		for i := range campaign.Steps {
			exp, ok := experiments[campaign.Steps[i].StepNumber]
			if !ok {
				continue
			}
			if err := f.experimentRepo.CreateWithResults(txCtx, exp); err != nil {
				return fmt.Errorf("failed to create experiment for step %d: %w", campaign.Steps[i].StepNumber, err)
			}
			id := exp.ID
			campaign.Steps[i].ExperimentID = &id
		}
		return f.campaignRepo.CreateWithSteps(txCtx, campaign)
	})
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_IMPORT_FAILED", "failed to import campaign", err)
	}

	f.logger.InfoContext(ctx, "campaign imported", "campaign_id", campaign.ID, "name", campaign.Name,
		"steps", len(campaign.Steps), "experiments", len(experiments))
	return ToCampaignResponse(campaign), nil
}

// ImportCampaignYAML decodes a campaign definition file and imports it
func (f *CampaignFlowImpl) ImportCampaignYAML(ctx context.Context, data []byte) (*dto.CampaignResponse, error) {
	var req dto.ImportCampaignRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, NewBusinessError("CAMPAIGN_INVALID", "campaign file is not valid YAML", errors.Join(ErrCampaignInvalid, err))
	}
	return f.ImportCampaign(ctx, &req)
}

func (f *CampaignFlowImpl) GetCampaign(ctx context.Context, id uint) (*dto.CampaignResponse, error) {
	campaign, err := f.campaignRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "failed to load campaign", err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	if campaign.Steps == nil {
		if campaign.Steps, err = f.campaignRepo.StepsByCampaign(ctx, id); err != nil {
			return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "failed to load campaign steps", err)
		}
	}
	return ToCampaignResponse(campaign), nil
}

// PauseCampaign stops the drip poller from picking up the campaign's enrollments.
// Enrollment statuses are left untouched.
func (f *CampaignFlowImpl) PauseCampaign(ctx context.Context, id uint) (*dto.CampaignStatusResponse, error) {
	return f.setStatus(ctx, id, models.CampaignStatusPaused)
}

func (f *CampaignFlowImpl) ResumeCampaign(ctx context.Context, id uint) (*dto.CampaignStatusResponse, error) {
	return f.setStatus(ctx, id, models.CampaignStatusActive)
}

func (f *CampaignFlowImpl) setStatus(ctx context.Context, id uint, status models.CampaignStatus) (*dto.CampaignStatusResponse, error) {
	ok, err := f.campaignRepo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_STATUS_FAILED", "failed to update campaign status", err)
	}
	if !ok {
		return nil, ErrCampaignNotFound
	}
	f.logger.InfoContext(ctx, "campaign status changed", "campaign_id", id, "status", status)
	return &dto.CampaignStatusResponse{ID: id, Status: status.String()}, nil
}

// ToCampaignResponse converts a campaign model to its API representation
func ToCampaignResponse(c *models.Campaign) *dto.CampaignResponse {
	resp := &dto.CampaignResponse{
		ID:        c.ID,
		UUID:      c.UUID.String(),
		Name:      c.Name,
		Status:    c.Status.String(),
		Tags:      c.Tags,
		Steps:     make([]dto.CampaignStepResponse, 0, len(c.Steps)),
		CreatedAt: c.CreatedAt,
	}
	for _, s := range c.Steps {
		resp.Steps = append(resp.Steps, dto.CampaignStepResponse{
			StepNumber:   s.StepNumber,
			DelayDays:    s.DelayDays,
			Channel:      string(s.Channel),
			ActionConfig: json.RawMessage(s.ActionConfig),
			ExperimentID: s.ExperimentID,
		})
	}
	return resp
}
