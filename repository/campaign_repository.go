package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// CampaignRepositoryImpl implements CampaignRepository
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db),
	}
}

// CreateWithSteps inserts the campaign and its steps atomically
func (r *CampaignRepositoryImpl) CreateWithSteps(ctx context.Context, campaign *models.Campaign) error {
	if err := models.ValidateSteps(campaign.Steps); err != nil {
		return err
	}
	return WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		// gorm creates the Steps association together with the parent row
		if err := r.getDB(txCtx).Create(campaign).Error; err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}
		return nil
	})
}

// StepsByCampaign returns the campaign's steps ordered by step number
func (r *CampaignRepositoryImpl) StepsByCampaign(ctx context.Context, campaignID uint) ([]models.CampaignStep, error) {
	var steps []models.CampaignStep
	if err := r.getDB(ctx).
		Where("campaign_id = ?", campaignID).
		Order("step_number ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to load steps of campaign %d: %w", campaignID, err)
	}
	return steps, nil
}

// UpdateStatus sets the campaign status; it reports false when the campaign does not exist
func (r *CampaignRepositoryImpl) UpdateStatus(ctx context.Context, id uint, status models.CampaignStatus) (bool, error) {
	res := r.getDB(ctx).Model(&models.Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": utils.UTCNow()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ByID retrieves a campaign with its steps
func (r *CampaignRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := r.getDB(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		First(&campaign, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find campaign %d: %w", id, err)
	}
	return &campaign, nil
}

func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.Name != nil {
		db = db.Where("name = ?", *filter.Name)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if orderBy != "" {
		db = db.Order(orderBy)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if offset > 0 {
		db = db.Offset(offset)
	}
	var rows []*models.Campaign
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return rows, nil
}
