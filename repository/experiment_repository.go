package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExperimentRepositoryImpl implements ExperimentRepository
type ExperimentRepositoryImpl struct {
	*BaseRepository[models.Experiment, models.ExperimentFilter]
}

func NewExperimentRepository(db *gorm.DB) ExperimentRepository {
	return &ExperimentRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Experiment, models.ExperimentFilter](db),
	}
}

func (r *ExperimentRepositoryImpl) CreateWithResults(ctx context.Context, experiment *models.Experiment) error {
	return WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		db := r.getDB(txCtx)
		if err := db.Create(experiment).Error; err != nil {
			return fmt.Errorf("failed to create experiment: %w", err)
		}
		results := make([]*models.ExperimentResult, 0, len(experiment.ChallengerVariants)+1)
		for _, key := range experiment.Variants() {
			results = append(results, &models.ExperimentResult{
				ExperimentID: experiment.ID,
				VariantKey:   key,
				UpdatedAt:    utils.UTCNow(),
			})
		}
		if err := db.Create(&results).Error; err != nil {
			return fmt.Errorf("failed to create experiment results: %w", err)
		}
		return nil
	})
}

func (r *ExperimentRepositoryImpl) Results(ctx context.Context, experimentID uint) ([]*models.ExperimentResult, error) {
	var rows []*models.ExperimentResult
	if err := r.getDB(ctx).
		Where("experiment_id = ?", experimentID).
		Order("variant_key ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load experiment results: %w", err)
	}
	return rows, nil
}

// IncrementResult locks the variant row, applies the delta and writes counters and rates together.
func (r *ExperimentRepositoryImpl) IncrementResult(ctx context.Context, experimentID uint, variantKey string, delta models.ResultDelta) error {
	return WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		seed := models.ExperimentResult{ExperimentID: experimentID, VariantKey: variantKey, UpdatedAt: utils.UTCNow()}
		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "experiment_id"}, {Name: "variant_key"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return fmt.Errorf("failed to seed experiment result: %w", err)
		}

		var row models.ExperimentResult
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("experiment_id = ? AND variant_key = ?", experimentID, variantKey).
			First(&row).Error; err != nil {
			return fmt.Errorf("failed to lock experiment result: %w", err)
		}

		row.Apply(delta)
		row.UpdatedAt = utils.UTCNow()
		if err := db.Model(&row).Updates(map[string]any{
			"impressions":     row.Impressions,
			"opens":           row.Opens,
			"clicks":          row.Clicks,
			"conversions":     row.Conversions,
			"open_rate":       row.OpenRate,
			"click_rate":      row.ClickRate,
			"conversion_rate": row.ConversionRate,
			"updated_at":      row.UpdatedAt,
		}).Error; err != nil {
			return fmt.Errorf("failed to update experiment result: %w", err)
		}
		return nil
	})
}

func (r *ExperimentRepositoryImpl) CompleteWithWinner(ctx context.Context, id uint, winner string, at time.Time) (bool, error) {
	res := r.getDB(ctx).Model(&models.Experiment{}).
		Where("id = ? AND status = ?", id, models.ExperimentStatusRunning).
		Updates(map[string]any{
			"status":            models.ExperimentStatusCompleted,
			"winner_variant_id": winner,
			"completed_at":      at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to complete experiment %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ExperimentRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Experiment, error) {
	var row models.Experiment
	if err := r.getDB(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find experiment %d: %w", id, err)
	}
	return &row, nil
}

func (r *ExperimentRepositoryImpl) ByFilter(ctx context.Context, filter models.ExperimentFilter, orderBy string, limit, offset int) ([]*models.Experiment, error) {
	db := r.getDB(ctx)
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
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
	var rows []*models.Experiment
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return rows, nil
}
