package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
)

// EnrollmentRepositoryImpl implements EnrollmentRepository
type EnrollmentRepositoryImpl struct {
	*BaseRepository[models.Enrollment, models.EnrollmentFilter]
}

func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &EnrollmentRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Enrollment, models.EnrollmentFilter](db),
	}
}

func (r *EnrollmentRepositoryImpl) ByCampaignAndRecipient(ctx context.Context, campaignID uint, recipientID string) (*models.Enrollment, error) {
	var row models.Enrollment
	err := r.getDB(ctx).
		Where("campaign_id = ? AND recipient_id = ?", campaignID, recipientID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find enrollment: %w", err)
	}
	return &row, nil
}

// ListActiveForPolling pages through active enrollments by id; paused campaigns are skipped.
func (r *EnrollmentRepositoryImpl) ListActiveForPolling(ctx context.Context, now time.Time, afterID uint, limit int) ([]*models.Enrollment, error) {
	if limit <= 0 {
		limit = utils.DefaultClaimBatchSize
	}
	var rows []*models.Enrollment
	err := r.getDB(ctx).
		Joins("JOIN campaigns ON campaigns.id = enrollments.campaign_id").
		Where("enrollments.status = ? AND campaigns.status = ?", models.EnrollmentStatusActive, models.CampaignStatusActive).
		Where("enrollments.lease_until IS NULL OR enrollments.lease_until <= ?", now).
		Where("enrollments.id > ?", afterID).
		Order("enrollments.id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active enrollments: %w", err)
	}
	return rows, nil
}

func (r *EnrollmentRepositoryImpl) update(ctx context.Context, where func(*gorm.DB) *gorm.DB, updates map[string]any) (bool, error) {
	updates["updated_at"] = utils.UTCNow()
	res := where(r.getDB(ctx).Model(&models.Enrollment{})).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update enrollment: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *EnrollmentRepositoryImpl) AcquireLease(ctx context.Context, id uint, expectedStep int, now, until time.Time) (bool, error) {
	return r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND status = ? AND current_step_number = ?", id, models.EnrollmentStatusActive, expectedStep).
			Where("lease_until IS NULL OR lease_until <= ?", now)
	}, map[string]any{"lease_until": until})
}

func (r *EnrollmentRepositoryImpl) ReleaseLease(ctx context.Context, id uint, expectedStep int) error {
	_, err := r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND current_step_number = ?", id, expectedStep)
	}, map[string]any{"lease_until": nil})
	return err
}

func (r *EnrollmentRepositoryImpl) Advance(ctx context.Context, id uint, fromStep, toStep int, executedAt time.Time, complete bool) (bool, error) {
	updates := map[string]any{
		"current_step_number": toStep,
		"last_executed_at":    executedAt,
		"lease_until":         nil,
	}
	if complete {
		updates["status"] = models.EnrollmentStatusCompleted
		updates["completed_at"] = executedAt
	}
	return r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND status = ? AND current_step_number = ?", id, models.EnrollmentStatusActive, fromStep)
	}, updates)
}

func (r *EnrollmentRepositoryImpl) Complete(ctx context.Context, id uint, expectedStep int, at time.Time) (bool, error) {
	return r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND status = ? AND current_step_number = ?", id, models.EnrollmentStatusActive, expectedStep)
	}, map[string]any{
		"status":       models.EnrollmentStatusCompleted,
		"completed_at": at,
		"lease_until":  nil,
	})
}

func (r *EnrollmentRepositoryImpl) MarkFailed(ctx context.Context, id uint, lastError string) (bool, error) {
	return r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND status = ?", id, models.EnrollmentStatusActive)
	}, map[string]any{
		"status":      models.EnrollmentStatusFailed,
		"last_error":  utils.Truncate(lastError, utils.MaxErrorLength),
		"lease_until": nil,
	})
}

func (r *EnrollmentRepositoryImpl) MarkUnsubscribed(ctx context.Context, id uint) (bool, error) {
	return r.update(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND status IN ?", id, models.NonTerminalEnrollmentStatuses)
	}, map[string]any{
		"status":      models.EnrollmentStatusUnsubscribed,
		"lease_until": nil,
	})
}

func (r *EnrollmentRepositoryImpl) ByFilter(ctx context.Context, filter models.EnrollmentFilter, orderBy string, limit, offset int) ([]*models.Enrollment, error) {
	db := r.getDB(ctx)
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.CampaignID != nil {
		db = db.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.RecipientID != nil {
		db = db.Where("recipient_id = ?", *filter.RecipientID)
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
	var rows []*models.Enrollment
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return rows, nil
}
