package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScheduledTaskRepositoryImpl implements ScheduledTaskRepository
type ScheduledTaskRepositoryImpl struct {
	*BaseRepository[models.ScheduledTask, models.ScheduledTaskFilter]
}

func NewScheduledTaskRepository(db *gorm.DB) ScheduledTaskRepository {
	return &ScheduledTaskRepositoryImpl{
		BaseRepository: NewBaseRepository[models.ScheduledTask, models.ScheduledTaskFilter](db),
	}
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent runners partition the batch,
// then flips them to processing before the transaction commits.
func (r *ScheduledTaskRepositoryImpl) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	if limit <= 0 {
		limit = utils.DefaultClaimBatchSize
	}

	var claimed []*models.ScheduledTask
	err := WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		var rows []*models.ScheduledTask
		if err := db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_for <= ?", models.TaskStatusPending, now).
			Order("scheduled_for ASC, id ASC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to select due tasks: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}

		res := db.Model(&models.ScheduledTask{}).
			Where("id IN ? AND status = ?", ids, models.TaskStatusPending).
			Updates(map[string]any{
				"status":     models.TaskStatusProcessing,
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to claim due tasks: %w", res.Error)
		}
		if res.RowsAffected != int64(len(rows)) {
			return fmt.Errorf("claimed %d of %d locked tasks", res.RowsAffected, len(rows))
		}

		for _, row := range rows {
			row.Status = models.TaskStatusProcessing
			row.ClaimedAt = utils.ToPtr(now)
			row.UpdatedAt = now
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *ScheduledTaskRepositoryImpl) transition(ctx context.Context, id uint, from models.TaskStatus, updates map[string]any) (bool, error) {
	updates["updated_at"] = utils.UTCNow()
	res := r.getDB(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update task %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ScheduledTaskRepositoryImpl) MarkCompleted(ctx context.Context, id uint, executedAt time.Time) (bool, error) {
	return r.transition(ctx, id, models.TaskStatusProcessing, map[string]any{
		"status":      models.TaskStatusCompleted,
		"executed_at": executedAt,
	})
}

func (r *ScheduledTaskRepositoryImpl) Reschedule(ctx context.Context, id uint, retryCount int, scheduledFor time.Time, lastError string) (bool, error) {
	return r.transition(ctx, id, models.TaskStatusProcessing, map[string]any{
		"status":        models.TaskStatusPending,
		"retry_count":   retryCount,
		"scheduled_for": scheduledFor,
		"claimed_at":    nil,
		"last_error":    utils.Truncate(lastError, utils.MaxErrorLength),
	})
}

func (r *ScheduledTaskRepositoryImpl) MarkFailed(ctx context.Context, id uint, retryCount int, executedAt time.Time, lastError string) (bool, error) {
	return r.transition(ctx, id, models.TaskStatusProcessing, map[string]any{
		"status":      models.TaskStatusFailed,
		"retry_count": retryCount,
		"executed_at": executedAt,
		"last_error":  utils.Truncate(lastError, utils.MaxErrorLength),
	})
}

func (r *ScheduledTaskRepositoryImpl) Cancel(ctx context.Context, id uint) (bool, error) {
	return r.transition(ctx, id, models.TaskStatusPending, map[string]any{
		"status": models.TaskStatusCancelled,
	})
}

func (r *ScheduledTaskRepositoryImpl) FailStale(ctx context.Context, claimedBefore time.Time, lastError string) (int64, error) {
	now := utils.UTCNow()
	res := r.getDB(ctx).Model(&models.ScheduledTask{}).
		Where("status = ? AND claimed_at < ?", models.TaskStatusProcessing, claimedBefore).
		Updates(map[string]any{
			"status":      models.TaskStatusFailed,
			"executed_at": now,
			"last_error":  lastError,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail stale tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *ScheduledTaskRepositoryImpl) ByFilter(ctx context.Context, filter models.ScheduledTaskFilter, orderBy string, limit, offset int) ([]*models.ScheduledTask, error) {
	db := r.applyFilter(r.getDB(ctx), filter)
	if orderBy != "" {
		db = db.Order(orderBy)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	if offset > 0 {
		db = db.Offset(offset)
	}
	var rows []*models.ScheduledTask
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return rows, nil
}

func (r *ScheduledTaskRepositoryImpl) applyFilter(db *gorm.DB, filter models.ScheduledTaskFilter) *gorm.DB {
	if filter.ID != nil {
		db = db.Where("id = ?", *filter.ID)
	}
	if filter.UUID != nil {
		db = db.Where("uuid = ?", *filter.UUID)
	}
	if filter.OwnerID != nil {
		db = db.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.Type != nil {
		db = db.Where("type = ?", *filter.Type)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.ScheduledBefore != nil {
		db = db.Where("scheduled_for <= ?", *filter.ScheduledBefore)
	}
	if filter.ScheduledAfter != nil {
		db = db.Where("scheduled_for >= ?", *filter.ScheduledAfter)
	}
	return db
}
