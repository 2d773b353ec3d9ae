package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
)

// EmailEventRepositoryImpl implements EmailEventRepository. Rows are inserted, never updated.
type EmailEventRepositoryImpl struct {
	*BaseRepository[models.EmailEvent, models.EmailEventFilter]
}

func NewEmailEventRepository(db *gorm.DB) EmailEventRepository {
	return &EmailEventRepositoryImpl{
		BaseRepository: NewBaseRepository[models.EmailEvent, models.EmailEventFilter](db),
	}
}

func (r *EmailEventRepositoryImpl) Append(ctx context.Context, event *models.EmailEvent) error {
	if !event.Type.Valid() {
		return fmt.Errorf("invalid email event type %q", event.Type)
	}
	return r.Save(ctx, event)
}

func (r *EmailEventRepositoryImpl) applyFilter(db *gorm.DB, filter models.EmailEventFilter) *gorm.DB {
	if filter.EnrollmentID != nil {
		db = db.Where("enrollment_id = ?", *filter.EnrollmentID)
	}
	if filter.TaskID != nil {
		db = db.Where("task_id = ?", *filter.TaskID)
	}
	if filter.StepNumber != nil {
		db = db.Where("step_number = ?", *filter.StepNumber)
	}
	if filter.Type != nil {
		db = db.Where("type = ?", *filter.Type)
	}
	return db
}

func (r *EmailEventRepositoryImpl) ByFilter(ctx context.Context, filter models.EmailEventFilter, orderBy string, limit, offset int) ([]*models.EmailEvent, error) {
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
	var rows []*models.EmailEvent
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list email events: %w", err)
	}
	return rows, nil
}

func (r *EmailEventRepositoryImpl) Count(ctx context.Context, filter models.EmailEventFilter) (int64, error) {
	var count int64
	db := r.applyFilter(r.getDB(ctx).Model(&models.EmailEvent{}), filter)
	if err := db.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count email events: %w", err)
	}
	return count, nil
}
