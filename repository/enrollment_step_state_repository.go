package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnrollmentStepStateRepositoryImpl implements EnrollmentStepStateRepository
type EnrollmentStepStateRepositoryImpl struct {
	*BaseRepository[models.EnrollmentStepState, any]
}

func NewEnrollmentStepStateRepository(db *gorm.DB) EnrollmentStepStateRepository {
	return &EnrollmentStepStateRepositoryImpl{
		BaseRepository: NewBaseRepository[models.EnrollmentStepState, any](db),
	}
}

func (r *EnrollmentStepStateRepositoryImpl) ByEnrollmentAndStep(ctx context.Context, enrollmentID uint, stepNumber int) (*models.EnrollmentStepState, error) {
	var row models.EnrollmentStepState
	err := r.getDB(ctx).
		Where("enrollment_id = ? AND step_number = ?", enrollmentID, stepNumber).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find step state: %w", err)
	}
	return &row, nil
}

func (r *EnrollmentStepStateRepositoryImpl) ListByEnrollment(ctx context.Context, enrollmentID uint) ([]*models.EnrollmentStepState, error) {
	var rows []*models.EnrollmentStepState
	if err := r.getDB(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("step_number ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list step states: %w", err)
	}
	return rows, nil
}

// RecordFirstOccurrence inserts the step row when missing, otherwise fills the event's column
// only where it is still NULL. Either path affecting one row means this call was first.
func (r *EnrollmentStepStateRepositoryImpl) RecordFirstOccurrence(ctx context.Context, occ models.StepOccurrence) (bool, error) {
	column, ok := models.FirstOccurrenceColumn(occ.Type)
	if !ok {
		return false, fmt.Errorf("no first-occurrence field for event type %q", occ.Type)
	}

	applied := false
	err := WithTransaction(ctx, r.DB, func(txCtx context.Context) error {
		db := r.getDB(txCtx)

		row := models.EnrollmentStepState{
			EnrollmentID:      occ.EnrollmentID,
			StepNumber:        occ.StepNumber,
			VariantKey:        occ.VariantKey,
			ProviderMessageID: occ.ProviderMessageID,
		}
		at := occ.At
		*row.FirstOccurrence(occ.Type) = &at

		ins := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "enrollment_id"}, {Name: "step_number"}},
			DoNothing: true,
		}).Create(&row)
		if ins.Error != nil {
			return fmt.Errorf("failed to insert step state: %w", ins.Error)
		}
		if ins.RowsAffected == 1 {
			applied = true
			return nil
		}

		upd := db.Model(&models.EnrollmentStepState{}).
			Where("enrollment_id = ? AND step_number = ?", occ.EnrollmentID, occ.StepNumber).
			Where(column + " IS NULL").
			Updates(map[string]any{
				column:                occ.At,
				"variant_key":         gorm.Expr("COALESCE(variant_key, ?)", occ.VariantKey),
				"provider_message_id": gorm.Expr("COALESCE(provider_message_id, ?)", occ.ProviderMessageID),
			})
		if upd.Error != nil {
			return fmt.Errorf("failed to merge step state: %w", upd.Error)
		}
		applied = upd.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
