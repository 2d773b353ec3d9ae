package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LeadScoreRepositoryImpl implements LeadScoreRepository
type LeadScoreRepositoryImpl struct {
	*BaseRepository[models.LeadScore, any]
}

func NewLeadScoreRepository(db *gorm.DB) LeadScoreRepository {
	return &LeadScoreRepositoryImpl{BaseRepository: NewBaseRepository[models.LeadScore, any](db)}
}

// AddScore upserts the recipient row and adds delta in one statement
func (r *LeadScoreRepositoryImpl) AddScore(ctx context.Context, recipientID string, delta int64) (int64, error) {
	row := models.LeadScore{RecipientID: recipientID, Score: delta, UpdatedAt: utils.UTCNow()}
	err := r.getDB(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "recipient_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"score":      gorm.Expr("lead_scores.score + EXCLUDED.score"),
				"updated_at": gorm.Expr("EXCLUDED.updated_at"),
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "score"}}},
	).Create(&row).Error
	if err != nil {
		return 0, fmt.Errorf("failed to add score for %s: %w", recipientID, err)
	}
	return row.Score, nil
}

func (r *LeadScoreRepositoryImpl) ByRecipient(ctx context.Context, recipientID string) (*models.LeadScore, error) {
	var row models.LeadScore
	if err := r.getDB(ctx).Where("recipient_id = ?", recipientID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find lead score: %w", err)
	}
	return &row, nil
}
