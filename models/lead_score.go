package models

import "time"

// LeadScore is the running score of a recipient, adjusted by update-score tasks
type LeadScore struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RecipientID string    `gorm:"size:128;not null;uniqueIndex:uk_lead_scores_recipient_id" json:"recipient_id"`
	Score       int64     `gorm:"not null;default:0" json:"score"`
	UpdatedAt   time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (LeadScore) TableName() string { return "lead_scores" }
