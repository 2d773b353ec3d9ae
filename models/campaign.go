package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CampaignStatus controls whether enrollments of a campaign are picked up by the drip poller
type CampaignStatus string

const (
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusPaused CampaignStatus = "paused"
)

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusActive, CampaignStatusPaused:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// StepChannel is the kind of action a step performs
type StepChannel string

const (
	StepChannelMessage    StepChannel = "message"
	StepChannelSocialPost StepChannel = "social-post"
)

func (c StepChannel) Valid() bool {
	return c == StepChannelMessage || c == StepChannelSocialPost
}

// Campaign is a named, ordered sequence of steps
type Campaign struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	UUID      uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	Status    CampaignStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_campaigns_status" json:"status"`
	Tags      pq.StringArray `gorm:"type:text[]" json:"tags,omitempty"`
	CreatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`

	Steps []CampaignStep `gorm:"foreignKey:CampaignID;references:ID" json:"steps,omitempty"`
}

// TableName returns the table name for the model
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate is called before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignStatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utils.UTCNow()
	}
	return nil
}

// BeforeUpdate is called before updating a record
func (c *Campaign) BeforeUpdate(tx *gorm.DB) error {
	now := utils.UTCNow()
	c.UpdatedAt = &now
	return nil
}

func (c *Campaign) IsPaused() bool { return c.Status == CampaignStatusPaused }

// CampaignStep is one action at a fixed position in a campaign.
// DelayDays is measured from the previous step (or the enrollment start for step 1).
type CampaignStep struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	CampaignID   uint           `gorm:"not null;uniqueIndex:uk_campaign_steps_number,priority:1" json:"campaign_id"`
	StepNumber   int            `gorm:"not null;uniqueIndex:uk_campaign_steps_number,priority:2" json:"step_number"`
	DelayDays    int            `gorm:"not null;default:0" json:"delay_days"`
	Channel      StepChannel    `gorm:"type:varchar(16);not null" json:"channel"`
	ActionConfig datatypes.JSON `gorm:"type:jsonb;not null" json:"action_config"`
	ExperimentID *uint          `gorm:"index:idx_campaign_steps_experiment_id" json:"experiment_id,omitempty"`
	CreatedAt    time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
}

func (CampaignStep) TableName() string { return "campaign_steps" }

// Delay returns the step delay as a duration
func (s *CampaignStep) Delay() time.Duration {
	return utils.Days(s.DelayDays)
}

// ValidateSteps checks that step numbers are unique and dense starting at 1
func ValidateSteps(steps []CampaignStep) error {
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepNumber < 1 || s.StepNumber > len(steps) {
			return fmt.Errorf("step number %d out of range 1..%d", s.StepNumber, len(steps))
		}
		if seen[s.StepNumber] {
			return fmt.Errorf("duplicate step number %d", s.StepNumber)
		}
		if s.DelayDays < 0 {
			return fmt.Errorf("step %d has negative delay", s.StepNumber)
		}
		if !s.Channel.Valid() {
			return fmt.Errorf("step %d has invalid channel %q", s.StepNumber, s.Channel)
		}
		seen[s.StepNumber] = true
	}
	return nil
}

// StepByNumber returns the step with the given number, or nil
func StepByNumber(steps []CampaignStep, number int) *CampaignStep {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}

// CampaignFilter represents filter criteria for campaigns
type CampaignFilter struct {
	ID     *uint           `json:"id,omitempty"`
	UUID   *uuid.UUID      `json:"uuid,omitempty"`
	Name   *string         `json:"name,omitempty"`
	Status *CampaignStatus `json:"status,omitempty"`
}
