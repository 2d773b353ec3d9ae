package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnrollmentStatus is the state of one recipient's progress through a campaign
type EnrollmentStatus string

const (
	EnrollmentStatusPending      EnrollmentStatus = "pending"
	EnrollmentStatusActive       EnrollmentStatus = "active"
	EnrollmentStatusCompleted    EnrollmentStatus = "completed"
	EnrollmentStatusFailed       EnrollmentStatus = "failed"
	EnrollmentStatusUnsubscribed EnrollmentStatus = "unsubscribed"
)

func (s EnrollmentStatus) String() string { return string(s) }

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusActive, EnrollmentStatusCompleted,
		EnrollmentStatusFailed, EnrollmentStatusUnsubscribed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the enrollment can never execute another step
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusFailed || s == EnrollmentStatusUnsubscribed
}

// Scan implements the sql.Scanner interface for EnrollmentStatus
func (s *EnrollmentStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = EnrollmentStatus(v)
	case []byte:
		*s = EnrollmentStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into EnrollmentStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for EnrollmentStatus
func (s EnrollmentStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid EnrollmentStatus: %s", s)
	}
	return string(s), nil
}

// NonTerminalEnrollmentStatuses lists the statuses an event may still move to a terminal state
var NonTerminalEnrollmentStatuses = []EnrollmentStatus{EnrollmentStatusPending, EnrollmentStatusActive}

// Enrollment is the durable progress record of one recipient in one campaign
type Enrollment struct {
	ID                uint             `gorm:"primaryKey" json:"id"`
	UUID              uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:uk_enrollments_uuid" json:"uuid"`
	CampaignID        uint             `gorm:"not null;uniqueIndex:uk_enrollments_campaign_recipient,priority:1" json:"campaign_id"`
	RecipientID       string           `gorm:"size:128;not null;uniqueIndex:uk_enrollments_campaign_recipient,priority:2" json:"recipient_id"`
	RecipientAddress  string           `gorm:"size:320;not null" json:"recipient_address"`
	RecipientName     string           `gorm:"size:255" json:"recipient_name,omitempty"`
	CurrentStepNumber int              `gorm:"not null;default:0" json:"current_step_number"`
	Status            EnrollmentStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_enrollments_status" json:"status"`
	LastExecutedAt    *time.Time       `json:"last_executed_at,omitempty"`
	StartedAt         time.Time        `gorm:"not null" json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	LeaseUntil        *time.Time       `json:"lease_until,omitempty"`
	LastError         *string          `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt         time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (Enrollment) TableName() string { return "enrollments" }

// BeforeCreate is called before creating a new record
func (e *Enrollment) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	if e.Status == "" {
		e.Status = EnrollmentStatusActive
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utils.UTCNow()
	}
	e.UpdatedAt = e.CreatedAt
	return nil
}

// ReferenceTime is the instant the next step's delay is measured from
func (e *Enrollment) ReferenceTime() time.Time {
	if e.LastExecutedAt != nil {
		return *e.LastExecutedAt
	}
	return e.StartedAt
}

// NextStepNumber is the only step this enrollment may execute next
func (e *Enrollment) NextStepNumber() int {
	return e.CurrentStepNumber + 1
}

// IsLeased reports whether another poller holds the step-send lease at now
func (e *Enrollment) IsLeased(now time.Time) bool {
	return e.LeaseUntil != nil && e.LeaseUntil.After(now)
}

// EnrollmentFilter represents filter criteria for enrollments
type EnrollmentFilter struct {
	ID          *uint             `json:"id,omitempty"`
	UUID        *uuid.UUID        `json:"uuid,omitempty"`
	CampaignID  *uint             `json:"campaign_id,omitempty"`
	RecipientID *string           `json:"recipient_id,omitempty"`
	Status      *EnrollmentStatus `json:"status,omitempty"`
}
