package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// EmailEventType is the kind of delivery outcome reported for a step send
type EmailEventType string

const (
	EmailEventSent         EmailEventType = "sent"
	EmailEventDelivered    EmailEventType = "delivered"
	EmailEventOpened       EmailEventType = "opened"
	EmailEventClicked      EmailEventType = "clicked"
	EmailEventBounced      EmailEventType = "bounced"
	EmailEventComplained   EmailEventType = "complained"
	EmailEventUnsubscribed EmailEventType = "unsubscribed"
	EmailEventConverted    EmailEventType = "converted"
)

func (t EmailEventType) String() string { return string(t) }

func (t EmailEventType) Valid() bool {
	switch t {
	case EmailEventSent, EmailEventDelivered, EmailEventOpened, EmailEventClicked,
		EmailEventBounced, EmailEventComplained, EmailEventUnsubscribed, EmailEventConverted:
		return true
	default:
		return false
	}
}

// EndsEnrollment reports whether the event moves its enrollment to a terminal status
func (t EmailEventType) EndsEnrollment() bool {
	return t == EmailEventUnsubscribed || t == EmailEventComplained
}

// Scan implements the sql.Scanner interface for EmailEventType
func (t *EmailEventType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*t = EmailEventType(v)
	case []byte:
		*t = EmailEventType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into EmailEventType", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for EmailEventType
func (t EmailEventType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid EmailEventType: %s", t)
	}
	return string(t), nil
}

// EmailEvent is an append-only audit row. Duplicates are expected.
// Sends made by a standalone send-message task carry TaskID instead of EnrollmentID.
type EmailEvent struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	EnrollmentID      *uint          `gorm:"index:idx_email_events_enrollment_step,priority:1" json:"enrollment_id,omitempty"`
	TaskID            *uint          `gorm:"index:idx_email_events_task" json:"task_id,omitempty"`
	StepNumber        int            `gorm:"not null;index:idx_email_events_enrollment_step,priority:2" json:"step_number"`
	Type              EmailEventType `gorm:"type:varchar(16);not null;index:idx_email_events_type" json:"type"`
	ProviderMessageID *string        `gorm:"size:255" json:"provider_message_id,omitempty"`
	OccurredAt        time.Time      `gorm:"not null" json:"occurred_at"`
	URL               *string        `gorm:"type:text" json:"url,omitempty"`
	CreatedAt         time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
}

func (EmailEvent) TableName() string { return "email_events" }

// EmailEventFilter represents filter criteria for email events
type EmailEventFilter struct {
	EnrollmentID *uint           `json:"enrollment_id,omitempty"`
	TaskID       *uint           `json:"task_id,omitempty"`
	StepNumber   *int            `json:"step_number,omitempty"`
	Type         *EmailEventType `json:"type,omitempty"`
}
