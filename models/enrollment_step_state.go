package models

import "time"

// EnrollmentStepState holds the first occurrence of each delivery outcome for one step
// of one enrollment. Every timestamp is written at most once.
type EnrollmentStepState struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	EnrollmentID      uint       `gorm:"not null;uniqueIndex:uk_enrollment_step_states_step,priority:1" json:"enrollment_id"`
	StepNumber        int        `gorm:"not null;uniqueIndex:uk_enrollment_step_states_step,priority:2" json:"step_number"`
	VariantKey        *string    `gorm:"size:64" json:"variant_key,omitempty"`
	ProviderMessageID *string    `gorm:"size:255" json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	BouncedAt         *time.Time `json:"bounced_at,omitempty"`
	ComplainedAt      *time.Time `json:"complained_at,omitempty"`
	UnsubscribedAt    *time.Time `json:"unsubscribed_at,omitempty"`
	ConvertedAt       *time.Time `json:"converted_at,omitempty"`
	CreatedAt         time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
}

func (EnrollmentStepState) TableName() string { return "enrollment_step_states" }

var firstOccurrenceColumns = map[EmailEventType]string{
	EmailEventSent:         "sent_at",
	EmailEventDelivered:    "delivered_at",
	EmailEventOpened:       "opened_at",
	EmailEventClicked:      "clicked_at",
	EmailEventBounced:      "bounced_at",
	EmailEventComplained:   "complained_at",
	EmailEventUnsubscribed: "unsubscribed_at",
	EmailEventConverted:    "converted_at",
}

// FirstOccurrenceColumn returns the column holding the first occurrence of t
func FirstOccurrenceColumn(t EmailEventType) (string, bool) {
	col, ok := firstOccurrenceColumns[t]
	return col, ok
}

// FirstOccurrence returns a pointer to the field tracking t
func (s *EnrollmentStepState) FirstOccurrence(t EmailEventType) **time.Time {
	switch t {
	case EmailEventSent:
		return &s.SentAt
	case EmailEventDelivered:
		return &s.DeliveredAt
	case EmailEventOpened:
		return &s.OpenedAt
	case EmailEventClicked:
		return &s.ClickedAt
	case EmailEventBounced:
		return &s.BouncedAt
	case EmailEventComplained:
		return &s.ComplainedAt
	case EmailEventUnsubscribed:
		return &s.UnsubscribedAt
	case EmailEventConverted:
		return &s.ConvertedAt
	default:
		return nil
	}
}

// StepOccurrence is one observed outcome for a step, merged into EnrollmentStepState
type StepOccurrence struct {
	EnrollmentID      uint
	StepNumber        int
	Type              EmailEventType
	At                time.Time
	VariantKey        *string
	ProviderMessageID *string
}
