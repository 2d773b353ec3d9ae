package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskType selects the handler a scheduled task is dispatched to
type TaskType string

const (
	TaskTypeSendMessage TaskType = "send-message"
	TaskTypeUpdateScore TaskType = "update-score"
	TaskTypeNotify      TaskType = "notify"
	TaskTypeCustom      TaskType = "custom"
)

func (t TaskType) String() string { return string(t) }

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeSendMessage, TaskTypeUpdateScore, TaskTypeNotify, TaskTypeCustom:
		return true
	default:
		return false
	}
}

// Scan implements the sql.Scanner interface for TaskType
func (t *TaskType) Scan(value any) error {
	if value == nil {
		*t = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*t = TaskType(v)
	case []byte:
		*t = TaskType(string(v))
	default:
		return fmt.Errorf("cannot scan %T into TaskType", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for TaskType
func (t TaskType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid TaskType: %s", t)
	}
	return string(t), nil
}

// TaskStatus is the lifecycle state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Scan implements the sql.Scanner interface for TaskStatus
func (s *TaskStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = TaskStatus(v)
	case []byte:
		*s = TaskStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into TaskStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for TaskStatus
func (s TaskStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid TaskStatus: %s", s)
	}
	return string(s), nil
}

// ScheduledTask is a generic delayed unit of work claimed by exactly one runner
type ScheduledTask struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_scheduled_tasks_uuid" json:"uuid"`
	OwnerID      string         `gorm:"size:64;index:idx_scheduled_tasks_owner_id" json:"owner_id,omitempty"`
	Type         TaskType       `gorm:"type:varchar(32);not null" json:"type"`
	Payload      datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Status       TaskStatus     `gorm:"type:varchar(16);not null;default:'pending';index:idx_scheduled_tasks_due,priority:1" json:"status"`
	ScheduledFor time.Time      `gorm:"not null;index:idx_scheduled_tasks_due,priority:2" json:"scheduled_for"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
	RetryCount   int            `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries   int            `gorm:"not null;default:3" json:"max_retries"`
	LastError    *string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (ScheduledTask) TableName() string { return "scheduled_tasks" }

// BeforeCreate fills identifiers and the initial status
func (t *ScheduledTask) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = utils.UTCNow()
	}
	t.UpdatedAt = t.CreatedAt
	return nil
}

// CanRetry reports whether another attempt is allowed after a failed one
func (t *ScheduledTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// ScheduledTaskFilter represents filter criteria for scheduled tasks
type ScheduledTaskFilter struct {
	ID              *uint       `json:"id,omitempty"`
	UUID            *uuid.UUID  `json:"uuid,omitempty"`
	OwnerID         *string     `json:"owner_id,omitempty"`
	Type            *TaskType   `json:"type,omitempty"`
	Status          *TaskStatus `json:"status,omitempty"`
	ScheduledBefore *time.Time  `json:"scheduled_before,omitempty"`
	ScheduledAfter  *time.Time  `json:"scheduled_after,omitempty"`
}
