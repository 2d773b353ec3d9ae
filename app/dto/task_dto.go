package dto

import (
	"encoding/json"
	"time"
)

// EnqueueTaskRequest represents the request to schedule a task
type EnqueueTaskRequest struct {
	Type         string          `json:"type" validate:"required,oneof=send-message update-score notify custom"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=20"`
	OwnerID      string          `json:"owner_id,omitempty" validate:"omitempty,max=64"`
}

// TaskResponse represents a scheduled task in responses
type TaskResponse struct {
	ID           uint            `json:"id"`
	UUID         string          `json:"uuid"`
	OwnerID      string          `json:"owner_id,omitempty"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	LastError    *string         `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
