package dto

import (
	"encoding/json"
	"time"
)

// ImportCampaignRequest defines a campaign and its steps. It is read from JSON bodies and YAML files.
type ImportCampaignRequest struct {
	Name   string                `json:"name" yaml:"name" validate:"required,max=255"`
	Status string                `json:"status,omitempty" yaml:"status,omitempty" validate:"omitempty,oneof=active paused"`
	Tags   []string              `json:"tags,omitempty" yaml:"tags,omitempty"`
	Steps  []CampaignStepRequest `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// CampaignStepRequest is one step of an imported campaign
type CampaignStepRequest struct {
	StepNumber   int                `json:"step_number" yaml:"step_number" validate:"required,min=1"`
	DelayDays    int                `json:"delay_days" yaml:"delay_days" validate:"min=0"`
	Channel      string             `json:"channel" yaml:"channel" validate:"required,oneof=message social-post"`
	ActionConfig map[string]any     `json:"action_config" yaml:"action_config" validate:"required"`
	Experiment   *ExperimentRequest `json:"experiment,omitempty" yaml:"experiment,omitempty"`
}

// ExperimentRequest attaches an A/B test to a step
type ExperimentRequest struct {
	Name        string   `json:"name" yaml:"name" validate:"required,max=255"`
	Control     string   `json:"control" yaml:"control" validate:"required,max=64"`
	Challengers []string `json:"challengers" yaml:"challengers" validate:"required,min=1,unique,dive,required,max=64"`
}

// CampaignResponse represents a campaign in responses
type CampaignResponse struct {
	ID        uint                   `json:"id"`
	UUID      string                 `json:"uuid"`
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	Tags      []string               `json:"tags,omitempty"`
	Steps     []CampaignStepResponse `json:"steps"`
	CreatedAt time.Time              `json:"created_at"`
}

type CampaignStepResponse struct {
	StepNumber   int             `json:"step_number"`
	DelayDays    int             `json:"delay_days"`
	Channel      string          `json:"channel"`
	ActionConfig json.RawMessage `json:"action_config"`
	ExperimentID *uint           `json:"experiment_id,omitempty"`
}

// CampaignStatusResponse is returned by pause and resume
type CampaignStatusResponse struct {
	ID     uint   `json:"id"`
	Status string `json:"status"`
}

// StartEnrollmentRequest represents the request to enroll a recipient in a campaign
type StartEnrollmentRequest struct {
	CampaignID  uint   `json:"-"`
	RecipientID string `json:"recipient_id" validate:"required,max=128"`
	Address     string `json:"address" validate:"required,max=320"`
	Name        string `json:"name,omitempty" validate:"omitempty,max=255"`
}

// EnrollmentResponse represents an enrollment in responses
type EnrollmentResponse struct {
	ID                uint       `json:"id"`
	UUID              string     `json:"uuid"`
	CampaignID        uint       `json:"campaign_id"`
	RecipientID       string     `json:"recipient_id"`
	CurrentStepNumber int        `json:"current_step_number"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	LastExecutedAt    *time.Time `json:"last_executed_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	AlreadyEnrolled   bool       `json:"already_enrolled,omitempty"`
}

// EnrollmentDetailResponse is an enrollment with the first-occurrence times of each executed step
type EnrollmentDetailResponse struct {
	EnrollmentResponse
	Steps []StepStateResponse `json:"steps"`
}

// StepStateResponse holds when each outcome of one step was first seen
type StepStateResponse struct {
	StepNumber     int        `json:"step_number"`
	VariantKey     *string    `json:"variant_key,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	BouncedAt      *time.Time `json:"bounced_at,omitempty"`
	ComplainedAt   *time.Time `json:"complained_at,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
	ConvertedAt    *time.Time `json:"converted_at,omitempty"`
}
