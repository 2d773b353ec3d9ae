package dto

import "time"

// VariantResultResponse is one variant's counters and test outcome
type VariantResultResponse struct {
	VariantKey     string   `json:"variant_key"`
	Control        bool     `json:"control"`
	Impressions    int64    `json:"impressions"`
	Opens          int64    `json:"opens"`
	Clicks         int64    `json:"clicks"`
	Conversions    int64    `json:"conversions"`
	ConversionRate float64  `json:"conversion_rate"`
	Lift           *float64 `json:"lift,omitempty"`
	ZScore         *float64 `json:"z_score,omitempty"`
	Significant    bool     `json:"significant"`
}

// EvaluateExperimentResponse is the outcome of one evaluation
type EvaluateExperimentResponse struct {
	ExperimentID    uint                    `json:"experiment_id"`
	Status          string                  `json:"status"`
	WinnerVariantID *string                 `json:"winner_variant_id,omitempty"`
	Message         string                  `json:"message"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	Variants        []VariantResultResponse `json:"variants"`
}
