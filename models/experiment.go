package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ExperimentStatus is the state of an A/B test
type ExperimentStatus string

const (
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusCompleted ExperimentStatus = "completed"
)

func (s ExperimentStatus) String() string { return string(s) }

func (s ExperimentStatus) Valid() bool {
	return s == ExperimentStatusRunning || s == ExperimentStatusCompleted
}

// Scan implements the sql.Scanner interface for ExperimentStatus
func (s *ExperimentStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = ExperimentStatus(v)
	case []byte:
		*s = ExperimentStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into ExperimentStatus", value)
	}
	return nil
}

// Value implements the driver.Valuer interface for ExperimentStatus
func (s ExperimentStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid ExperimentStatus: %s", s)
	}
	return string(s), nil
}

// Experiment compares a control variant against one or more challengers
type Experiment struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	UUID               uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:uk_experiments_uuid" json:"uuid"`
	Name               string           `gorm:"size:255;not null" json:"name"`
	Status             ExperimentStatus `gorm:"type:varchar(16);not null;default:'running';index:idx_experiments_status" json:"status"`
	ControlVariant     string           `gorm:"size:64;not null" json:"control_variant"`
	ChallengerVariants pq.StringArray   `gorm:"type:text[];not null" json:"challenger_variants"`
	WinnerVariantID    *string          `gorm:"size:64" json:"winner_variant_id,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CreatedAt          time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"created_at"`
}

func (Experiment) TableName() string { return "experiments" }

// BeforeCreate is called before creating a new record
func (e *Experiment) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == uuid.Nil {
		e.UUID = uuid.New()
	}
	if e.Status == "" {
		e.Status = ExperimentStatusRunning
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utils.UTCNow()
	}
	return nil
}

// Variants returns the control followed by the challengers
func (e *Experiment) Variants() []string {
	out := make([]string, 0, len(e.ChallengerVariants)+1)
	out = append(out, e.ControlVariant)
	out = append(out, e.ChallengerVariants...)
	return out
}

// ExperimentResult accumulates outcome counters for one variant of one experiment.
// Rates are always derived from the counters in Recompute.
type ExperimentResult struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ExperimentID   uint      `gorm:"not null;uniqueIndex:uk_experiment_results_variant,priority:1" json:"experiment_id"`
	VariantKey     string    `gorm:"size:64;not null;uniqueIndex:uk_experiment_results_variant,priority:2" json:"variant_key"`
	Impressions    int64     `gorm:"not null;default:0" json:"impressions"`
	Opens          int64     `gorm:"not null;default:0" json:"opens"`
	Clicks         int64     `gorm:"not null;default:0" json:"clicks"`
	Conversions    int64     `gorm:"not null;default:0" json:"conversions"`
	OpenRate       float64   `gorm:"not null;default:0" json:"open_rate"`
	ClickRate      float64   `gorm:"not null;default:0" json:"click_rate"`
	ConversionRate float64   `gorm:"not null;default:0" json:"conversion_rate"`
	UpdatedAt      time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');not null" json:"updated_at"`
}

func (ExperimentResult) TableName() string { return "experiment_results" }

// Recompute derives the rate fields from the counters
func (r *ExperimentResult) Recompute() {
	if r.Impressions <= 0 {
		r.OpenRate, r.ClickRate, r.ConversionRate = 0, 0, 0
		return
	}
	n := float64(r.Impressions)
	r.OpenRate = float64(r.Opens) / n
	r.ClickRate = float64(r.Clicks) / n
	r.ConversionRate = float64(r.Conversions) / n
}

// ResultDelta is an increment applied to an experiment result's counters
type ResultDelta struct {
	Impressions int64
	Opens       int64
	Clicks      int64
	Conversions int64
}

// Apply adds non-negative deltas to the counters and recomputes the rates
func (r *ExperimentResult) Apply(d ResultDelta) {
	r.Impressions += max(d.Impressions, 0)
	r.Opens += max(d.Opens, 0)
	r.Clicks += max(d.Clicks, 0)
	r.Conversions += max(d.Conversions, 0)
	r.Recompute()
}

// DeltaForEvent maps a first-occurrence event to the counter it increments
func DeltaForEvent(t EmailEventType) (ResultDelta, bool) {
	switch t {
	case EmailEventOpened:
		return ResultDelta{Opens: 1}, true
	case EmailEventClicked:
		return ResultDelta{Clicks: 1}, true
	case EmailEventConverted:
		return ResultDelta{Conversions: 1}, true
	default:
		return ResultDelta{}, false
	}
}

// ExperimentFilter represents filter criteria for experiments
type ExperimentFilter struct {
	ID     *uint             `json:"id,omitempty"`
	UUID   *uuid.UUID        `json:"uuid,omitempty"`
	Status *ExperimentStatus `json:"status,omitempty"`
}
