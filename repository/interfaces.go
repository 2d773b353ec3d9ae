// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kusanagi/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

// Transactor runs fn atomically. Repositories called with the ctx passed to fn join the transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
}

// ScheduledTaskRepository is the task store. Every status change is a conditional write
// on the expected current status and reports whether it applied.
type ScheduledTaskRepository interface {
	Repository[models.ScheduledTask, models.ScheduledTaskFilter]
	// ClaimDue selects up to limit due pending tasks and flips them to processing in one transaction.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error)
	MarkCompleted(ctx context.Context, id uint, executedAt time.Time) (bool, error)
	Reschedule(ctx context.Context, id uint, retryCount int, scheduledFor time.Time, lastError string) (bool, error)
	MarkFailed(ctx context.Context, id uint, retryCount int, executedAt time.Time, lastError string) (bool, error)
	Cancel(ctx context.Context, id uint) (bool, error)
	// FailStale moves tasks claimed before claimedBefore and still processing to failed.
	FailStale(ctx context.Context, claimedBefore time.Time, lastError string) (int64, error)
}

// CampaignRepository defines operations for campaign definitions
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	CreateWithSteps(ctx context.Context, campaign *models.Campaign) error
	StepsByCampaign(ctx context.Context, campaignID uint) ([]models.CampaignStep, error)
	UpdateStatus(ctx context.Context, id uint, status models.CampaignStatus) (bool, error)
}

// EnrollmentRepository defines operations for enrollments.
// Mutations are conditional on status (and step number where relevant) and never touch terminal rows.
type EnrollmentRepository interface {
	Repository[models.Enrollment, models.EnrollmentFilter]
	ByCampaignAndRecipient(ctx context.Context, campaignID uint, recipientID string) (*models.Enrollment, error)
	// ListActiveForPolling returns active enrollments of non-paused campaigns without a live lease.
	ListActiveForPolling(ctx context.Context, now time.Time, afterID uint, limit int) ([]*models.Enrollment, error)
	AcquireLease(ctx context.Context, id uint, expectedStep int, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id uint, expectedStep int) error
	// Advance moves current_step_number from fromStep to toStep; complete also closes the enrollment.
	Advance(ctx context.Context, id uint, fromStep, toStep int, executedAt time.Time, complete bool) (bool, error)
	Complete(ctx context.Context, id uint, expectedStep int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uint, lastError string) (bool, error)
	MarkUnsubscribed(ctx context.Context, id uint) (bool, error)
}

// EnrollmentStepStateRepository maintains the step-indexed first-occurrence collection
type EnrollmentStepStateRepository interface {
	ByEnrollmentAndStep(ctx context.Context, enrollmentID uint, stepNumber int) (*models.EnrollmentStepState, error)
	ListByEnrollment(ctx context.Context, enrollmentID uint) ([]*models.EnrollmentStepState, error)
	// RecordFirstOccurrence sets the timestamp for eventType only when it is unset and reports whether it did.
	RecordFirstOccurrence(ctx context.Context, occ models.StepOccurrence) (bool, error)
}

// EmailEventRepository is the append-only event log
type EmailEventRepository interface {
	Append(ctx context.Context, event *models.EmailEvent) error
	ByFilter(ctx context.Context, filter models.EmailEventFilter, orderBy string, limit, offset int) ([]*models.EmailEvent, error)
	Count(ctx context.Context, filter models.EmailEventFilter) (int64, error)
}

// ExperimentRepository defines operations for experiments and their per-variant results
type ExperimentRepository interface {
	Repository[models.Experiment, models.ExperimentFilter]
	// CreateWithResults stores the experiment and a zeroed result row per variant.
	CreateWithResults(ctx context.Context, experiment *models.Experiment) error
	Results(ctx context.Context, experimentID uint) ([]*models.ExperimentResult, error)
	// IncrementResult adds delta to one variant's counters and recomputes its rates under a row lock.
	IncrementResult(ctx context.Context, experimentID uint, variantKey string, delta models.ResultDelta) error
	CompleteWithWinner(ctx context.Context, id uint, winner string, at time.Time) (bool, error)
}

// LeadScoreRepository defines operations for recipient scores
type LeadScoreRepository interface {
	AddScore(ctx context.Context, recipientID string, delta int64) (int64, error)
	ByRecipient(ctx context.Context, recipientID string) (*models.LeadScore, error)
}
