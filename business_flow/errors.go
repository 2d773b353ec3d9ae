// Package businessflow contains the core business logic of campaign execution
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Task-related errors
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskNotCancellable = errors.New("task is not pending and cannot be cancelled")
	ErrInvalidTaskType    = errors.New("invalid task type")
	ErrInvalidTaskPayload = errors.New("invalid task payload")
	ErrNoTaskHandler      = errors.New("no handler registered for task")

	// Campaign-related errors
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrCampaignInvalid     = errors.New("campaign definition is invalid")
	ErrCampaignNameMissing = errors.New("campaign name is required")

	// Enrollment-related errors
	ErrAlreadyEnrolled       = errors.New("recipient is already enrolled in campaign")
	ErrEnrollmentNotFound    = errors.New("enrollment not found")
	ErrEnrollmentNotActive   = errors.New("enrollment is not active")
	ErrStepOutOfOrder        = errors.New("step is not the next step of the enrollment")
	ErrStepLeaseHeld         = errors.New("step is being executed by another poller")
	ErrRecipientIDRequired   = errors.New("recipient id is required")
	ErrRecipientAddrRequired = errors.New("recipient address is required")

	// Event-related errors
	ErrInvalidCorrelationToken = errors.New("invalid correlation token")
	ErrUnknownEventType        = errors.New("unknown event type")
	ErrBatchTooLarge           = errors.New("webhook batch is too large")

	// Experiment-related errors
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrEvaluationBusy     = errors.New("experiment evaluation already in progress")

	ErrCacheNotAvailable = errors.New("cache not available")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

func IsTaskNotCancellable(err error) bool {
	return errors.Is(err, ErrTaskNotCancellable)
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsCampaignInvalid(err error) bool {
	return errors.Is(err, ErrCampaignInvalid)
}

func IsAlreadyEnrolled(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled)
}

func IsEnrollmentNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound)
}

func IsStepOutOfOrder(err error) bool {
	return errors.Is(err, ErrStepOutOfOrder)
}

func IsExperimentNotFound(err error) bool {
	return errors.Is(err, ErrExperimentNotFound)
}

func IsEvaluationBusy(err error) bool {
	return errors.Is(err, ErrEvaluationBusy)
}

func IsInvalidCorrelationToken(err error) bool {
	return errors.Is(err, ErrInvalidCorrelationToken)
}
