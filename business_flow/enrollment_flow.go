package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"golang.org/x/sync/errgroup"
)

// DueEnrollment is an enrollment whose next step is due. Complete is set, and Step is nil,
// when the enrollment has executed every step and only needs to be closed.
type DueEnrollment struct {
	Enrollment *models.Enrollment
	Step       *models.CampaignStep
	Complete   bool
}

// ProcessSummary counts the outcomes of one drip cycle
type ProcessSummary struct {
	Due       int
	Sent      int
	Completed int
	Failed    int
	Deferred  int
}

// EnrollmentFlow drives enrollments through their campaign steps
type EnrollmentFlow interface {
	FindDueEnrollments(ctx context.Context, now time.Time, limit int) ([]DueEnrollment, error)
	ExecuteStep(ctx context.Context, enrollment *models.Enrollment, step *models.CampaignStep) error
	CompleteEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	StartEnrollment(ctx context.Context, req *dto.StartEnrollmentRequest) (*dto.EnrollmentResponse, error)
	// GetEnrollment returns an enrollment together with its per-step outcome times
	GetEnrollment(ctx context.Context, id uint) (*dto.EnrollmentDetailResponse, error)
	ProcessDue(ctx context.Context) (*ProcessSummary, error)
}

// EnrollmentFlowImpl implements EnrollmentFlow
type EnrollmentFlowImpl struct {
	campaignRepo   repository.CampaignRepository
	enrollmentRepo repository.EnrollmentRepository
	stepStateRepo  repository.EnrollmentStepStateRepository
	eventRepo      repository.EmailEventRepository
	experimentRepo repository.ExperimentRepository
	transactor     repository.Transactor
	provider       services.DeliveryProvider
	resolver       services.ContentResolver
	tokens         services.TokenService
	steps          *StepCache
	cfg            config.SchedulerConfig
	clock          utils.Clock
	logger         *slog.Logger
}

func NewEnrollmentFlow(
	campaignRepo repository.CampaignRepository,
	enrollmentRepo repository.EnrollmentRepository,
	stepStateRepo repository.EnrollmentStepStateRepository,
	eventRepo repository.EmailEventRepository,
	experimentRepo repository.ExperimentRepository,
	transactor repository.Transactor,
	provider services.DeliveryProvider,
	resolver services.ContentResolver,
	tokens services.TokenService,
	steps *StepCache,
	cfg config.SchedulerConfig,
	clock utils.Clock,
	logger *slog.Logger,
) EnrollmentFlow {
	if cfg.StepLease <= 0 {
		cfg.StepLease = utils.DefaultStepLease
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = utils.DefaultClaimBatchSize
	}
	if cfg.SendTimeout <= 0 || cfg.SendTimeout >= cfg.StepLease {
		cfg.SendTimeout = min(utils.DefaultSendTimeout, cfg.StepLease/2)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &EnrollmentFlowImpl{
		campaignRepo:   campaignRepo,
		enrollmentRepo: enrollmentRepo,
		stepStateRepo:  stepStateRepo,
		eventRepo:      eventRepo,
		experimentRepo: experimentRepo,
		transactor:     transactor,
		provider:       provider,
		resolver:       resolver,
		tokens:         tokens,
		steps:          steps,
		cfg:            cfg,
		clock:          clock,
		logger:         logger.With("component", "enrollment_flow"),
	}
}

// FindDueEnrollments pages through active enrollments of non-paused campaigns and returns at most
// limit of them whose next step delay has elapsed, or that have no next step left.
func (f *EnrollmentFlowImpl) FindDueEnrollments(ctx context.Context, now time.Time, limit int) ([]DueEnrollment, error) {
	due, _, err := f.findDue(ctx, now, 0, limit)
	return due, err
}

// findDue scans enrollments with an id above afterID and returns the due ones together with
// the last id it inspected, so a caller can resume the scan from there.
func (f *EnrollmentFlowImpl) findDue(ctx context.Context, now time.Time, afterID uint, limit int) ([]DueEnrollment, uint, error) {
	if limit <= 0 {
		limit = f.cfg.ClaimBatchSize
	}
	var due []DueEnrollment
	for len(due) < limit {
		page, err := f.enrollmentRepo.ListActiveForPolling(ctx, now, afterID, f.cfg.ClaimBatchSize)
		if err != nil {
			return nil, afterID, fmt.Errorf("failed to list active enrollments: %w", err)
		}
		for _, e := range page {
			afterID = e.ID
			def, err := f.steps.Load(ctx, e.CampaignID)
			if err != nil {
				f.logger.WarnContext(ctx, "skipping enrollment with unreadable campaign",
					"enrollment_id", e.ID, "campaign_id", e.CampaignID, "error", err)
				continue
			}
			next := models.StepByNumber(def.Steps, e.NextStepNumber())
			if next == nil {
				due = append(due, DueEnrollment{Enrollment: e, Complete: true})
			} else if now.Sub(e.ReferenceTime()) >= next.Delay() {
				step := *next
				due = append(due, DueEnrollment{Enrollment: e, Step: &step})
			}
			if len(due) == limit {
				break
			}
		}
		if len(page) < f.cfg.ClaimBatchSize {
			break
		}
	}
	return due, afterID, nil
}

// ExecuteStep sends step to the enrollment's recipient and advances the enrollment on success.
// The step lease keeps a second poller from sending the same step while the first is in flight.
func (f *EnrollmentFlowImpl) ExecuteStep(ctx context.Context, enrollment *models.Enrollment, step *models.CampaignStep) error {
	if enrollment == nil || step == nil {
		return ErrEnrollmentNotFound
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return ErrEnrollmentNotActive
	}
	if step.StepNumber != enrollment.NextStepNumber() {
		return NewBusinessErrorf("STEP_OUT_OF_ORDER", "enrollment %d is at step %d, cannot execute step %d",
			ErrStepOutOfOrder, enrollment.ID, enrollment.CurrentStepNumber, step.StepNumber)
	}

	now := f.clock.Now()
	prevStep := enrollment.CurrentStepNumber
	ok, err := f.enrollmentRepo.AcquireLease(ctx, enrollment.ID, prevStep, now, now.Add(f.cfg.StepLease))
	if err != nil {
		return fmt.Errorf("failed to acquire step lease: %w", err)
	}
	if !ok {
		return ErrStepLeaseHeld
	}

	def, err := f.steps.Load(ctx, enrollment.CampaignID)
	if err != nil {
		f.releaseLease(ctx, enrollment.ID, prevStep)
		return err
	}
	isLast := models.StepByNumber(def.Steps, step.StepNumber+1) == nil

	variant, err := f.chooseVariant(ctx, enrollment, step)
	if err != nil {
		f.releaseLease(ctx, enrollment.ID, prevStep)
		return err
	}

	token, err := f.tokens.Issue(enrollment.ID, step.StepNumber, enrollment.RecipientID, variant)
	if err != nil {
		f.releaseLease(ctx, enrollment.ID, prevStep)
		return fmt.Errorf("failed to issue correlation token: %w", err)
	}

	content, err := f.resolver.Resolve(ctx, step.Channel, step.ActionConfig, services.RecipientContext{
		RecipientID:  enrollment.RecipientID,
		Address:      enrollment.RecipientAddress,
		Name:         enrollment.RecipientName,
		CampaignName: def.Name,
		StepNumber:   step.StepNumber,
		VariantKey:   variant,
	})
	if err != nil {
		return f.handleSendFailure(ctx, enrollment, step, err)
	}

	// A send must finish well inside the lease or a second poller could claim the step
	sendCtx, cancelSend := context.WithTimeout(ctx, f.cfg.SendTimeout)
	messageID, err := f.provider.Send(sendCtx, services.Delivery{
		Channel:          step.Channel,
		Recipient:        enrollment.RecipientAddress,
		RecipientName:    enrollment.RecipientName,
		Subject:          content.Subject,
		Body:             content.Body,
		CorrelationToken: token,
	})
	cancelSend()
	if err != nil {
		return f.handleSendFailure(ctx, enrollment, step, err)
	}

	sentAt := f.clock.Now()
	var advanced bool
	err = f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		advanced, err = f.enrollmentRepo.Advance(txCtx, enrollment.ID, prevStep, step.StepNumber, sentAt, isLast)
		if err != nil {
			return err
		}
		occ := models.StepOccurrence{
			EnrollmentID:      enrollment.ID,
			StepNumber:        step.StepNumber,
			Type:              models.EmailEventSent,
			At:                sentAt,
			ProviderMessageID: utils.ToPtr(messageID),
		}
		if variant != "" {
			occ.VariantKey = utils.ToPtr(variant)
		}
		if _, err := f.stepStateRepo.RecordFirstOccurrence(txCtx, occ); err != nil {
			return err
		}
		if err := f.eventRepo.Append(txCtx, &models.EmailEvent{
			EnrollmentID:      utils.ToPtr(enrollment.ID),
			StepNumber:        step.StepNumber,
			Type:              models.EmailEventSent,
			ProviderMessageID: utils.ToPtr(messageID),
			OccurredAt:        sentAt,
		}); err != nil {
			return err
		}
		if variant != "" && step.ExperimentID != nil {
			return f.experimentRepo.IncrementResult(txCtx, *step.ExperimentID, variant, models.ResultDelta{Impressions: 1})
		}
		return nil
	})
	if err != nil {
		// Sent but not recorded. The lease expires and the step is retried with the same token.
		f.logger.ErrorContext(ctx, "failed to record step send",
			"enrollment_id", enrollment.ID, "step", step.StepNumber, "message_id", messageID, "error", err)
		return fmt.Errorf("failed to record send of step %d: %w", step.StepNumber, err)
	}

	metrics.StepsSent.WithLabelValues(string(step.Channel)).Inc()
	if !advanced {
		// The enrollment left active while the send was in flight, e.g. an unsubscribe arrived.
		f.logger.WarnContext(ctx, "step sent but enrollment no longer advanceable",
			"enrollment_id", enrollment.ID, "step", step.StepNumber)
		return nil
	}

	enrollment.CurrentStepNumber = step.StepNumber
	enrollment.LastExecutedAt = utils.ToPtr(sentAt)
	enrollment.LeaseUntil = nil
	if isLast {
		enrollment.Status = models.EnrollmentStatusCompleted
		enrollment.CompletedAt = utils.ToPtr(sentAt)
		metrics.EnrollmentsCompleted.Inc()
	}
	f.logger.InfoContext(ctx, "step executed",
		"enrollment_id", enrollment.ID, "step", step.StepNumber, "variant", variant, "completed", isLast)
	return nil
}

func (f *EnrollmentFlowImpl) handleSendFailure(ctx context.Context, enrollment *models.Enrollment, step *models.CampaignStep, sendErr error) error {
	if services.IsPermanent(sendErr) {
		metrics.StepsFailed.WithLabelValues(string(step.Channel), string(services.DeliveryErrorPermanent)).Inc()
		ok, err := f.enrollmentRepo.MarkFailed(ctx, enrollment.ID, sendErr.Error())
		if err != nil {
			return fmt.Errorf("failed to mark enrollment %d failed: %w", enrollment.ID, err)
		}
		if ok {
			enrollment.Status = models.EnrollmentStatusFailed
			enrollment.LastError = utils.ToPtr(utils.Truncate(sendErr.Error(), utils.MaxErrorLength))
			enrollment.LeaseUntil = nil
		}
		f.logger.WarnContext(ctx, "step failed permanently",
			"enrollment_id", enrollment.ID, "step", step.StepNumber, "error", sendErr)
		return fmt.Errorf("step %d of enrollment %d failed: %w", step.StepNumber, enrollment.ID, sendErr)
	}

	metrics.StepsFailed.WithLabelValues(string(step.Channel), string(services.DeliveryErrorTransient)).Inc()
	f.releaseLease(ctx, enrollment.ID, enrollment.CurrentStepNumber)
	f.logger.InfoContext(ctx, "step deferred after transient failure",
		"enrollment_id", enrollment.ID, "step", step.StepNumber, "error", sendErr)
	return fmt.Errorf("step %d of enrollment %d deferred: %w", step.StepNumber, enrollment.ID, sendErr)
}

func (f *EnrollmentFlowImpl) releaseLease(ctx context.Context, enrollmentID uint, step int) {
	if err := f.enrollmentRepo.ReleaseLease(ctx, enrollmentID, step); err != nil {
		f.logger.WarnContext(ctx, "failed to release step lease", "enrollment_id", enrollmentID, "error", err)
	}
}

// chooseVariant returns the declared winner of a completed experiment, otherwise a variant
// picked deterministically by enrollment id so every attempt of a step uses the same one.
func (f *EnrollmentFlowImpl) chooseVariant(ctx context.Context, enrollment *models.Enrollment, step *models.CampaignStep) (string, error) {
	if step.ExperimentID == nil {
		return "", nil
	}
	exp, err := f.experimentRepo.ByID(ctx, *step.ExperimentID)
	if err != nil {
		return "", fmt.Errorf("failed to load experiment %d: %w", *step.ExperimentID, err)
	}
	if exp == nil {
		f.logger.WarnContext(ctx, "step references missing experiment", "step", step.StepNumber, "experiment_id", *step.ExperimentID)
		return "", nil
	}
	if exp.Status == models.ExperimentStatusCompleted && exp.WinnerVariantID != nil {
		return *exp.WinnerVariantID, nil
	}
	variants := exp.Variants()
	return variants[int(enrollment.ID%uint(len(variants)))], nil
}

// CompleteEnrollment closes an enrollment that has executed its last step
func (f *EnrollmentFlowImpl) CompleteEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment == nil {
		return ErrEnrollmentNotFound
	}
	def, err := f.steps.Load(ctx, enrollment.CampaignID)
	if err != nil {
		return err
	}
	if models.StepByNumber(def.Steps, enrollment.NextStepNumber()) != nil {
		return NewBusinessErrorf("STEP_OUT_OF_ORDER", "enrollment %d still has step %d to execute",
			ErrStepOutOfOrder, enrollment.ID, enrollment.NextStepNumber())
	}
	now := f.clock.Now()
	ok, err := f.enrollmentRepo.Complete(ctx, enrollment.ID, enrollment.CurrentStepNumber, now)
	if err != nil {
		return fmt.Errorf("failed to complete enrollment %d: %w", enrollment.ID, err)
	}
	if !ok {
		return ErrEnrollmentNotActive
	}
	enrollment.Status = models.EnrollmentStatusCompleted
	enrollment.CompletedAt = utils.ToPtr(now)
	metrics.EnrollmentsCompleted.Inc()
	return nil
}

// StartEnrollment enrolls a recipient and fires step 1 right away when it has no delay.
// An existing enrollment is returned together with ErrAlreadyEnrolled.
func (f *EnrollmentFlowImpl) StartEnrollment(ctx context.Context, req *dto.StartEnrollmentRequest) (*dto.EnrollmentResponse, error) {
	if req == nil || strings.TrimSpace(req.RecipientID) == "" {
		return nil, ErrRecipientIDRequired
	}
	if strings.TrimSpace(req.Address) == "" {
		return nil, ErrRecipientAddrRequired
	}

	campaign, err := f.campaignRepo.ByID(ctx, req.CampaignID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "failed to load campaign", err)
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	existing, err := f.enrollmentRepo.ByCampaignAndRecipient(ctx, campaign.ID, req.RecipientID)
	if err != nil {
		return nil, NewBusinessError("ENROLLMENT_LOOKUP_FAILED", "failed to load enrollment", err)
	}
	if existing != nil {
		return alreadyEnrolled(existing)
	}

	now := f.clock.Now()
	enrollment := &models.Enrollment{
		CampaignID:        campaign.ID,
		RecipientID:       req.RecipientID,
		RecipientAddress:  req.Address,
		RecipientName:     req.Name,
		CurrentStepNumber: 0,
		Status:            models.EnrollmentStatusActive,
		StartedAt:         now,
	}
	if err := f.enrollmentRepo.Save(ctx, enrollment); err != nil {
		// A concurrent start may have won the unique key
		if existing, lookupErr := f.enrollmentRepo.ByCampaignAndRecipient(ctx, campaign.ID, req.RecipientID); lookupErr == nil && existing != nil {
			return alreadyEnrolled(existing)
		}
		return nil, NewBusinessError("ENROLLMENT_CREATE_FAILED", "failed to create enrollment", err)
	}
	f.logger.InfoContext(ctx, "enrollment started", "enrollment_id", enrollment.ID, "campaign_id", campaign.ID)

	if !campaign.IsPaused() {
		f.evaluateFirstStep(ctx, enrollment, now)
	}

	if fresh, err := f.enrollmentRepo.ByID(ctx, enrollment.ID); err == nil && fresh != nil {
		enrollment = fresh
	}
	return ToEnrollmentResponse(enrollment), nil
}

func (f *EnrollmentFlowImpl) evaluateFirstStep(ctx context.Context, enrollment *models.Enrollment, now time.Time) {
	def, err := f.steps.Load(ctx, enrollment.CampaignID)
	if err != nil {
		f.logger.WarnContext(ctx, "could not evaluate first step", "enrollment_id", enrollment.ID, "error", err)
		return
	}
	first := models.StepByNumber(def.Steps, 1)
	switch {
	case first == nil:
		err = f.CompleteEnrollment(ctx, enrollment)
	case now.Sub(enrollment.ReferenceTime()) >= first.Delay():
		step := *first
		err = f.ExecuteStep(ctx, enrollment, &step)
	}
	if err != nil {
		f.logger.WarnContext(ctx, "first step not executed", "enrollment_id", enrollment.ID, "error", err)
	}
}

func (f *EnrollmentFlowImpl) GetEnrollment(ctx context.Context, id uint) (*dto.EnrollmentDetailResponse, error) {
	enrollment, err := f.enrollmentRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("ENROLLMENT_LOOKUP_FAILED", "failed to load enrollment", err)
	}
	if enrollment == nil {
		return nil, ErrEnrollmentNotFound
	}
	states, err := f.stepStateRepo.ListByEnrollment(ctx, id)
	if err != nil {
		return nil, NewBusinessError("ENROLLMENT_LOOKUP_FAILED", "failed to load step states", err)
	}

	resp := &dto.EnrollmentDetailResponse{
		EnrollmentResponse: *ToEnrollmentResponse(enrollment),
		Steps:              make([]dto.StepStateResponse, 0, len(states)),
	}
	for _, st := range states {
		resp.Steps = append(resp.Steps, dto.StepStateResponse{
			StepNumber:     st.StepNumber,
			VariantKey:     st.VariantKey,
			SentAt:         st.SentAt,
			DeliveredAt:    st.DeliveredAt,
			OpenedAt:       st.OpenedAt,
			ClickedAt:      st.ClickedAt,
			BouncedAt:      st.BouncedAt,
			ComplainedAt:   st.ComplainedAt,
			UnsubscribedAt: st.UnsubscribedAt,
			ConvertedAt:    st.ConvertedAt,
		})
	}
	return resp, nil
}

func alreadyEnrolled(existing *models.Enrollment) (*dto.EnrollmentResponse, error) {
	resp := ToEnrollmentResponse(existing)
	resp.AlreadyEnrolled = true
	return resp, ErrAlreadyEnrolled
}

// ProcessDue runs one drip cycle. Due enrollments are claimed in batches of ClaimBatchSize
// until the scan reaches the end of the active set. Each due enrollment is handled in isolation;
// only a failure to list due enrollments aborts the cycle.
func (f *EnrollmentFlowImpl) ProcessDue(ctx context.Context) (*ProcessSummary, error) {
	start := time.Now()
	defer func() { metrics.DripCycleDuration.Observe(time.Since(start).Seconds()) }()

	now := f.clock.Now()
	summary := &ProcessSummary{}
	var afterID uint
	for ctx.Err() == nil {
		due, lastID, err := f.findDue(ctx, now, afterID, f.cfg.ClaimBatchSize)
		if err != nil {
			return nil, err
		}
		f.processBatch(ctx, due, summary)
		// The cursor only moves forward, so a batch of deferred enrollments is not rescanned
		if len(due) < f.cfg.ClaimBatchSize || lastID == afterID {
			break
		}
		afterID = lastID
	}

	if summary.Due > 0 {
		f.logger.InfoContext(ctx, "drip cycle finished",
			"due", summary.Due, "sent", summary.Sent, "completed", summary.Completed,
			"failed", summary.Failed, "deferred", summary.Deferred)
	}
	return summary, nil
}

func (f *EnrollmentFlowImpl) processBatch(ctx context.Context, due []DueEnrollment, summary *ProcessSummary) {
	var sent, completed, failed, deferred atomic.Int64
	var g errgroup.Group
	g.SetLimit(f.cfg.Workers)
	for _, d := range due {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if d.Complete {
				if err := f.CompleteEnrollment(ctx, d.Enrollment); err != nil {
					f.logger.WarnContext(ctx, "failed to complete enrollment", "enrollment_id", d.Enrollment.ID, "error", err)
					return nil
				}
				completed.Add(1)
				return nil
			}
			err := f.ExecuteStep(ctx, d.Enrollment, d.Step)
			switch {
			case err == nil:
				sent.Add(1)
			case errors.Is(err, ErrStepLeaseHeld), errors.Is(err, ErrStepOutOfOrder), errors.Is(err, ErrEnrollmentNotActive):
				// another poller got there first
			case services.IsPermanent(err):
				failed.Add(1)
			default:
				deferred.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Due += len(due)
	summary.Sent += int(sent.Load())
	summary.Completed += int(completed.Load())
	summary.Failed += int(failed.Load())
	summary.Deferred += int(deferred.Load())
}

// ToEnrollmentResponse converts an enrollment model to its API representation
func ToEnrollmentResponse(e *models.Enrollment) *dto.EnrollmentResponse {
	return &dto.EnrollmentResponse{
		ID:                e.ID,
		UUID:              e.UUID.String(),
		CampaignID:        e.CampaignID,
		RecipientID:       e.RecipientID,
		CurrentStepNumber: e.CurrentStepNumber,
		Status:            e.Status.String(),
		StartedAt:         e.StartedAt,
		LastExecutedAt:    e.LastExecutedAt,
		CompletedAt:       e.CompletedAt,
		LastError:         e.LastError,
	}
}
