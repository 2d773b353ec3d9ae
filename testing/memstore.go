package testing

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
)

// ErrStoreUnavailable is returned by every MemStore call while the store is marked down
var ErrStoreUnavailable = errors.New("memstore: datastore unavailable")

type stepKey struct {
	enrollmentID uint
	stepNumber   int
}

type resultKey struct {
	experimentID uint
	variantKey   string
}

// MemStore is an in-memory datastore implementing the repository interfaces with the same
// conditional-write semantics as the postgres repositories. All access is serialized by one mutex.
type MemStore struct {
	mu   sync.Mutex
	down bool
	seq  uint

	tasks       map[uint]*models.ScheduledTask
	campaigns   map[uint]*models.Campaign
	steps       map[uint][]models.CampaignStep
	enrollments map[uint]*models.Enrollment
	stepStates  map[stepKey]*models.EnrollmentStepState
	events      []*models.EmailEvent
	experiments map[uint]*models.Experiment
	results     map[resultKey]*models.ExperimentResult
	scores      map[string]*models.LeadScore
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:       make(map[uint]*models.ScheduledTask),
		campaigns:   make(map[uint]*models.Campaign),
		steps:       make(map[uint][]models.CampaignStep),
		enrollments: make(map[uint]*models.Enrollment),
		stepStates:  make(map[stepKey]*models.EnrollmentStepState),
		experiments: make(map[uint]*models.Experiment),
		results:     make(map[resultKey]*models.ExperimentResult),
		scores:      make(map[string]*models.LeadScore),
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable until reset
func (s *MemStore) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *MemStore) lock() error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return ErrStoreUnavailable
	}
	return nil
}

func (s *MemStore) nextID() uint {
	s.seq++
	return s.seq
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func page[T any](rows []*T, limit, offset int) []*T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (s *MemStore) Tasks() repository.ScheduledTaskRepository { return &memTaskRepo{s} }
func (s *MemStore) Campaigns() repository.CampaignRepository   { return &memCampaignRepo{s} }
func (s *MemStore) Enrollments() repository.EnrollmentRepository {
	return &memEnrollmentRepo{s}
}
func (s *MemStore) StepStates() repository.EnrollmentStepStateRepository {
	return &memStepStateRepo{s}
}
func (s *MemStore) Events() repository.EmailEventRepository       { return &memEventRepo{s} }
func (s *MemStore) Experiments() repository.ExperimentRepository { return &memExperimentRepo{s} }
func (s *MemStore) LeadScores() repository.LeadScoreRepository   { return &memLeadScoreRepo{s} }

// Transactor runs fn directly. MemStore calls are individually atomic; there is no rollback.
func (s *MemStore) Transactor() repository.Transactor { return memTransactor{} }

type memTransactor struct{}

func (memTransactor) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// ---- scheduled tasks ----

type memTaskRepo struct{ s *MemStore }

func (r *memTaskRepo) ByID(ctx context.Context, id uint) (*models.ScheduledTask, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return clone(r.s.tasks[id]), nil
}

func (r *memTaskRepo) ByFilter(ctx context.Context, f models.ScheduledTaskFilter, orderBy string, limit, offset int) ([]*models.ScheduledTask, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.ScheduledTask
	for _, t := range r.s.tasks {
		switch {
		case f.ID != nil && t.ID != *f.ID,
			f.UUID != nil && t.UUID != *f.UUID,
			f.OwnerID != nil && t.OwnerID != *f.OwnerID,
			f.Type != nil && t.Type != *f.Type,
			f.Status != nil && t.Status != *f.Status,
			f.ScheduledBefore != nil && t.ScheduledFor.After(*f.ScheduledBefore),
			f.ScheduledAfter != nil && t.ScheduledFor.Before(*f.ScheduledAfter):
			continue
		}
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *memTaskRepo) Save(ctx context.Context, t *models.ScheduledTask) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if t.ID == 0 {
		t.ID = r.s.nextID()
		_ = t.BeforeCreate(nil)
	}
	r.s.tasks[t.ID] = clone(t)
	return nil
}

func (r *memTaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTask, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = utils.DefaultClaimBatchSize
	}
	var due []*models.ScheduledTask
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusPending && !t.ScheduledFor.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.ScheduledTask, 0, len(due))
	for _, t := range due {
		t.Status = models.TaskStatusProcessing
		t.ClaimedAt = utils.ToPtr(now)
		t.UpdatedAt = now
		out = append(out, clone(t))
	}
	return out, nil
}

func (r *memTaskRepo) transition(id uint, from models.TaskStatus, apply func(*models.ScheduledTask)) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	apply(t)
	t.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memTaskRepo) MarkCompleted(ctx context.Context, id uint, executedAt time.Time) (bool, error) {
	return r.transition(id, models.TaskStatusProcessing, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusCompleted
		t.ExecutedAt = utils.ToPtr(executedAt)
	})
}

func (r *memTaskRepo) Reschedule(ctx context.Context, id uint, retryCount int, scheduledFor time.Time, lastError string) (bool, error) {
	return r.transition(id, models.TaskStatusProcessing, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusPending
		t.RetryCount = retryCount
		t.ScheduledFor = scheduledFor
		t.ClaimedAt = nil
		t.LastError = utils.ToPtr(utils.Truncate(lastError, utils.MaxErrorLength))
	})
}

func (r *memTaskRepo) MarkFailed(ctx context.Context, id uint, retryCount int, executedAt time.Time, lastError string) (bool, error) {
	return r.transition(id, models.TaskStatusProcessing, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusFailed
		t.RetryCount = retryCount
		t.ExecutedAt = utils.ToPtr(executedAt)
		t.LastError = utils.ToPtr(utils.Truncate(lastError, utils.MaxErrorLength))
	})
}

func (r *memTaskRepo) Cancel(ctx context.Context, id uint) (bool, error) {
	return r.transition(id, models.TaskStatusPending, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusCancelled
	})
}

func (r *memTaskRepo) FailStale(ctx context.Context, claimedBefore time.Time, lastError string) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	var n int64
	now := utils.UTCNow()
	for _, t := range r.s.tasks {
		if t.Status == models.TaskStatusProcessing && t.ClaimedAt != nil && t.ClaimedAt.Before(claimedBefore) {
			t.Status = models.TaskStatusFailed
			t.ExecutedAt = utils.ToPtr(now)
			t.LastError = utils.ToPtr(lastError)
			n++
		}
	}
	return n, nil
}

// ---- campaigns ----

type memCampaignRepo struct{ s *MemStore }

func (r *memCampaignRepo) withSteps(c *models.Campaign) *models.Campaign {
	out := clone(c)
	out.Steps = slices.Clone(r.s.steps[c.ID])
	return out
}

func (r *memCampaignRepo) ByID(ctx context.Context, id uint) (*models.Campaign, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return r.withSteps(c), nil
}

func (r *memCampaignRepo) ByFilter(ctx context.Context, f models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Campaign
	for _, c := range r.s.campaigns {
		switch {
		case f.ID != nil && c.ID != *f.ID,
			f.UUID != nil && c.UUID != *f.UUID,
			f.Name != nil && c.Name != *f.Name,
			f.Status != nil && c.Status != *f.Status:
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *memCampaignRepo) Save(ctx context.Context, c *models.Campaign) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if c.ID == 0 {
		c.ID = r.s.nextID()
		_ = c.BeforeCreate(nil)
	}
	stored := clone(c)
	stored.Steps = nil
	r.s.campaigns[c.ID] = stored
	return nil
}

func (r *memCampaignRepo) CreateWithSteps(ctx context.Context, c *models.Campaign) error {
	if err := models.ValidateSteps(c.Steps); err != nil {
		return err
	}
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	c.ID = r.s.nextID()
	_ = c.BeforeCreate(nil)
	for i := range c.Steps {
		c.Steps[i].ID = r.s.nextID()
		c.Steps[i].CampaignID = c.ID
		c.Steps[i].CreatedAt = c.CreatedAt
	}
	sort.Slice(c.Steps, func(i, j int) bool { return c.Steps[i].StepNumber < c.Steps[j].StepNumber })
	stored := clone(c)
	stored.Steps = nil
	r.s.campaigns[c.ID] = stored
	r.s.steps[c.ID] = slices.Clone(c.Steps)
	return nil
}

func (r *memCampaignRepo) StepsByCampaign(ctx context.Context, campaignID uint) ([]models.CampaignStep, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return slices.Clone(r.s.steps[campaignID]), nil
}

func (r *memCampaignRepo) UpdateStatus(ctx context.Context, id uint, status models.CampaignStatus) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = utils.UTCNowPtr()
	return true, nil
}

// ---- enrollments ----

type memEnrollmentRepo struct{ s *MemStore }

func (r *memEnrollmentRepo) ByID(ctx context.Context, id uint) (*models.Enrollment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return clone(r.s.enrollments[id]), nil
}

func (r *memEnrollmentRepo) ByFilter(ctx context.Context, f models.EnrollmentFilter, orderBy string, limit, offset int) ([]*models.Enrollment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Enrollment
	for _, e := range r.s.enrollments {
		switch {
		case f.ID != nil && e.ID != *f.ID,
			f.UUID != nil && e.UUID != *f.UUID,
			f.CampaignID != nil && e.CampaignID != *f.CampaignID,
			f.RecipientID != nil && e.RecipientID != *f.RecipientID,
			f.Status != nil && e.Status != *f.Status:
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

// Save inserts a new enrollment, enforcing the (campaign, recipient) unique key
func (r *memEnrollmentRepo) Save(ctx context.Context, e *models.Enrollment) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if e.ID == 0 {
		for _, existing := range r.s.enrollments {
			if existing.CampaignID == e.CampaignID && existing.RecipientID == e.RecipientID {
				return ErrDuplicateKey
			}
		}
		e.ID = r.s.nextID()
		_ = e.BeforeCreate(nil)
	}
	r.s.enrollments[e.ID] = clone(e)
	return nil
}

// ErrDuplicateKey mirrors a unique constraint violation
var ErrDuplicateKey = errors.New("memstore: duplicate key value violates unique constraint")

func (r *memEnrollmentRepo) ByCampaignAndRecipient(ctx context.Context, campaignID uint, recipientID string) (*models.Enrollment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	for _, e := range r.s.enrollments {
		if e.CampaignID == campaignID && e.RecipientID == recipientID {
			return clone(e), nil
		}
	}
	return nil, nil
}

func (r *memEnrollmentRepo) ListActiveForPolling(ctx context.Context, now time.Time, afterID uint, limit int) ([]*models.Enrollment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = utils.DefaultClaimBatchSize
	}
	var out []*models.Enrollment
	for _, e := range r.s.enrollments {
		c, ok := r.s.campaigns[e.CampaignID]
		if !ok || c.Status != models.CampaignStatusActive {
			continue
		}
		if e.Status != models.EnrollmentStatusActive || e.ID <= afterID || e.IsLeased(now) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, 0), nil
}

func (r *memEnrollmentRepo) update(id uint, match func(*models.Enrollment) bool, apply func(*models.Enrollment)) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	e, ok := r.s.enrollments[id]
	if !ok || !match(e) {
		return false, nil
	}
	apply(e)
	e.UpdatedAt = utils.UTCNow()
	return true, nil
}

func (r *memEnrollmentRepo) AcquireLease(ctx context.Context, id uint, expectedStep int, now, until time.Time) (bool, error) {
	return r.update(id, func(e *models.Enrollment) bool {
		return e.Status == models.EnrollmentStatusActive && e.CurrentStepNumber == expectedStep && !e.IsLeased(now)
	}, func(e *models.Enrollment) {
		e.LeaseUntil = utils.ToPtr(until)
	})
}

func (r *memEnrollmentRepo) ReleaseLease(ctx context.Context, id uint, expectedStep int) error {
	_, err := r.update(id, func(e *models.Enrollment) bool {
		return e.CurrentStepNumber == expectedStep
	}, func(e *models.Enrollment) {
		e.LeaseUntil = nil
	})
	return err
}

func (r *memEnrollmentRepo) Advance(ctx context.Context, id uint, fromStep, toStep int, executedAt time.Time, complete bool) (bool, error) {
	return r.update(id, func(e *models.Enrollment) bool {
		return e.Status == models.EnrollmentStatusActive && e.CurrentStepNumber == fromStep
	}, func(e *models.Enrollment) {
		e.CurrentStepNumber = toStep
		e.LastExecutedAt = utils.ToPtr(executedAt)
		e.LeaseUntil = nil
		if complete {
			e.Status = models.EnrollmentStatusCompleted
			e.CompletedAt = utils.ToPtr(executedAt)
		}
	})
}

func (r *memEnrollmentRepo) Complete(ctx context.Context, id uint, expectedStep int, at time.Time) (bool, error) {
	return r.update(id, func(e *models.Enrollment) bool {
		return e.Status == models.EnrollmentStatusActive && e.CurrentStepNumber == expectedStep
	}, func(e *models.Enrollment) {
		e.Status = models.EnrollmentStatusCompleted
		e.CompletedAt = utils.ToPtr(at)
		e.LeaseUntil = nil
	})
}

func (r *memEnrollmentRepo) MarkFailed(ctx context.Context, id uint, lastError string) (bool, error) {
	return r.update(id, func(e *models.Enrollment) bool {
		return e.Status == models.EnrollmentStatusActive
	}, func(e *models.Enrollment) {
		e.Status = models.EnrollmentStatusFailed
		e.LastError = utils.ToPtr(utils.Truncate(lastError, utils.MaxErrorLength))
		e.LeaseUntil = nil
	})
}

func (r *memEnrollmentRepo) MarkUnsubscribed(ctx context.Context, id uint) (bool, error) {
	return r.update(id, func(e *models.Enrollment) bool {
		return slices.Contains(models.NonTerminalEnrollmentStatuses, e.Status)
	}, func(e *models.Enrollment) {
		e.Status = models.EnrollmentStatusUnsubscribed
		e.LeaseUntil = nil
	})
}

// ---- step states ----

type memStepStateRepo struct{ s *MemStore }

func (r *memStepStateRepo) ByEnrollmentAndStep(ctx context.Context, enrollmentID uint, stepNumber int) (*models.EnrollmentStepState, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return clone(r.s.stepStates[stepKey{enrollmentID, stepNumber}]), nil
}

func (r *memStepStateRepo) ListByEnrollment(ctx context.Context, enrollmentID uint) ([]*models.EnrollmentStepState, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.EnrollmentStepState
	for k, st := range r.s.stepStates {
		if k.enrollmentID == enrollmentID {
			out = append(out, clone(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (r *memStepStateRepo) RecordFirstOccurrence(ctx context.Context, occ models.StepOccurrence) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	key := stepKey{occ.EnrollmentID, occ.StepNumber}
	st, ok := r.s.stepStates[key]
	if !ok {
		st = &models.EnrollmentStepState{
			ID:           r.s.nextID(),
			EnrollmentID: occ.EnrollmentID,
			StepNumber:   occ.StepNumber,
			CreatedAt:    utils.UTCNow(),
		}
		r.s.stepStates[key] = st
	}
	if st.VariantKey == nil && occ.VariantKey != nil {
		st.VariantKey = clone(occ.VariantKey)
	}
	if st.ProviderMessageID == nil && occ.ProviderMessageID != nil {
		st.ProviderMessageID = clone(occ.ProviderMessageID)
	}
	field := st.FirstOccurrence(occ.Type)
	if field == nil || *field != nil {
		return false, nil
	}
	*field = utils.ToPtr(occ.At)
	return true, nil
}

// ---- email events ----

type memEventRepo struct{ s *MemStore }

func (r *memEventRepo) Append(ctx context.Context, ev *models.EmailEvent) error {
	if !ev.Type.Valid() {
		return errors.New("invalid email event type")
	}
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	ev.ID = r.s.nextID()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = utils.UTCNow()
	}
	r.s.events = append(r.s.events, clone(ev))
	return nil
}

func matchID(want, got *uint) bool {
	return want == nil || (got != nil && *got == *want)
}

func (r *memEventRepo) match(ev *models.EmailEvent, f models.EmailEventFilter) bool {
	return matchID(f.EnrollmentID, ev.EnrollmentID) &&
		matchID(f.TaskID, ev.TaskID) &&
		(f.StepNumber == nil || ev.StepNumber == *f.StepNumber) &&
		(f.Type == nil || ev.Type == *f.Type)
}

func (r *memEventRepo) ByFilter(ctx context.Context, f models.EmailEventFilter, orderBy string, limit, offset int) ([]*models.EmailEvent, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.EmailEvent
	for _, ev := range r.s.events {
		if r.match(ev, f) {
			out = append(out, clone(ev))
		}
	}
	return page(out, limit, offset), nil
}

func (r *memEventRepo) Count(ctx context.Context, f models.EmailEventFilter) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	var n int64
	for _, ev := range r.s.events {
		if r.match(ev, f) {
			n++
		}
	}
	return n, nil
}

// ---- experiments ----

type memExperimentRepo struct{ s *MemStore }

func (r *memExperimentRepo) ByID(ctx context.Context, id uint) (*models.Experiment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return clone(r.s.experiments[id]), nil
}

func (r *memExperimentRepo) ByFilter(ctx context.Context, f models.ExperimentFilter, orderBy string, limit, offset int) ([]*models.Experiment, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.Experiment
	for _, e := range r.s.experiments {
		switch {
		case f.ID != nil && e.ID != *f.ID,
			f.UUID != nil && e.UUID != *f.UUID,
			f.Status != nil && e.Status != *f.Status:
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), nil
}

func (r *memExperimentRepo) Save(ctx context.Context, e *models.Experiment) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	if e.ID == 0 {
		e.ID = r.s.nextID()
		_ = e.BeforeCreate(nil)
	}
	r.s.experiments[e.ID] = clone(e)
	return nil
}

func (r *memExperimentRepo) CreateWithResults(ctx context.Context, e *models.Experiment) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	e.ID = r.s.nextID()
	_ = e.BeforeCreate(nil)
	r.s.experiments[e.ID] = clone(e)
	for _, key := range e.Variants() {
		r.s.results[resultKey{e.ID, key}] = &models.ExperimentResult{
			ID:           r.s.nextID(),
			ExperimentID: e.ID,
			VariantKey:   key,
			UpdatedAt:    utils.UTCNow(),
		}
	}
	return nil
}

func (r *memExperimentRepo) Results(ctx context.Context, experimentID uint) ([]*models.ExperimentResult, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	var out []*models.ExperimentResult
	for k, res := range r.s.results {
		if k.experimentID == experimentID {
			out = append(out, clone(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantKey < out[j].VariantKey })
	return out, nil
}

func (r *memExperimentRepo) IncrementResult(ctx context.Context, experimentID uint, variantKey string, delta models.ResultDelta) error {
	if err := r.s.lock(); err != nil {
		return err
	}
	defer r.s.mu.Unlock()
	key := resultKey{experimentID, variantKey}
	res, ok := r.s.results[key]
	if !ok {
		res = &models.ExperimentResult{ID: r.s.nextID(), ExperimentID: experimentID, VariantKey: variantKey}
		r.s.results[key] = res
	}
	res.Apply(delta)
	res.UpdatedAt = utils.UTCNow()
	return nil
}

// SetResult overwrites a variant's counters, for seeding evaluator tests
func (s *MemStore) SetResult(experimentID uint, variantKey string, impressions, conversions int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := &models.ExperimentResult{
		ID:           s.nextID(),
		ExperimentID: experimentID,
		VariantKey:   variantKey,
		Impressions:  impressions,
		Conversions:  conversions,
		UpdatedAt:    utils.UTCNow(),
	}
	res.Recompute()
	s.results[resultKey{experimentID, variantKey}] = res
}

func (r *memExperimentRepo) CompleteWithWinner(ctx context.Context, id uint, winner string, at time.Time) (bool, error) {
	if err := r.s.lock(); err != nil {
		return false, err
	}
	defer r.s.mu.Unlock()
	e, ok := r.s.experiments[id]
	if !ok || e.Status != models.ExperimentStatusRunning {
		return false, nil
	}
	e.Status = models.ExperimentStatusCompleted
	e.WinnerVariantID = utils.ToPtr(winner)
	e.CompletedAt = utils.ToPtr(at)
	return true, nil
}

// ---- lead scores ----

type memLeadScoreRepo struct{ s *MemStore }

func (r *memLeadScoreRepo) AddScore(ctx context.Context, recipientID string, delta int64) (int64, error) {
	if err := r.s.lock(); err != nil {
		return 0, err
	}
	defer r.s.mu.Unlock()
	ls, ok := r.s.scores[recipientID]
	if !ok {
		ls = &models.LeadScore{ID: r.s.nextID(), RecipientID: recipientID}
		r.s.scores[recipientID] = ls
	}
	ls.Score += delta
	ls.UpdatedAt = utils.UTCNow()
	return ls.Score, nil
}

func (r *memLeadScoreRepo) ByRecipient(ctx context.Context, recipientID string) (*models.LeadScore, error) {
	if err := r.s.lock(); err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return clone(r.s.scores[recipientID]), nil
}
