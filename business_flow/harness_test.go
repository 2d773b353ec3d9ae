package businessflow

import (
	"context"
	"testing"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logging"
	"github.com/amirphl/Kusanagi/models"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/stretchr/testify/require"
)

const testCorrelationSecret = "correlation-secret-for-flow-tests"

// harness wires every flow onto one in-memory store and one fake clock
type harness struct {
	store       *testingutil.MemStore
	clock       *testingutil.FakeClock
	provider    *services.MockDeliveryProvider
	tokens      services.TokenService
	steps       *StepCache
	enrollments EnrollmentFlow
	correlator  EventCorrelatorFlow
	experiments ExperimentFlow
	campaigns   CampaignFlow
	tasks       TaskFlow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil, 0)
}

func newHarnessWith(t *testing.T, publisher EventPublisher, maxBatchSize int) *harness {
	t.Helper()

	logger := logging.Discard()
	store := testingutil.NewMemStore()
	clock := testingutil.NewFakeClock(testingutil.T0)
	provider := services.NewMockDeliveryProvider(logger)
	tokens, err := services.NewTokenService(testCorrelationSecret, "kusanagi-test")
	require.NoError(t, err)

	steps := NewStepCache(store.Campaigns(), nil, config.CacheConfig{}, logger)
	h := &harness{
		store:    store,
		clock:    clock,
		provider: provider,
		tokens:   tokens,
		steps:    steps,
	}
	h.enrollments = NewEnrollmentFlow(
		store.Campaigns(),
		store.Enrollments(),
		store.StepStates(),
		store.Events(),
		store.Experiments(),
		store.Transactor(),
		provider,
		services.NewTemplateResolver(),
		tokens,
		steps,
		config.SchedulerConfig{Workers: 4},
		clock.Now,
		logger,
	)
	h.correlator = NewEventCorrelatorFlow(
		store.Enrollments(),
		store.StepStates(),
		store.Events(),
		store.Experiments(),
		store.Transactor(),
		tokens,
		steps,
		publisher,
		maxBatchSize,
		clock.Now,
		logger,
	)
	h.experiments = NewExperimentFlow(
		store.Experiments(),
		PolicyFromConfig(config.ExperimentConfig{}),
		nil,
		config.CacheConfig{},
		nil,
		clock.Now,
		logger,
	)
	h.campaigns = NewCampaignFlow(store.Campaigns(), store.Experiments(), store.Transactor(), logger)
	h.tasks = NewTaskFlow(store.Tasks(), 3, clock.Now)
	return h
}

// seedCampaign stores a message campaign with one step per delay
func (h *harness) seedCampaign(t *testing.T, name string, delays ...int) *models.Campaign {
	t.Helper()
	c := testingutil.NewCampaign(name, delays...)
	require.NoError(t, h.store.Campaigns().CreateWithSteps(context.Background(), c))
	return c
}

func (h *harness) start(t *testing.T, campaignID uint, recipientID string) *dto.EnrollmentResponse {
	t.Helper()
	resp, err := h.enrollments.StartEnrollment(context.Background(), &dto.StartEnrollmentRequest{
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Address:     recipientID + "@example.com",
		Name:        "Recipient " + recipientID,
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) enrollment(t *testing.T, id uint) *models.Enrollment {
	t.Helper()
	e, err := h.store.Enrollments().ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func (h *harness) stepState(t *testing.T, enrollmentID uint, step int) *models.EnrollmentStepState {
	t.Helper()
	st, err := h.store.StepStates().ByEnrollmentAndStep(context.Background(), enrollmentID, step)
	require.NoError(t, err)
	return st
}

func (h *harness) countEvents(t *testing.T, enrollmentID uint, eventType models.EmailEventType) int64 {
	t.Helper()
	n, err := h.store.Events().Count(context.Background(), models.EmailEventFilter{
		EnrollmentID: &enrollmentID,
		Type:         &eventType,
	})
	require.NoError(t, err)
	return n
}

// lastToken returns the correlation token of the most recent successful send
func (h *harness) lastToken(t *testing.T) string {
	t.Helper()
	sent := h.provider.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].CorrelationToken
}

// enrollmentFlow builds an enrollment flow on the harness store with its own scheduler settings
func (h *harness) enrollmentFlow(cfg config.SchedulerConfig, provider services.DeliveryProvider) EnrollmentFlow {
	return NewEnrollmentFlow(
		h.store.Campaigns(),
		h.store.Enrollments(),
		h.store.StepStates(),
		h.store.Events(),
		h.store.Experiments(),
		h.store.Transactor(),
		provider,
		services.NewTemplateResolver(),
		h.tokens,
		h.steps,
		cfg,
		h.clock.Now,
		logging.Discard(),
	)
}
