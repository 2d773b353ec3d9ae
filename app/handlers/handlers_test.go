package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logging"
	"github.com/amirphl/Kusanagi/models"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	app      *fiber.App
	store    *testingutil.MemStore
	clock    *testingutil.FakeClock
	provider *services.MockDeliveryProvider
	tokens   services.TokenService
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, []dto.DeliveryEventRequest) error {
	return fmt.Errorf("broker unreachable")
}

func newAPIFixture(t *testing.T, publisher businessflow.EventPublisher) *apiFixture {
	t.Helper()
	logger := logging.Discard()
	store := testingutil.NewMemStore()
	clock := testingutil.NewFakeClock(testingutil.T0)
	provider := services.NewMockDeliveryProvider(logger)
	tokens, err := services.NewTokenService("handler-test-secret", "kusanagi-test")
	require.NoError(t, err)

	steps := businessflow.NewStepCache(store.Campaigns(), nil, config.CacheConfig{}, logger)
	enrollments := businessflow.NewEnrollmentFlow(
		store.Campaigns(), store.Enrollments(), store.StepStates(), store.Events(), store.Experiments(),
		store.Transactor(), provider, services.NewTemplateResolver(), tokens, steps,
		config.SchedulerConfig{}, clock.Now, logger,
	)
	correlator := businessflow.NewEventCorrelatorFlow(
		store.Enrollments(), store.StepStates(), store.Events(), store.Experiments(),
		store.Transactor(), tokens, steps, publisher, 3, clock.Now, logger,
	)
	experiments := businessflow.NewExperimentFlow(
		store.Experiments(), businessflow.PolicyFromConfig(config.ExperimentConfig{}), nil, config.CacheConfig{}, nil, clock.Now, logger,
	)
	campaigns := businessflow.NewCampaignFlow(store.Campaigns(), store.Experiments(), store.Transactor(), logger)
	tasks := businessflow.NewTaskFlow(store.Tasks(), 3, clock.Now)

	webhook := NewWebhookHandler(correlator, logger)
	campaign := NewCampaignHandler(campaigns, enrollments, logger)
	task := NewTaskHandler(tasks, logger)
	experiment := NewExperimentHandler(experiments, logger)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/webhooks/delivery-events", webhook.DeliveryEvents)
	api.Post("/webhooks/ses", webhook.SESEvents)
	api.Post("/campaigns", campaign.Import)
	api.Get("/campaigns/:id", campaign.Get)
	api.Post("/campaigns/:id/pause", campaign.Pause)
	api.Post("/campaigns/:id/resume", campaign.Resume)
	api.Post("/campaigns/:id/enrollments", campaign.Enroll)
	api.Get("/enrollments/:id", campaign.GetEnrollment)
	api.Post("/tasks", task.Enqueue)
	api.Get("/tasks/:id", task.Get)
	api.Post("/tasks/:id/cancel", task.Cancel)
	api.Post("/experiments/:id/evaluate", experiment.Evaluate)
	api.Get("/experiments/:id/report", experiment.Report)

	return &apiFixture{app: app, store: store, clock: clock, provider: provider, tokens: tokens}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   dto.ErrorDetail `json:"error"`
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var env envelope
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp, env
}

func (f *apiFixture) doJSON(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return f.do(t, method, path, fiber.MIMEApplicationJSON, raw)
}

func (f *apiFixture) seedCampaign(t *testing.T, delays ...int) *models.Campaign {
	t.Helper()
	c := testingutil.NewCampaign("Welcome", delays...)
	require.NoError(t, f.store.Campaigns().CreateWithSteps(context.Background(), c))
	return c
}

const campaignYAML = `
name: Onboarding
steps:
  - step_number: 1
    delay_days: 0
    channel: message
    action_config:
      subject: "Hi {{.Name}}"
      body: "Welcome"
  - step_number: 2
    delay_days: 3
    channel: message
    action_config:
      subject: "Day 3"
      body: "Tips"
`

func TestCampaignHandler_ImportAndGet(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, env := f.do(t, http.MethodPost, "/api/v1/campaigns", "application/yaml", []byte(campaignYAML))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, env.Message)
	var created dto.CampaignResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "Onboarding", created.Name)
	require.Len(t, created.Steps, 2)
	assert.Equal(t, 3, created.Steps[1].DelayDays)

	resp, env = f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/campaigns/%d", created.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var fetched dto.CampaignResponse
	require.NoError(t, json.Unmarshal(env.Data, &fetched))
	assert.Equal(t, created.ID, fetched.ID)

	resp, env = f.doJSON(t, http.MethodGet, "/api/v1/campaigns/9999", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CAMPAIGN_NOT_FOUND", env.Error.Code)

	resp, _ = f.doJSON(t, http.MethodGet, "/api/v1/campaigns/abc", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCampaignHandler_ImportRejections(t *testing.T) {
	f := newAPIFixture(t, nil)

	gap := dto.ImportCampaignRequest{
		Name: "Gappy",
		Steps: []dto.CampaignStepRequest{
			{StepNumber: 1, Channel: "message", ActionConfig: map[string]any{"subject": "a", "body": "b"}},
			{StepNumber: 3, Channel: "message", ActionConfig: map[string]any{"subject": "a", "body": "b"}},
		},
	}
	resp, env := f.doJSON(t, http.MethodPost, "/api/v1/campaigns", gap)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "CAMPAIGN_INVALID", env.Error.Code)

	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/campaigns", dto.ImportCampaignRequest{Name: "Empty"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	dupChallengers := dto.ImportCampaignRequest{
		Name: "Duplicate challengers",
		Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, Channel: "message", ActionConfig: map[string]any{"subject": "a", "body": "b"},
			Experiment: &dto.ExperimentRequest{Name: "subject", Control: "A", Challengers: []string{"B", "B"}},
		}},
	}
	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/campaigns", dupChallengers)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	resp, env = f.do(t, http.MethodPost, "/api/v1/campaigns", "application/yaml", []byte("name: [unterminated"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "CAMPAIGN_INVALID", env.Error.Code)
}

func TestCampaignHandler_EnrollPauseResume(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.seedCampaign(t, 0, 3)
	path := fmt.Sprintf("/api/v1/campaigns/%d", c.ID)

	body := dto.StartEnrollmentRequest{RecipientID: "r-1", Address: "r-1@example.com", Name: "Ada"}
	resp, env := f.doJSON(t, http.MethodPost, path+"/enrollments", body)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, env.Message)
	var enrolled dto.EnrollmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &enrolled))
	assert.Equal(t, 1, enrolled.CurrentStepNumber)
	assert.Len(t, f.provider.Sent(), 1)

	resp, env = f.doJSON(t, http.MethodPost, path+"/enrollments", body)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var again dto.EnrollmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &again))
	assert.True(t, again.AlreadyEnrolled)
	assert.Equal(t, enrolled.ID, again.ID)
	assert.Len(t, f.provider.Sent(), 1)

	resp, env = f.doJSON(t, http.MethodPost, path+"/enrollments", dto.StartEnrollmentRequest{RecipientID: "r-2"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	resp, env = f.doJSON(t, http.MethodPost, path+"/pause", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var status dto.CampaignStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, string(models.CampaignStatusPaused), status.Status)

	resp, env = f.doJSON(t, http.MethodPost, path+"/resume", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, string(models.CampaignStatusActive), status.Status)

	resp, env = f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/enrollments/%d", enrolled.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Message)
	var detail dto.EnrollmentDetailResponse
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, enrolled.ID, detail.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, 1, detail.Steps[0].StepNumber)
	require.NotNil(t, detail.Steps[0].SentAt)
	assert.True(t, detail.Steps[0].SentAt.Equal(testingutil.T0))
	assert.Nil(t, detail.Steps[0].OpenedAt)

	resp, env = f.doJSON(t, http.MethodGet, "/api/v1/enrollments/31337", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ENROLLMENT_NOT_FOUND", env.Error.Code)

	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/campaigns/424242/enrollments", body)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CAMPAIGN_NOT_FOUND", env.Error.Code)
}

func TestWebhookHandler_DeliveryEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.seedCampaign(t, 0)
	resp, env := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/enrollments", c.ID),
		dto.StartEnrollmentRequest{RecipientID: "r-1", Address: "r-1@example.com"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, env.Message)
	token := f.provider.Sent()[0].CorrelationToken

	events := []dto.DeliveryEventRequest{
		{EventType: "opened", Timestamp: testingutil.T0.Add(time.Hour), CorrelationToken: token},
		{EventType: "opened", Timestamp: testingutil.T0.Add(time.Hour), CorrelationToken: "forged"},
	}
	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/webhooks/delivery-events", events)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Message)
	var result dto.WebhookBatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, dto.WebhookBatchResponse{Received: 2, Processed: 1, Dropped: 1}, result)

	resp, env = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery-events", fiber.MIMEApplicationJSON, []byte(`{"eventType":"opened"}`))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", env.Error.Code)

	resp, env = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery-events", fiber.MIMEApplicationJSON, []byte(`[{"correlationToken":"x"}]`))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, dto.WebhookBatchResponse{Received: 1, Dropped: 1}, result)

	tooMany := make([]dto.DeliveryEventRequest, 4)
	for i := range tooMany {
		tooMany[i] = dto.DeliveryEventRequest{EventType: "opened", Timestamp: testingutil.T0, CorrelationToken: token}
	}
	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/webhooks/delivery-events", tooMany)
	assert.Equal(t, fiber.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "BATCH_TOO_LARGE", env.Error.Code)
}

func TestWebhookHandler_MalformedEntryDoesNotRejectBatch(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.seedCampaign(t, 0, 2)
	resp, env := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/campaigns/%d/enrollments", c.ID),
		dto.StartEnrollmentRequest{RecipientID: "r-1", Address: "r-1@example.com"})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, env.Message)
	var enrolled dto.EnrollmentResponse
	require.NoError(t, json.Unmarshal(env.Data, &enrolled))
	token := f.provider.Sent()[0].CorrelationToken

	body := fmt.Sprintf(`[
		{"eventType":"unsubscribed","timestamp":%q,"correlationToken":%q},
		{"eventType":"opened"}
	]`, testingutil.T0.Add(time.Hour).Format(time.RFC3339), token)
	resp, env = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery-events", fiber.MIMEApplicationJSON, []byte(body))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Message)
	var result dto.WebhookBatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, dto.WebhookBatchResponse{Received: 2, Processed: 1, Dropped: 1}, result)

	e, err := f.store.Enrollments().ByID(context.Background(), enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusUnsubscribed, e.Status)
}

func TestWebhookHandler_QueueFailure(t *testing.T) {
	f := newAPIFixture(t, failingPublisher{})
	events := []dto.DeliveryEventRequest{{EventType: "opened", Timestamp: testingutil.T0, CorrelationToken: "t"}}
	resp, env := f.doJSON(t, http.MethodPost, "/api/v1/webhooks/delivery-events", events)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "EVENT_QUEUE_FAILED", env.Error.Code)
}

func TestWebhookHandler_DatastoreDown(t *testing.T) {
	f := newAPIFixture(t, nil)
	token, err := f.tokens.Issue(1, 1, "r-1", "")
	require.NoError(t, err)
	f.store.SetUnavailable(true)

	events := []dto.DeliveryEventRequest{{EventType: "opened", Timestamp: testingutil.T0, CorrelationToken: token}}
	resp, env := f.doJSON(t, http.MethodPost, "/api/v1/webhooks/delivery-events", events)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "EVENT_PROCESSING_FAILED", env.Error.Code)
}

func TestWebhookHandler_SESEvents(t *testing.T) {
	f := newAPIFixture(t, nil)

	confirm := dto.SNSNotification{Type: "SubscriptionConfirmation", TopicArn: "arn:aws:sns:eu-west-1:1:ses", SubscribeURL: "https://sns.example/confirm"}
	raw, err := json.Marshal(confirm)
	require.NoError(t, err)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/webhooks/ses", "text/plain", raw)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	bad := dto.SNSNotification{Type: "Notification", Message: "{not json"}
	raw, err = json.Marshal(bad)
	require.NoError(t, err)
	resp, env := f.do(t, http.MethodPost, "/api/v1/webhooks/ses", "text/plain", raw)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_SES_EVENT", env.Error.Code)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/webhooks/ses", "text/plain", []byte("garbage"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTaskHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	later := testingutil.T0.Add(time.Hour)
	resp, env := f.doJSON(t, http.MethodPost, "/api/v1/tasks", dto.EnqueueTaskRequest{
		Type:         "update-score",
		Payload:      json.RawMessage(`{"recipient_id":"r-1","delta":5}`),
		ScheduledFor: &later,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, env.Message)
	var task dto.TaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, string(models.TaskStatusPending), task.Status)
	assert.Equal(t, 3, task.MaxRetries)

	resp, env = f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", task.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, env = f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/cancel", task.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(env.Data, &task))
	assert.Equal(t, string(models.TaskStatusCancelled), task.Status)

	resp, env = f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/cancel", task.ID), nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "TASK_NOT_CANCELLABLE", env.Error.Code)

	resp, env = f.doJSON(t, http.MethodGet, "/api/v1/tasks/777", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TASK_NOT_FOUND", env.Error.Code)
}

func TestTaskHandler_EnqueueRejections(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, env := f.doJSON(t, http.MethodPost, "/api/v1/tasks", dto.EnqueueTaskRequest{Type: "fax", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", fiber.MIMEApplicationJSON, []byte("{"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	f.store.SetUnavailable(true)
	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/tasks", dto.EnqueueTaskRequest{Type: "custom", Payload: json.RawMessage(`{"handler":"x"}`)})
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "TASK_ENQUEUE_FAILED", env.Error.Code)
}

func TestExperimentHandler(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()

	exp := testingutil.NewExperiment("Subject", "A", "B")
	require.NoError(t, f.store.Experiments().CreateWithResults(ctx, exp))
	f.store.SetResult(exp.ID, "A", 1000, 50)
	f.store.SetResult(exp.ID, "B", 1000, 90)

	resp, env := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/experiments/%d/evaluate", exp.ID), nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, env.Message)
	var result dto.EvaluateExperimentResponse
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.NotNil(t, result.WinnerVariantID)
	assert.Equal(t, "B", *result.WinnerVariantID)
	assert.Equal(t, string(models.ExperimentStatusCompleted), result.Status)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/experiments/%d/report", exp.ID), nil)
	raw, err := f.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, raw.StatusCode)
	assert.Contains(t, raw.Header.Get("Content-Disposition"), ".xlsx")
	data, err := io.ReadAll(raw.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("PK")), "xlsx is a zip archive")

	resp, env = f.doJSON(t, http.MethodPost, "/api/v1/experiments/555/evaluate", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "EXPERIMENT_NOT_FOUND", env.Error.Code)
}
