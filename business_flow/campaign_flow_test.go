package businessflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const campaignYAML = `
name: Spring onboarding
tags: [onboarding, spring]
steps:
  - step_number: 2
    delay_days: 3
    channel: message
    action_config:
      subject: "Tips for {{.Name}}"
      body: "Here is what to try next."
    experiment:
      name: tips subject
      control: A
      challengers: [B, C]
  - step_number: 1
    delay_days: 0
    channel: message
    action_config:
      subject: "Welcome {{.Name}}"
      body: "Glad you are here."
  - step_number: 3
    delay_days: 7
    channel: social-post
    action_config:
      post_text: "Thanks for joining!"
      body: "Thanks for joining!"
`

func TestCampaignFlow_ImportYAML(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	resp, err := h.campaigns.ImportCampaignYAML(ctx, []byte(campaignYAML))
	require.NoError(t, err)
	assert.Equal(t, "Spring onboarding", resp.Name)
	assert.Equal(t, models.CampaignStatusActive.String(), resp.Status)
	assert.Equal(t, []string{"onboarding", "spring"}, resp.Tags)
	require.Len(t, resp.Steps, 3)

	// Steps come back ordered by number
	for i, s := range resp.Steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Equal(t, 3, resp.Steps[1].DelayDays)
	assert.Equal(t, "social-post", resp.Steps[2].Channel)
	assert.Nil(t, resp.Steps[0].ExperimentID)
	require.NotNil(t, resp.Steps[1].ExperimentID)

	var action map[string]any
	require.NoError(t, json.Unmarshal(resp.Steps[0].ActionConfig, &action))
	assert.Equal(t, "Welcome {{.Name}}", action["subject"])

	exp, err := h.store.Experiments().ByID(ctx, *resp.Steps[1].ExperimentID)
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, "A", exp.ControlVariant)
	assert.Equal(t, []string{"B", "C"}, []string(exp.ChallengerVariants))
	results, err := h.store.Experiments().Results(ctx, exp.ID)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	got, err := h.campaigns.GetCampaign(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Steps, got.Steps)
}

func TestCampaignFlow_ImportRejections(t *testing.T) {
	ctx := context.Background()
	step := func(n int) dto.CampaignStepRequest {
		return dto.CampaignStepRequest{
			StepNumber:   n,
			Channel:      "message",
			ActionConfig: map[string]any{"body": "hi"},
		}
	}

	tests := []struct {
		name string
		req  *dto.ImportCampaignRequest
	}{
		{"GapInSteps", &dto.ImportCampaignRequest{Name: "gap", Steps: []dto.CampaignStepRequest{step(1), step(3)}}},
		{"DuplicateStep", &dto.ImportCampaignRequest{Name: "dup", Steps: []dto.CampaignStepRequest{step(1), step(1)}}},
		{"NoSteps", &dto.ImportCampaignRequest{Name: "none"}},
		{"UnknownChannel", &dto.ImportCampaignRequest{Name: "fax", Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, Channel: "fax", ActionConfig: map[string]any{"body": "hi"},
		}}}},
		{"NegativeDelay", &dto.ImportCampaignRequest{Name: "neg", Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, DelayDays: -1, Channel: "message", ActionConfig: map[string]any{"body": "hi"},
		}}}},
		{"ControlAmongChallengers", &dto.ImportCampaignRequest{Name: "exp", Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, Channel: "message", ActionConfig: map[string]any{"body": "hi"},
			Experiment: &dto.ExperimentRequest{Name: "x", Control: "A", Challengers: []string{"A", "B"}},
		}}}},
		{"DuplicateChallengers", &dto.ImportCampaignRequest{Name: "exp3", Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, Channel: "message", ActionConfig: map[string]any{"body": "hi"},
			Experiment: &dto.ExperimentRequest{Name: "x", Control: "A", Challengers: []string{"B", "B"}},
		}}}},
		{"ExperimentWithoutChallengers", &dto.ImportCampaignRequest{Name: "exp2", Steps: []dto.CampaignStepRequest{{
			StepNumber: 1, Channel: "message", ActionConfig: map[string]any{"body": "hi"},
			Experiment: &dto.ExperimentRequest{Name: "x", Control: "A"},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.campaigns.ImportCampaign(ctx, tt.req)
			assert.True(t, IsCampaignInvalid(err), "got %v", err)

			campaigns, err := h.store.Campaigns().ByFilter(ctx, models.CampaignFilter{}, "", 0, 0)
			require.NoError(t, err)
			assert.Empty(t, campaigns)
		})
	}

	t.Run("MissingName", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.campaigns.ImportCampaign(ctx, &dto.ImportCampaignRequest{Steps: []dto.CampaignStepRequest{step(1)}})
		assert.ErrorIs(t, err, ErrCampaignNameMissing)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.campaigns.ImportCampaignYAML(ctx, []byte("name: [unterminated"))
		assert.True(t, IsCampaignInvalid(err))
	})
}

func TestCampaignFlow_PauseResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	campaign := h.seedCampaign(t, "toggle", 0)

	resp, err := h.campaigns.PauseCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused.String(), resp.Status)

	stored, err := h.store.Campaigns().ByID(ctx, campaign.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPaused())

	// Pausing twice is harmless
	_, err = h.campaigns.PauseCampaign(ctx, campaign.ID)
	require.NoError(t, err)

	resp, err = h.campaigns.ResumeCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive.String(), resp.Status)

	_, err = h.campaigns.PauseCampaign(ctx, 999)
	assert.True(t, IsCampaignNotFound(err))
	_, err = h.campaigns.GetCampaign(ctx, 999)
	assert.True(t, IsCampaignNotFound(err))
}
