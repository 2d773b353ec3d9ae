package testing

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/google/uuid"
)

// T0 is a fixed start instant used by time-driven tests
var T0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock. Pass its Now method where a utils.Clock is expected.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// MessageActionConfig builds a message step action config
func MessageActionConfig(subject, body string) []byte {
	bs, _ := json.Marshal(map[string]string{"subject": subject, "body": body})
	return bs
}

// NewCampaign builds an unsaved active campaign with one message step per delay
func NewCampaign(name string, delays ...int) *models.Campaign {
	c := &models.Campaign{Name: name, Status: models.CampaignStatusActive}
	for i, d := range delays {
		c.Steps = append(c.Steps, models.CampaignStep{
			StepNumber: i + 1,
			DelayDays:  d,
			Channel:    models.StepChannelMessage,
			ActionConfig: MessageActionConfig(
				fmt.Sprintf("Step %d for {{.Name}}", i+1),
				fmt.Sprintf("Hello {{.Name}}, this is step %d of %s.", i+1, name),
			),
		})
	}
	return c
}

// NewEnrollment builds an unsaved active enrollment at step 0
func NewEnrollment(campaignID uint, recipientID string, startedAt time.Time) *models.Enrollment {
	return &models.Enrollment{
		CampaignID:       campaignID,
		RecipientID:      recipientID,
		RecipientAddress: recipientID + "@example.com",
		RecipientName:    "Recipient " + recipientID,
		Status:           models.EnrollmentStatusActive,
		StartedAt:        startedAt.UTC(),
	}
}

// NewTask builds an unsaved pending task
func NewTask(taskType models.TaskType, payload any, scheduledFor time.Time, maxRetries int) *models.ScheduledTask {
	raw, _ := json.Marshal(payload)
	return &models.ScheduledTask{
		UUID:         uuid.New(),
		Type:         taskType,
		Payload:      raw,
		Status:       models.TaskStatusPending,
		ScheduledFor: scheduledFor.UTC(),
		MaxRetries:   maxRetries,
	}
}

// NewExperiment builds an unsaved running experiment
func NewExperiment(name, control string, challengers ...string) *models.Experiment {
	return &models.Experiment{
		Name:               name,
		Status:             models.ExperimentStatusRunning,
		ControlVariant:     control,
		ChallengerVariants: challengers,
	}
}
