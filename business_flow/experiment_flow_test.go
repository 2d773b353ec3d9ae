package businessflow

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logging"
	"github.com/amirphl/Kusanagi/models"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func (h *harness) seedExperiment(t *testing.T, name, control string, challengers ...string) *models.Experiment {
	t.Helper()
	exp := testingutil.NewExperiment(name, control, challengers...)
	require.NoError(t, h.store.Experiments().CreateWithResults(context.Background(), exp))
	return exp
}

func TestExperimentFlow_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("NoWinnerBelowFloor", func(t *testing.T) {
		h := newHarness(t)
		exp := h.seedExperiment(t, "subject", "A", "B")
		h.store.SetResult(exp.ID, "A", 50, 5)
		h.store.SetResult(exp.ID, "B", 200, 60)

		resp, err := h.experiments.Evaluate(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, "no winner yet", resp.Message)
		assert.Nil(t, resp.WinnerVariantID)
		assert.Equal(t, models.ExperimentStatusRunning.String(), resp.Status)
		require.Len(t, resp.Variants, 2)
		assert.True(t, resp.Variants[0].Control)
		assert.False(t, resp.Variants[1].Significant)

		stored, err := h.store.Experiments().ByID(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExperimentStatusRunning, stored.Status)
		assert.Nil(t, stored.WinnerVariantID)
	})

	t.Run("WinnerCompletesExperiment", func(t *testing.T) {
		h := newHarness(t)
		exp := h.seedExperiment(t, "subject", "A", "B", "C")
		h.store.SetResult(exp.ID, "A", 400, 40)
		h.store.SetResult(exp.ID, "B", 200, 50)
		h.store.SetResult(exp.ID, "C", 200, 40)

		resp, err := h.experiments.Evaluate(ctx, exp.ID)
		require.NoError(t, err)
		require.NotNil(t, resp.WinnerVariantID)
		assert.Equal(t, "B", *resp.WinnerVariantID)
		assert.Equal(t, "variant B wins", resp.Message)
		assert.Equal(t, models.ExperimentStatusCompleted.String(), resp.Status)

		stored, err := h.store.Experiments().ByID(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExperimentStatusCompleted, stored.Status)
		require.NotNil(t, stored.WinnerVariantID)
		assert.Equal(t, "B", *stored.WinnerVariantID)
		require.NotNil(t, stored.CompletedAt)
		assert.True(t, stored.CompletedAt.Equal(h.clock.Now()))

		// Re-evaluation never changes the declared winner
		h.store.SetResult(exp.ID, "C", 200, 150)
		again, err := h.experiments.Evaluate(ctx, exp.ID)
		require.NoError(t, err)
		assert.Equal(t, "experiment already completed", again.Message)
		assert.Equal(t, "B", *again.WinnerVariantID)
	})

	t.Run("InfiniteLiftOmitted", func(t *testing.T) {
		h := newHarness(t)
		exp := h.seedExperiment(t, "cold", "A", "B")
		h.store.SetResult(exp.ID, "A", 400, 0)
		h.store.SetResult(exp.ID, "B", 100, 10)

		resp, err := h.experiments.Evaluate(ctx, exp.ID)
		require.NoError(t, err)
		assert.Nil(t, resp.Variants[1].Lift)
		assert.NotNil(t, resp.Variants[1].ZScore)
		assert.Equal(t, "B", *resp.WinnerVariantID)
	})

	t.Run("NotFound", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.experiments.Evaluate(ctx, 404)
		assert.True(t, IsExperimentNotFound(err))
	})
}

func TestExperimentFlow_EvaluateRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	decided := h.seedExperiment(t, "decided", "A", "B")
	h.store.SetResult(decided.ID, "A", 400, 40)
	h.store.SetResult(decided.ID, "B", 100, 25)

	undecided := h.seedExperiment(t, "undecided", "A", "B")
	h.store.SetResult(undecided.ID, "A", 100, 10)
	h.store.SetResult(undecided.ID, "B", 100, 30)

	n, err := h.experiments.EvaluateRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Completed experiments are not evaluated again
	n, err = h.experiments.EvaluateRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := h.store.Experiments().ByID(ctx, undecided.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusRunning, stored.Status)
}

func TestExperimentFlow_Report(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	exp := h.seedExperiment(t, "Subject [spring]", "A", "B")
	h.store.SetResult(exp.ID, "A", 400, 40)
	h.store.SetResult(exp.ID, "B", 100, 20)
	_, err := h.experiments.Evaluate(ctx, exp.ID)
	require.NoError(t, err)

	filename, data, err := h.experiments.Report(ctx, exp.ID)
	require.NoError(t, err)
	assert.Contains(t, filename, ".xlsx")

	xl, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer xl.Close()

	sheet := xl.GetSheetName(0)
	assert.Equal(t, "Subject _spring_", sheet)
	rows, err := xl.GetRows(sheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "variant", rows[0][0])
	assert.Equal(t, "winner", rows[0][10])
	assert.Equal(t, "A", rows[1][0])
	assert.Equal(t, "B", rows[2][0])
	assert.Equal(t, "TRUE", rows[2][10])
}

func TestExperimentFlow_ReportAwkwardNames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	long := strings.Repeat("آزمایش ", 8)
	for name, want := range map[string]string{
		"'Quarter test'": "Quarter test",
		long:             strings.TrimSpace(string([]rune(long)[:31])),
		"''":             "Sheet",
	} {
		exp := h.seedExperiment(t, name, "A", "B")
		_, data, err := h.experiments.Report(ctx, exp.ID)
		require.NoError(t, err, name)

		xl, err := excelize.OpenReader(bytes.NewReader(data))
		require.NoError(t, err)
		sheet := xl.GetSheetName(0)
		_ = xl.Close()
		assert.Equal(t, want, sheet, name)
		assert.True(t, utf8.ValidString(sheet), name)
		assert.LessOrEqual(t, utf8.RuneCountInString(sheet), 31, name)
	}
}

// TestExperimentFlow_StaleUnlockKeepsNewHolder needs a redis server. Set TEST_REDIS_URL to enable.
func TestExperimentFlow_StaleUnlockKeepsNewHolder(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set; skipping redis lock test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rc := redis.NewClient(opts)
	defer rc.Close()

	ctx := context.Background()
	h := newHarness(t)
	cfg := config.CacheConfig{RedisPrefix: "kusanagi-test:" + uuid.NewString() + ":", LockTTL: time.Minute}
	flow := NewExperimentFlow(h.store.Experiments(), PolicyFromConfig(config.ExperimentConfig{}), rc, cfg, nil, h.clock.Now, logging.Discard()).(*ExperimentFlowImpl)

	unlock, err := flow.lock(ctx, 7)
	require.NoError(t, err)
	_, err = flow.lock(ctx, 7)
	assert.ErrorIs(t, err, ErrEvaluationBusy)

	// The first holder's TTL lapses and a second evaluator takes over
	require.NoError(t, rc.Del(ctx, redisKey(cfg, utils.ExperimentLockCacheKey+"7")).Err())
	unlockSecond, err := flow.lock(ctx, 7)
	require.NoError(t, err)

	unlock()
	_, err = flow.lock(ctx, 7)
	assert.ErrorIs(t, err, ErrEvaluationBusy, "a stale release must not free the new holder's lock")

	unlockSecond()
	unlockThird, err := flow.lock(ctx, 7)
	require.NoError(t, err)
	unlockThird()
}

func TestExperimentFlow_WinnerSchedulesNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	flow := NewExperimentFlow(h.store.Experiments(), PolicyFromConfig(config.ExperimentConfig{}), nil,
		config.CacheConfig{}, h.tasks, h.clock.Now, logging.Discard())
	notify := models.TaskTypeNotify

	exp := h.seedExperiment(t, "subject", "A", "B")
	h.store.SetResult(exp.ID, "A", 50, 5)
	h.store.SetResult(exp.ID, "B", 200, 60)
	_, err := flow.Evaluate(ctx, exp.ID)
	require.NoError(t, err)

	queued, err := h.store.Tasks().ByFilter(ctx, models.ScheduledTaskFilter{Type: &notify}, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, queued, "no notification without a winner")

	h.store.SetResult(exp.ID, "A", 400, 40)
	h.store.SetResult(exp.ID, "B", 400, 100)
	resp, err := flow.Evaluate(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, resp.WinnerVariantID)

	queued, err = h.store.Tasks().ByFilter(ctx, models.ScheduledTaskFilter{Type: &notify}, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, models.TaskStatusPending, queued[0].Status)

	var payload NotifyPayload
	require.NoError(t, json.Unmarshal(queued[0].Payload, &payload))
	assert.Contains(t, payload.Message, "variant B wins")

	// Re-evaluating a completed experiment does not announce twice
	_, err = flow.Evaluate(ctx, exp.ID)
	require.NoError(t, err)
	queued, err = h.store.Tasks().ByFilter(ctx, models.ScheduledTaskFilter{Type: &notify}, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}
