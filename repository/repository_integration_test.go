package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withDB runs fn against a freshly migrated postgres database. Set TEST_DB_HOST to enable.
func withDB(t *testing.T, fn func(t *testing.T, tdb *testingutil.TestDB)) {
	t.Helper()
	if !testingutil.DBAvailable() {
		t.Skip("TEST_DB_HOST not set; skipping postgres integration test")
	}
	err := testingutil.TestWithDB(func(tdb *testingutil.TestDB) error {
		fn(t, tdb)
		return nil
	})
	require.NoError(t, err)
}

func TestScheduledTaskRepository_ClaimDueIsExclusive(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		repo := repository.NewScheduledTaskRepository(tdb.DB)

		const total = 40
		for i := 0; i < total; i++ {
			task := testingutil.NewTask(models.TaskTypeNotify, map[string]string{"message": "hi"},
				testingutil.T0.Add(time.Duration(i)*time.Second), 3)
			require.NoError(t, repo.Save(ctx, task))
		}
		// Not yet due
		require.NoError(t, repo.Save(ctx, testingutil.NewTask(models.TaskTypeNotify, nil, testingutil.T0.Add(time.Hour), 3)))

		now := testingutil.T0.Add(time.Minute)
		var (
			mu   sync.Mutex
			seen = map[uint]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					claimed, err := repo.ClaimDue(ctx, now, 7)
					if !assert.NoError(t, err) || len(claimed) == 0 {
						return
					}
					mu.Lock()
					for _, c := range claimed {
						seen[c.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %d claimed more than once", id)
		}
	})
}

func TestScheduledTaskRepository_Transitions(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		repo := repository.NewScheduledTaskRepository(tdb.DB)

		task := testingutil.NewTask(models.TaskTypeNotify, nil, testingutil.T0, 3)
		require.NoError(t, repo.Save(ctx, task))

		// Only processing tasks can complete
		ok, err := repo.MarkCompleted(ctx, task.ID, testingutil.T0)
		require.NoError(t, err)
		assert.False(t, ok)

		claimed, err := repo.ClaimDue(ctx, testingutil.T0, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		ok, err = repo.Reschedule(ctx, task.ID, 1, testingutil.T0.Add(time.Hour), "smtp timeout")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.ByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		ok, err = repo.Cancel(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		claimed, err = repo.ClaimDue(ctx, testingutil.T0.Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestScheduledTaskRepository_FailStale(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		repo := repository.NewScheduledTaskRepository(tdb.DB)

		require.NoError(t, repo.Save(ctx, testingutil.NewTask(models.TaskTypeNotify, nil, testingutil.T0, 3)))
		_, err := repo.ClaimDue(ctx, testingutil.T0, 10)
		require.NoError(t, err)

		n, err := repo.FailStale(ctx, testingutil.T0.Add(-time.Minute), "stale")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.FailStale(ctx, testingutil.T0.Add(time.Minute), "stale")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestEnrollmentStepStateRepository_FirstWriterWins(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		campaigns := repository.NewCampaignRepository(tdb.DB)
		enrollments := repository.NewEnrollmentRepository(tdb.DB)
		states := repository.NewEnrollmentStepStateRepository(tdb.DB)

		c := testingutil.NewCampaign("onboarding", 0, 2)
		require.NoError(t, campaigns.CreateWithSteps(ctx, c))
		e := testingutil.NewEnrollment(c.ID, "r-1", testingutil.T0)
		require.NoError(t, enrollments.Save(ctx, e))

		first := testingutil.T0.Add(time.Hour)
		ok, err := states.RecordFirstOccurrence(ctx, models.StepOccurrence{
			EnrollmentID: e.ID, StepNumber: 1, Type: models.EmailEventOpened, At: first,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = states.RecordFirstOccurrence(ctx, models.StepOccurrence{
			EnrollmentID: e.ID, StepNumber: 1, Type: models.EmailEventOpened, At: first.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.False(t, ok)

		st, err := states.ByEnrollmentAndStep(ctx, e.ID, 1)
		require.NoError(t, err)
		require.NotNil(t, st.OpenedAt)
		assert.True(t, st.OpenedAt.Equal(first))
	})
}

func TestEnrollmentRepository_TerminalRowsAreFrozen(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		campaigns := repository.NewCampaignRepository(tdb.DB)
		enrollments := repository.NewEnrollmentRepository(tdb.DB)

		c := testingutil.NewCampaign("winback", 0, 1, 3)
		require.NoError(t, campaigns.CreateWithSteps(ctx, c))
		e := testingutil.NewEnrollment(c.ID, "r-2", testingutil.T0)
		require.NoError(t, enrollments.Save(ctx, e))

		ok, err := enrollments.MarkUnsubscribed(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = enrollments.Advance(ctx, e.ID, 0, 1, testingutil.T0, false)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = enrollments.MarkUnsubscribed(ctx, e.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := enrollments.ByID(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EnrollmentStatusUnsubscribed, got.Status)
		assert.Equal(t, 0, got.CurrentStepNumber)
	})
}

func TestLeadScoreRepository_AddScore(t *testing.T) {
	withDB(t, func(t *testing.T, tdb *testingutil.TestDB) {
		ctx := context.Background()
		repo := repository.NewLeadScoreRepository(tdb.DB)

		total, err := repo.AddScore(ctx, "r-3", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)

		total, err = repo.AddScore(ctx, "r-3", -2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
	})
}
