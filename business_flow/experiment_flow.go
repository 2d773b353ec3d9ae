package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/metrics"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"
)

const noWinnerMessage = "no winner yet"

// ExperimentFlow decides A/B test winners. It never reroutes traffic itself;
// the enrollment engine reads the stamped winner.
type ExperimentFlow interface {
	Evaluate(ctx context.Context, id uint) (*dto.EvaluateExperimentResponse, error)
	// EvaluateRunning evaluates every running experiment and returns how many got a winner
	EvaluateRunning(ctx context.Context) (int, error)
	// Report renders the variant results as an xlsx workbook
	Report(ctx context.Context, id uint) (string, []byte, error)
}

// TaskScheduler enqueues a task produced in-process
type TaskScheduler interface {
	Schedule(ctx context.Context, taskType models.TaskType, payload any, scheduledFor time.Time, maxRetries *int, ownerID string) (*models.ScheduledTask, error)
}

// ExperimentFlowImpl implements ExperimentFlow
type ExperimentFlowImpl struct {
	experimentRepo repository.ExperimentRepository
	policy         SignificancePolicy
	rc             *redis.Client
	cacheCfg       config.CacheConfig
	tasks          TaskScheduler
	clock          utils.Clock
	logger         *slog.Logger
}

// NewExperimentFlow creates the evaluator. With a redis client evaluations of the same
// experiment are serialized across processes. With a task scheduler every declared winner
// is announced through a notify task.
func NewExperimentFlow(
	experimentRepo repository.ExperimentRepository,
	policy SignificancePolicy,
	rc *redis.Client,
	cacheCfg config.CacheConfig,
	tasks TaskScheduler,
	clock utils.Clock,
	logger *slog.Logger,
) ExperimentFlow {
	return &ExperimentFlowImpl{
		experimentRepo: experimentRepo,
		policy:         policy,
		rc:             rc,
		cacheCfg:       cacheCfg,
		tasks:          tasks,
		clock:          clock,
		logger:         logger.With("component", "experiment_flow"),
	}
}

func (f *ExperimentFlowImpl) lock(ctx context.Context, id uint) (func(), error) {
	if f.rc == nil {
		return func() {}, nil
	}
	ttl := f.cacheCfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := redisKey(f.cacheCfg, utils.ExperimentLockCacheKey+strconv.FormatUint(uint64(id), 10))
	token := uuid.NewString()
	ok, err := f.rc.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, NewBusinessError("EXPERIMENT_LOCK_FAILED", "failed to acquire evaluation lock", err)
	}
	if !ok {
		return nil, ErrEvaluationBusy
	}
	return func() {
		if err := releaseLockScript.Run(context.Background(), f.rc, []string{key}, token).Err(); err != nil {
			f.logger.WarnContext(ctx, "failed to release evaluation lock", "experiment_id", id, "error", err)
		}
	}, nil
}

// releaseLockScript deletes a lock only while it still carries the caller's token.
// After the TTL lapses another evaluator may hold the key.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (f *ExperimentFlowImpl) Evaluate(ctx context.Context, id uint) (*dto.EvaluateExperimentResponse, error) {
	unlock, err := f.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exp, results, err := f.load(ctx, id)
	if err != nil {
		return nil, err
	}
	control, challengers := splitResults(exp, results)
	outcome := f.policy.Evaluate(control, challengers)
	resp := buildEvaluationResponse(exp, results, outcome)

	if exp.Status == models.ExperimentStatusCompleted {
		resp.Message = "experiment already completed"
		return resp, nil
	}
	if !outcome.HasWinner() {
		resp.Message = noWinnerMessage
		metrics.ExperimentsEvaluated.WithLabelValues("no_winner").Inc()
		return resp, nil
	}

	now := f.clock.Now()
	ok, err := f.experimentRepo.CompleteWithWinner(ctx, exp.ID, outcome.Winner, now)
	if err != nil {
		return nil, NewBusinessError("EXPERIMENT_COMPLETE_FAILED", "failed to record experiment winner", err)
	}
	if !ok {
		// completed concurrently; report what was stored
		fresh, err := f.experimentRepo.ByID(ctx, exp.ID)
		if err != nil || fresh == nil {
			return nil, NewBusinessError("EXPERIMENT_LOOKUP_FAILED", "failed to reload experiment", err)
		}
		resp.Status = fresh.Status.String()
		resp.WinnerVariantID = fresh.WinnerVariantID
		resp.CompletedAt = fresh.CompletedAt
		resp.Message = "experiment already completed"
		return resp, nil
	}

	metrics.ExperimentsEvaluated.WithLabelValues("winner").Inc()
	f.logger.InfoContext(ctx, "experiment completed", "experiment_id", exp.ID, "winner", outcome.Winner)
	f.announceWinner(ctx, exp, outcome.Winner, now)
	resp.Status = models.ExperimentStatusCompleted.String()
	resp.WinnerVariantID = utils.ToPtr(outcome.Winner)
	resp.CompletedAt = utils.ToPtr(now)
	resp.Message = fmt.Sprintf("variant %s wins", outcome.Winner)
	return resp, nil
}

// announceWinner queues an operator notification. The winner is already stored, so a
// failure here is only logged.
func (f *ExperimentFlowImpl) announceWinner(ctx context.Context, exp *models.Experiment, winner string, at time.Time) {
	if f.tasks == nil {
		return
	}
	payload := NotifyPayload{
		Message: fmt.Sprintf("Experiment %q (#%d) completed: variant %s wins over control %s",
			exp.Name, exp.ID, winner, exp.ControlVariant),
	}
	if _, err := f.tasks.Schedule(ctx, models.TaskTypeNotify, payload, at, nil, ""); err != nil {
		f.logger.WarnContext(ctx, "failed to schedule winner notification", "experiment_id", exp.ID, "error", err)
	}
}

func (f *ExperimentFlowImpl) EvaluateRunning(ctx context.Context) (int, error) {
	status := models.ExperimentStatusRunning
	running, err := f.experimentRepo.ByFilter(ctx, models.ExperimentFilter{Status: &status}, "id ASC", 0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list running experiments: %w", err)
	}
	completed := 0
	for _, exp := range running {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		resp, err := f.Evaluate(ctx, exp.ID)
		if err != nil {
			if !errors.Is(err, ErrEvaluationBusy) {
				f.logger.WarnContext(ctx, "experiment evaluation failed", "experiment_id", exp.ID, "error", err)
			}
			continue
		}
		if resp.WinnerVariantID != nil {
			completed++
		}
	}
	return completed, nil
}

func (f *ExperimentFlowImpl) load(ctx context.Context, id uint) (*models.Experiment, []*models.ExperimentResult, error) {
	exp, err := f.experimentRepo.ByID(ctx, id)
	if err != nil {
		return nil, nil, NewBusinessError("EXPERIMENT_LOOKUP_FAILED", "failed to load experiment", err)
	}
	if exp == nil {
		return nil, nil, ErrExperimentNotFound
	}
	results, err := f.experimentRepo.Results(ctx, id)
	if err != nil {
		return nil, nil, NewBusinessError("EXPERIMENT_LOOKUP_FAILED", "failed to load experiment results", err)
	}
	return exp, results, nil
}

// splitResults maps stored results onto the declared variants; a variant without a row counts as empty
func splitResults(exp *models.Experiment, results []*models.ExperimentResult) (VariantStats, []VariantStats) {
	byKey := make(map[string]*models.ExperimentResult, len(results))
	for _, r := range results {
		byKey[r.VariantKey] = r
	}
	stats := func(key string) VariantStats {
		s := VariantStats{Key: key}
		if r, ok := byKey[key]; ok {
			s.Impressions, s.Conversions = r.Impressions, r.Conversions
		}
		return s
	}
	challengers := make([]VariantStats, 0, len(exp.ChallengerVariants))
	for _, key := range exp.ChallengerVariants {
		challengers = append(challengers, stats(key))
	}
	return stats(exp.ControlVariant), challengers
}

func buildEvaluationResponse(exp *models.Experiment, results []*models.ExperimentResult, outcome SignificanceResult) *dto.EvaluateExperimentResponse {
	byKey := make(map[string]*models.ExperimentResult, len(results))
	for _, r := range results {
		byKey[r.VariantKey] = r
	}
	outcomes := make(map[string]ChallengerOutcome, len(outcome.Challengers))
	for _, o := range outcome.Challengers {
		outcomes[o.Key] = o
	}

	resp := &dto.EvaluateExperimentResponse{
		ExperimentID:    exp.ID,
		Status:          exp.Status.String(),
		WinnerVariantID: exp.WinnerVariantID,
		CompletedAt:     exp.CompletedAt,
	}
	for i, key := range exp.Variants() {
		v := dto.VariantResultResponse{VariantKey: key, Control: i == 0}
		if r, ok := byKey[key]; ok {
			v.Impressions, v.Opens, v.Clicks, v.Conversions = r.Impressions, r.Opens, r.Clicks, r.Conversions
			v.ConversionRate = r.ConversionRate
		}
		if o, ok := outcomes[key]; ok && i > 0 {
			if !math.IsInf(o.Lift, 0) {
				v.Lift = utils.ToPtr(o.Lift)
			}
			v.ZScore = utils.ToPtr(o.Z)
			v.Significant = o.Significant
		}
		resp.Variants = append(resp.Variants, v)
	}
	return resp
}

func (f *ExperimentFlowImpl) Report(ctx context.Context, id uint) (string, []byte, error) {
	exp, results, err := f.load(ctx, id)
	if err != nil {
		return "", nil, err
	}
	control, challengers := splitResults(exp, results)
	resp := buildEvaluationResponse(exp, results, f.policy.Evaluate(control, challengers))

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	sheet := sanitizeSheetName(exp.Name)
	if err := xl.SetSheetName(xl.GetSheetName(0), sheet); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "failed to name report sheet", err)
	}

	header := []string{"variant", "control", "impressions", "opens", "clicks", "conversions", "conversion_rate", "lift", "z_score", "significant", "winner"}
	if err := xl.SetSheetRow(sheet, "A1", &header); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "failed to write report header", err)
	}
	winner := utils.Deref(exp.WinnerVariantID)
	for ri, v := range resp.Variants {
		record := []any{
			v.VariantKey,
			v.Control,
			v.Impressions,
			v.Opens,
			v.Clicks,
			v.Conversions,
			v.ConversionRate,
			optionalFloat(v.Lift),
			optionalFloat(v.ZScore),
			v.Significant,
			v.VariantKey == winner,
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, ri+2)
		if err := xl.SetSheetRow(sheet, cellRef, &record); err != nil {
			return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "failed to write report row", err)
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "failed to write Excel file", err)
	}
	return fmt.Sprintf("experiment_%d_results.xlsx", exp.ID), buf.Bytes(), nil
}

func optionalFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeSheetName(name string) string {
	// Excel sheet names cannot contain : \ / ? * [ ], start or end with ' or exceed 31 characters
	replacer := strings.NewReplacer(":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_")
	safe := []rune(strings.Trim(replacer.Replace(name), "' "))
	if len(safe) > 31 {
		safe = safe[:31]
	}
	if out := strings.Trim(string(safe), "' "); out != "" {
		return out
	}
	return "Sheet"
}
