package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"gorm.io/datatypes"
)

// TaskFlow is the enqueue side of the task store
type TaskFlow interface {
	Enqueue(ctx context.Context, req *dto.EnqueueTaskRequest) (*dto.TaskResponse, error)
	// Schedule enqueues a task produced in-process. A nil maxRetries takes the configured default.
	Schedule(ctx context.Context, taskType models.TaskType, payload any, scheduledFor time.Time, maxRetries *int, ownerID string) (*models.ScheduledTask, error)
	GetTask(ctx context.Context, id uint) (*dto.TaskResponse, error)
	CancelTask(ctx context.Context, id uint) (*dto.TaskResponse, error)
}

// TaskFlowImpl implements TaskFlow
type TaskFlowImpl struct {
	taskRepo          repository.ScheduledTaskRepository
	defaultMaxRetries int
	clock             utils.Clock
}

func NewTaskFlow(taskRepo repository.ScheduledTaskRepository, defaultMaxRetries int, clock utils.Clock) TaskFlow {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = utils.DefaultMaxRetries
	}
	return &TaskFlowImpl{taskRepo: taskRepo, defaultMaxRetries: defaultMaxRetries, clock: clock}
}

func (f *TaskFlowImpl) Enqueue(ctx context.Context, req *dto.EnqueueTaskRequest) (*dto.TaskResponse, error) {
	if req == nil {
		return nil, NewBusinessError("INVALID_TASK", "request is required", ErrInvalidTaskPayload)
	}
	taskType := models.TaskType(req.Type)
	if !taskType.Valid() {
		return nil, NewBusinessErrorf("INVALID_TASK_TYPE", "unknown task type %q", ErrInvalidTaskType, req.Type)
	}
	if !json.Valid(req.Payload) {
		return nil, NewBusinessError("INVALID_TASK_PAYLOAD", "payload must be valid JSON", ErrInvalidTaskPayload)
	}
	if taskType == models.TaskTypeCustom {
		if _, err := customHandlerName(req.Payload); err != nil {
			return nil, NewBusinessError("INVALID_TASK_PAYLOAD", "custom tasks must name a handler", err)
		}
	}

	scheduledFor := f.clock.Now()
	if req.ScheduledFor != nil {
		scheduledFor = req.ScheduledFor.UTC()
	}

	task, err := f.schedule(ctx, taskType, datatypes.JSON(req.Payload), scheduledFor, req.MaxRetries, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return ToTaskResponse(task), nil
}

func (f *TaskFlowImpl) Schedule(ctx context.Context, taskType models.TaskType, payload any, scheduledFor time.Time, maxRetries *int, ownerID string) (*models.ScheduledTask, error) {
	if !taskType.Valid() {
		return nil, ErrInvalidTaskType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaskPayload, err)
	}
	return f.schedule(ctx, taskType, raw, scheduledFor.UTC(), maxRetries, ownerID)
}

func (f *TaskFlowImpl) schedule(ctx context.Context, taskType models.TaskType, payload datatypes.JSON, scheduledFor time.Time, maxRetries *int, ownerID string) (*models.ScheduledTask, error) {
	retries := f.defaultMaxRetries
	if maxRetries != nil {
		if *maxRetries < 0 {
			return nil, NewBusinessError("INVALID_MAX_RETRIES", "max_retries must not be negative", ErrInvalidTaskPayload)
		}
		retries = *maxRetries
	}

	task := &models.ScheduledTask{
		OwnerID:      ownerID,
		Type:         taskType,
		Payload:      payload,
		Status:       models.TaskStatusPending,
		ScheduledFor: scheduledFor,
		MaxRetries:   retries,
	}
	if err := f.taskRepo.Save(ctx, task); err != nil {
		return nil, NewBusinessError("TASK_ENQUEUE_FAILED", "failed to enqueue task", err)
	}
	return task, nil
}

func (f *TaskFlowImpl) GetTask(ctx context.Context, id uint) (*dto.TaskResponse, error) {
	task, err := f.taskRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("TASK_LOOKUP_FAILED", "failed to load task", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return ToTaskResponse(task), nil
}

// CancelTask only moves pending tasks. A task already claimed runs to its end.
func (f *TaskFlowImpl) CancelTask(ctx context.Context, id uint) (*dto.TaskResponse, error) {
	ok, err := f.taskRepo.Cancel(ctx, id)
	if err != nil {
		return nil, NewBusinessError("TASK_CANCEL_FAILED", "failed to cancel task", err)
	}
	task, err := f.taskRepo.ByID(ctx, id)
	if err != nil {
		return nil, NewBusinessError("TASK_LOOKUP_FAILED", "failed to load task", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if !ok {
		return nil, NewBusinessErrorf("TASK_NOT_CANCELLABLE", "task %d is %s", ErrTaskNotCancellable, id, task.Status)
	}
	return ToTaskResponse(task), nil
}

// ToTaskResponse converts a task model to its API representation
func ToTaskResponse(t *models.ScheduledTask) *dto.TaskResponse {
	return &dto.TaskResponse{
		ID:           t.ID,
		UUID:         t.UUID.String(),
		OwnerID:      t.OwnerID,
		Type:         t.Type.String(),
		Status:       t.Status.String(),
		Payload:      json.RawMessage(t.Payload),
		ScheduledFor: t.ScheduledFor,
		ExecutedAt:   t.ExecutedAt,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt,
	}
}
