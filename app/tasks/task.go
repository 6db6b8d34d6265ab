package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeRefreshSource  TaskType = "refresh_source"
	TaskTypeRetryMarkRead  TaskType = "retry_mark_read"
	TaskTypeSweepCache     TaskType = "sweep_cache"
	TaskTypeRefilterSource TaskType = "refilter_source"
)

const (
	DefaultMaxRetries = 3
)

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	GetOwner() string
	GetRetryCount() int
	GetMaxRetries() int
	IncrementRetryCount()
	CanRetry() bool
	Start()
	GetDuration() time.Duration
}

// Task carries the bookkeeping shared by every task. Owner names what the task works
// for, usually "<user>/<source>".
type Task struct {
	ID         string
	Type       TaskType
	Owner      string
	RetryCount int
	MaxRetries int
	StartedAt  *time.Time
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

func (t *Task) GetOwner() string {
	return t.Owner
}

func (t *Task) GetRetryCount() int {
	return t.RetryCount
}

func (t *Task) GetMaxRetries() int {
	return t.MaxRetries
}

func (t *Task) IncrementRetryCount() {
	t.RetryCount++
}

func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

func NewTask(taskType TaskType, owner string) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Owner:      owner,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}
}

// FuncTask runs an arbitrary function under the scheduler's retry policy.
type FuncTask struct {
	Task
	fn func(ctx context.Context) error
}

func NewFuncTask(taskType TaskType, owner string, maxRetries int, fn func(ctx context.Context) error) *FuncTask {
	task := NewTask(taskType, owner)
	if maxRetries >= 0 {
		task.MaxRetries = maxRetries
	}
	return &FuncTask{Task: task, fn: fn}
}

func (t *FuncTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return t.fn(ctx)
}
