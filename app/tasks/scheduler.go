package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Options struct {
	WorkerCount    int
	SweepInterval  time.Duration
	QueueSize      int
	TaskTimeout    time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

type Scheduler struct {
	interval       time.Duration
	workerCount    int
	taskTimeout    time.Duration
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	taskQueue      chan TaskInterface

	mu       sync.RWMutex
	sweepers []Sweeper
}

func NewScheduler(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 300
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}

	return &Scheduler{
		interval:       opts.SweepInterval,
		workerCount:    opts.WorkerCount,
		taskTimeout:    opts.TaskTimeout,
		baseRetryDelay: opts.BaseRetryDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		ctx:            ctx,
		cancel:         cancel,
		taskQueue:      make(chan TaskInterface, opts.QueueSize),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueSweep()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Submit wraps fn in a FuncTask. A negative maxRetries keeps DefaultMaxRetries.
func (s *Scheduler) Submit(taskType TaskType, owner string, maxRetries int, fn func(ctx context.Context) error) error {
	return s.EnqueueTask(NewFuncTask(taskType, owner, maxRetries, fn))
}

func (s *Scheduler) AddSweeper(sweeper Sweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepers = append(s.sweepers, sweeper)
}

func (s *Scheduler) enqueueSweep() {
	s.mu.RLock()
	sweepers := append([]Sweeper(nil), s.sweepers...)
	s.mu.RUnlock()

	if len(sweepers) == 0 {
		return
	}

	if err := s.EnqueueTask(NewSweepCacheTask(sweepers)); err != nil {
		slog.Warn("Failed to enqueue SweepCacheTask", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "owner", task.GetOwner(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "owner", task.GetOwner(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.baseRetryDelay << uint(task.GetRetryCount()-1)
	if retryDelay > s.maxRetryDelay {
		retryDelay = s.maxRetryDelay
	}

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "owner", task.GetOwner(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			return
		case <-timer.C:
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
