package tasks

import "context"

// TaskSchedulerInterface is what the inbox engine and the companion server need
// from the background worker pool.
//
//	scheduler := NewScheduler(Options{WorkerCount: 4, SweepInterval: time.Minute})
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.Submit(TaskTypeRefreshSource, "user42/message", 0, adapter.Refresh)
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	Submit(taskType TaskType, owner string, maxRetries int, fn func(ctx context.Context) error) error
	AddSweeper(sweeper Sweeper)
}

// Sweeper drops expired entries and reports how many it removed.
type Sweeper interface {
	Sweep() int
}
