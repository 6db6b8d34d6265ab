package tasks

import (
	"context"
	"log/slog"
)

type SweepCacheTask struct {
	Task
	sweepers []Sweeper
}

func NewSweepCacheTask(sweepers []Sweeper) *SweepCacheTask {
	task := NewTask(TaskTypeSweepCache, "cache")
	task.MaxRetries = 0
	return &SweepCacheTask{
		Task:     task,
		sweepers: sweepers,
	}
}

func (t *SweepCacheTask) Execute(ctx context.Context) error {
	evicted := 0
	for _, sweeper := range t.sweepers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		evicted += sweeper.Sweep()
	}

	slog.Debug("Task completed",
		"type", "SweepCache",
		"duration", t.GetDuration(),
		"sweepers", len(t.sweepers),
		"evicted", evicted)

	return nil
}
