package tasks

import (
	"context"
	"fmt"
	"log/slog"
)

// Refilterer re-applies a source's current config to every open session.
type Refilterer interface {
	RefilterKind(ctx context.Context, kind string) (int, error)
}

type RefilterSourceTask struct {
	Task
	Kind       string
	refilterer Refilterer
}

func NewRefilterSourceTask(kind string, refilterer Refilterer) *RefilterSourceTask {
	return &RefilterSourceTask{
		Task:       NewTask(TaskTypeRefilterSource, kind),
		Kind:       kind,
		refilterer: refilterer,
	}
}

func (t *RefilterSourceTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	sessions, err := t.refilterer.RefilterKind(ctx, t.Kind)
	if err != nil {
		slog.Error("Task failed", "type", "RefilterSource", "source", t.Kind, "sessions", sessions, "error", err)
		return fmt.Errorf("failed to refilter %s: %w", t.Kind, err)
	}

	slog.Info("Task completed",
		"type", "RefilterSource",
		"source", t.Kind,
		"duration", t.GetDuration(),
		"sessions", sessions)

	return nil
}
