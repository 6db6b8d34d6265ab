package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lysyi3m/inbox-sync/app/backend"
)

// Source is the backend side of one inbox kind.
type Source interface {
	Kind() Kind
	Fetch(ctx context.Context, userID string) ([]Item, error)
	MarkRead(ctx context.Context, userID, itemID string) error
	// MarkAllRead returns the ids the backend did not confirm.
	MarkAllRead(ctx context.Context, userID string, itemIDs []string) ([]string, error)
}

type normalizer func(backend.Row) (Item, error)

// backendSource serves both kinds; only the row normalizer and the config differ.
type backendSource struct {
	kind      Kind
	client    backend.Client
	configs   *ConfigCache
	filterer  *Filterer
	normalize normalizer
}

func NewNotificationSource(client backend.Client, configs *ConfigCache) Source {
	return &backendSource{
		kind:      KindNotification,
		client:    client,
		configs:   configs,
		filterer:  NewFilterer(),
		normalize: normalizeNotification,
	}
}

func NewMessageSource(client backend.Client, configs *ConfigCache) Source {
	return &backendSource{
		kind:      KindMessage,
		client:    client,
		configs:   configs,
		filterer:  NewFilterer(),
		normalize: normalizeMessage,
	}
}

func (s *backendSource) Kind() Kind {
	return s.kind
}

func (s *backendSource) Fetch(ctx context.Context, userID string) ([]Item, error) {
	config := s.configs.GetConfig(s.kind)

	rows, err := s.client.Query(ctx,
		config.Source.Collection,
		backend.Filter{config.Source.UserColumn: userID},
		backend.Order{Column: config.Source.OrderColumn, Descending: true},
		config.Source.Limit,
	)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := s.normalize(row)
		if err != nil {
			slog.Warn("Skipping malformed row", "source", s.kind, "user", userID, "error", err)
			continue
		}
		items = append(items, item)
	}

	return s.filterer.Run(items, config), nil
}

func (s *backendSource) MarkRead(ctx context.Context, userID, itemID string) error {
	config := s.configs.GetConfig(s.kind)

	if fn := config.Source.MarkReadFunction; fn != "" {
		_, err := s.client.CallRemoteFunction(ctx, fn, s.markReadArgs(userID, itemID))
		return err
	}

	_, err := s.client.Mutate(ctx, config.Source.Collection, itemID, map[string]any{"read": true})
	return err
}

func (s *backendSource) MarkAllRead(ctx context.Context, userID string, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}

	config := s.configs.GetConfig(s.kind)

	if fn := config.Source.MarkAllReadFunction; fn != "" {
		_, err := s.client.CallRemoteFunction(ctx, fn, map[string]any{
			"user_id":  userID,
			"item_ids": itemIDs,
		})
		if err != nil {
			return itemIDs, err
		}
		return nil, nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
		errs   []error
	)

	for _, id := range itemIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.MarkRead(ctx, userID, id); err != nil {
				mu.Lock()
				failed = append(failed, id)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return failed, errors.Join(errs...)
}

func (s *backendSource) markReadArgs(userID, itemID string) map[string]any {
	if s.kind == KindMessage {
		return map[string]any{"comment_id": itemID, "user_id": userID}
	}
	return map[string]any{"notification_id": itemID, "user_id": userID}
}
