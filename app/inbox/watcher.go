package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads source configs whenever a .yml file in the sources directory
// changes. A removed file reverts its kind to the defaults. Watch blocks until
// ctx is done.
func (cc *ConfigCache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(cc.sourcesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cc.sourcesDir, err)
	}

	slog.Info("Watching source configs", "dir", cc.sourcesDir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			cc.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Source config watcher error", "error", err)
		}
	}
}

func (cc *ConfigCache) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != ".yml" {
		return
	}

	kind, err := kindFromPath(event.Name)
	if err != nil {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		cc.Forget(kind)
		slog.Info("Source config removed, using defaults", "source", kind)
		cc.reloaded(kind)

	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		config, err := cc.LoadConfig(kind)
		if err != nil {
			// keep serving the previous config
			slog.Error("Failed to reload source config", "source", kind, "error", err)
			return
		}
		slog.Info("Source config reloaded", "source", kind, "collection", config.Source.Collection, "mutes", len(config.Mutes))
		cc.reloaded(kind)
	}
}
