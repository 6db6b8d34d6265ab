package inbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type ConfigCache struct {
	sourcesDir string
	cache      map[Kind]*SourceConfig
	onReload   []func(Kind)
	mu         sync.RWMutex
}

func NewConfigCache(sourcesDir string) *ConfigCache {
	return &ConfigCache{
		sourcesDir: sourcesDir,
		cache:      make(map[Kind]*SourceConfig),
	}
}

func (cc *ConfigCache) Run() error {
	if cc.sourcesDir == "" {
		return nil
	}
	if _, err := os.Stat(cc.sourcesDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.sourcesDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		kind, err := kindFromPath(file)
		if err != nil {
			slog.Warn("Skipping source config", "file", file, "error", err)
			continue
		}

		config, err := cc.LoadConfig(kind)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Source configuration loaded", "source", kind, "collection", config.Source.Collection, "mutes", len(config.Mutes))
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(kind Kind) (*SourceConfig, error) {
	configFile := cc.getConfigFilePath(kind)
	config, err := cc.parseConfig(kind, configFile)
	if err != nil {
		return nil, err
	}

	if err := cc.validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[kind] = config

	return config, nil
}

// OnReload registers fn to run after the watcher reloads or removes a kind's config.
func (cc *ConfigCache) OnReload(fn func(Kind)) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.onReload = append(cc.onReload, fn)
}

func (cc *ConfigCache) reloaded(kind Kind) {
	cc.mu.RLock()
	hooks := append([]func(Kind){}, cc.onReload...)
	cc.mu.RUnlock()

	for _, fn := range hooks {
		fn(kind)
	}
}

// Forget drops a loaded config so the kind falls back to its defaults.
func (cc *ConfigCache) Forget(kind Kind) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.cache, kind)
}

// GetConfig returns the loaded config for kind, or its defaults.
func (cc *ConfigCache) GetConfig(kind Kind) *SourceConfig {
	if cc == nil {
		return DefaultSourceConfig(kind)
	}

	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if config, ok := cc.cache[kind]; ok {
		return config
	}
	return DefaultSourceConfig(kind)
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) Dir() string {
	return cc.sourcesDir
}

func (cc *ConfigCache) parseConfig(kind Kind, configFile string) (*SourceConfig, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	config := DefaultSourceConfig(kind)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.Kind = kind

	if config.Source.Limit == 0 {
		config.Source.Limit = 50
	}

	return config, nil
}

func (cc *ConfigCache) validateConfig(config *SourceConfig) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}

	requiredFields := map[string]string{
		"collection":   config.Source.Collection,
		"user column":  config.Source.UserColumn,
		"order column": config.Source.OrderColumn,
	}

	for fieldName, fieldValue := range requiredFields {
		if fieldValue == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}

	if config.Source.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}

	for i, rule := range config.Mutes {
		if !mutableFields[rule.Field] {
			return fmt.Errorf("invalid mute field at index %d: %s", i, rule.Field)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("mute rule at index %d must have at least one keyword", i)
		}
	}

	return nil
}

func (cc *ConfigCache) getConfigFilePath(kind Kind) string {
	return filepath.Join(cc.sourcesDir, string(kind)+".yml")
}

func kindFromPath(path string) (Kind, error) {
	name := Kind(strings.TrimSuffix(filepath.Base(path), ".yml"))
	switch name {
	case KindNotification, KindMessage:
		return name, nil
	default:
		return "", fmt.Errorf("unknown inbox kind: %s", name)
	}
}
