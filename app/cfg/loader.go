package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/lysyi3m/inbox-sync/app/device"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

var storageDrivers = []string{"memory", "sqlite", "redis"}

type rawCfg struct {
	// Device configuration
	DeviceClass string `long:"device-class" env:"DEVICE_CLASS" default:"unconstrained" description:"Device class (unconstrained or constrained), selects cache TTLs and timeouts"`
	DeviceID    string `long:"device-id" env:"DEVICE_ID" description:"Device identifier (generated and persisted when empty)"`

	// Storage configuration
	StorageDriver    string `long:"storage" env:"STORAGE_DRIVER" default:"sqlite" description:"Storage medium: memory, sqlite or redis"`
	SQLitePath       string `long:"sqlite-path" env:"SQLITE_PATH" default:"./inbox-sync.db" description:"SQLite database file"`
	RedisAddr        string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
	MaxCacheEntries  int    `long:"max-cache-entries" env:"MAX_CACHE_ENTRIES" default:"5000" description:"Maximum entries in the sqlite medium (0 for unlimited)"`
	MemoryQuota      int    `long:"memory-quota" env:"MEMORY_QUOTA" default:"5242880" description:"Byte quota of the memory medium, keys plus values (0 for unlimited)"`
	OfflineCacheSize int    `long:"offline-cache-size" env:"OFFLINE_CACHE_SIZE" default:"500" description:"Maximum responses kept by the offline proxy"`

	// Backend configuration
	BackendURL   string        `long:"backend-url" env:"BACKEND_URL" description:"Backend base URL (required)" required:"true"`
	BackendKey   string        `long:"backend-key" env:"BACKEND_KEY" description:"Backend API key"`
	BackendToken string        `long:"backend-token" env:"BACKEND_TOKEN" description:"Backend bearer token (defaults to the API key)"`
	FetchTimeout time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" description:"Per-fetch timeout (defaults by device class)"`

	// Application configuration
	SourcesDir      string        `long:"sources-dir" env:"SOURCES_DIR" default:"./sources" description:"Directory containing source configuration files"`
	Port            string        `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl         string        `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://inbox.example.com)"`
	WatchdogTimeout time.Duration `long:"watchdog-timeout" env:"WATCHDOG_TIMEOUT" default:"15s" description:"Time after which a cold inbox load stops showing as loading"`
	WorkerCount     int           `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of background workers"`
	SweepInterval   time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"5m" description:"Interval between expired cache sweeps"`
	APIAccessKey    string        `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`
	AllowedOrigins  []string      `long:"allowed-origin" env:"ALLOWED_ORIGINS" env-delim:"," description:"Origin host patterns allowed to open the events websocket (repeatable)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Inbox Sync/1.0" description:"User agent string for backend requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses args and the environment. It returns nil, nil when help was requested.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	class, err := device.ParseClass(raw.DeviceClass)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if !slices.Contains(storageDrivers, raw.StorageDriver) {
		return nil, fmt.Errorf("failed to parse configuration: unknown storage driver: %s", raw.StorageDriver)
	}

	if raw.MemoryQuota < 0 {
		return nil, fmt.Errorf("failed to parse configuration: memory quota must not be negative, got %d", raw.MemoryQuota)
	}

	if raw.WorkerCount <= 0 {
		return nil, fmt.Errorf("failed to parse configuration: worker count must be positive, got %d", raw.WorkerCount)
	}

	cfg := &Cfg{
		DeviceClass:      class,
		DeviceID:         raw.DeviceID,
		StorageDriver:    raw.StorageDriver,
		SQLitePath:       raw.SQLitePath,
		RedisAddr:        raw.RedisAddr,
		MaxCacheEntries:  raw.MaxCacheEntries,
		MemoryQuota:      raw.MemoryQuota,
		OfflineCacheSize: raw.OfflineCacheSize,
		BackendURL:       raw.BackendURL,
		BackendKey:       raw.BackendKey,
		BackendToken:     cmp.Or(raw.BackendToken, raw.BackendKey),
		FetchTimeout:     raw.FetchTimeout,
		SourcesDir:       raw.SourcesDir,
		Port:             raw.Port,
		BaseUrl:          raw.BaseUrl,
		WatchdogTimeout:  raw.WatchdogTimeout,
		WorkerCount:      raw.WorkerCount,
		SweepInterval:    raw.SweepInterval,
		APIAccessKey:     raw.APIAccessKey,
		AllowedOrigins:   raw.AllowedOrigins,
		UserAgent:        raw.UserAgent,
		Timezone:         raw.Timezone,
		Debug:            raw.Debug,
		Version:          GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

// Set replaces the global configuration. Intended for tests.
func Set(cfg *Cfg) {
	globalCfg = cfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
		slog.Debug("Timezone configured", "timezone", timezone)
	}
	return nil
}
