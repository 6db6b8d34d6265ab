package cfg

import (
	"testing"
	"time"

	"github.com/lysyi3m/inbox-sync/app/device"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("GetVersion should never return empty string")
	}

	version := GetVersion()
	if version != "dev" && version != "unknown" {
		t.Logf("Version: %s", version)
	}
}

func TestLoadArgsDefaults(t *testing.T) {
	t.Setenv("TZ", "UTC")

	cfg, err := LoadArgs([]string{"--backend-url", "https://api.example.com", "--backend-key", "anon"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.DeviceClass != device.ClassUnconstrained {
		t.Errorf("Expected device class 'unconstrained', got '%s'", cfg.DeviceClass)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Errorf("Expected storage driver 'sqlite', got '%s'", cfg.StorageDriver)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port '8080', got '%s'", cfg.Port)
	}
	if cfg.WatchdogTimeout != 15*time.Second {
		t.Errorf("Expected watchdog timeout 15s, got %v", cfg.WatchdogTimeout)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("Expected sweep interval 5m, got %v", cfg.SweepInterval)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("Expected worker count 4, got %d", cfg.WorkerCount)
	}
	if cfg.BackendToken != "anon" {
		t.Errorf("Expected backend token to default to the key, got '%s'", cfg.BackendToken)
	}
	if cfg.SourcesDir != "./sources" {
		t.Errorf("Expected sources dir './sources', got '%s'", cfg.SourcesDir)
	}

	if Get() != cfg {
		t.Error("Expected Get to return the loaded configuration")
	}
}

func TestLoadArgsFromEnvironment(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("BACKEND_URL", "https://api.example.com")
	t.Setenv("DEVICE_CLASS", "constrained")
	t.Setenv("STORAGE_DRIVER", "redis")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("DEBUG", "true")

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.DeviceClass != device.ClassConstrained {
		t.Errorf("Expected device class 'constrained', got '%s'", cfg.DeviceClass)
	}
	if cfg.StorageDriver != "redis" {
		t.Errorf("Expected storage driver 'redis', got '%s'", cfg.StorageDriver)
	}
	if !cfg.Debug {
		t.Error("Expected debug to be enabled")
	}

	profile := cfg.Profile("dev-1")
	if profile.FetchTimeout != 3*time.Second {
		t.Errorf("Expected fetch timeout 3s, got %v", profile.FetchTimeout)
	}
	if profile.TTL(device.CategoryFeed) != 2*time.Hour {
		t.Errorf("Expected constrained feed TTL 2h, got %v", profile.TTL(device.CategoryFeed))
	}
	if profile.DeviceID != "dev-1" {
		t.Errorf("Expected device id 'dev-1', got '%s'", profile.DeviceID)
	}
}

func TestLoadArgsStorageLimits(t *testing.T) {
	t.Setenv("TZ", "UTC")

	cfg, err := LoadArgs([]string{"--backend-url", "https://api.example.com"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.MemoryQuota != 5<<20 {
		t.Errorf("Expected memory quota of 5 MiB, got %d bytes", cfg.MemoryQuota)
	}
	if cfg.MaxCacheEntries != 5000 {
		t.Errorf("Expected 5000 sqlite entries, got %d", cfg.MaxCacheEntries)
	}

	t.Setenv("MEMORY_QUOTA", "0")
	t.Setenv("ALLOWED_ORIGINS", "app.example.com,*.example.org")
	cfg, err = LoadArgs([]string{"--backend-url", "https://api.example.com", "--max-cache-entries", "10"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.MemoryQuota != 0 {
		t.Errorf("Expected unlimited memory quota, got %d", cfg.MemoryQuota)
	}
	if cfg.MaxCacheEntries != 10 {
		t.Errorf("Expected entry limit independent of the byte quota, got %d", cfg.MaxCacheEntries)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "*.example.org" {
		t.Errorf("Expected two allowed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadArgsRejectsInvalidValues(t *testing.T) {
	t.Setenv("TZ", "UTC")

	cases := map[string][]string{
		"missing backend": {},
		"device class":    {"--backend-url", "https://api.example.com", "--device-class", "watch"},
		"storage driver":  {"--backend-url", "https://api.example.com", "--storage", "postgres"},
		"worker count":    {"--backend-url", "https://api.example.com", "--worker-count", "0"},
		"memory quota":    {"--backend-url", "https://api.example.com", "--memory-quota", "-1"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadArgs(args)
			if err == nil {
				t.Errorf("Expected error, got config %+v", cfg)
			}
		})
	}
}

func TestLoadArgsHelp(t *testing.T) {
	cfg, err := LoadArgs([]string{"--help"})
	if err != nil {
		t.Errorf("Expected no error for help, got %v", err)
	}
	if cfg != nil {
		t.Error("Expected nil config for help")
	}
}
