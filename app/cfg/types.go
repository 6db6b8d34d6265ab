package cfg

import (
	"time"

	"github.com/lysyi3m/inbox-sync/app/device"
)

type Cfg struct {
	// Device configuration
	DeviceClass device.Class
	DeviceID    string

	// Storage configuration
	StorageDriver    string
	SQLitePath       string
	RedisAddr        string
	MaxCacheEntries  int
	MemoryQuota      int
	OfflineCacheSize int

	// Backend configuration
	BackendURL   string
	BackendKey   string
	BackendToken string
	FetchTimeout time.Duration

	// Application configuration
	SourcesDir      string
	Port            string
	BaseUrl         string
	WatchdogTimeout time.Duration
	WorkerCount     int
	SweepInterval   time.Duration
	APIAccessKey    string
	AllowedOrigins  []string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

// Profile builds the device profile, applying the configured timeouts over the
// class defaults.
func (c *Cfg) Profile(deviceID string) device.Profile {
	profile := device.NewProfile(c.DeviceClass, deviceID)
	if c.FetchTimeout > 0 {
		profile.FetchTimeout = c.FetchTimeout
	}
	if c.WatchdogTimeout > 0 {
		profile.WatchdogTimeout = c.WatchdogTimeout
	}
	return profile
}
