package device

import (
	"fmt"
	"strings"
	"time"
)

type Class string

const (
	ClassUnconstrained Class = "unconstrained"
	ClassConstrained   Class = "constrained"
)

// Category is the semantic kind of a cached value. TTLs are chosen per category.
type Category string

const (
	CategoryFeed    Category = "feed"
	CategoryProfile Category = "profile"
	CategoryStats   Category = "stats"
)

// Profile is decided once at startup and injected into the cache store and adapters.
// Constrained devices keep data longer and wait longer for the network.
type Profile struct {
	Class           Class
	DeviceID        string
	FetchTimeout    time.Duration
	WatchdogTimeout time.Duration
	TTLs            map[Category]time.Duration
}

var defaultTTLs = map[Class]map[Category]time.Duration{
	ClassUnconstrained: {
		CategoryFeed:    30 * time.Minute,
		CategoryProfile: 6 * time.Hour,
		CategoryStats:   3 * time.Hour,
	},
	ClassConstrained: {
		CategoryFeed:    2 * time.Hour,
		CategoryProfile: 24 * time.Hour,
		CategoryStats:   12 * time.Hour,
	},
}

var defaultFetchTimeouts = map[Class]time.Duration{
	ClassUnconstrained: 10 * time.Second,
	ClassConstrained:   20 * time.Second,
}

const DefaultWatchdogTimeout = 15 * time.Second

func ParseClass(s string) (Class, error) {
	switch Class(strings.ToLower(strings.TrimSpace(s))) {
	case ClassUnconstrained, "":
		return ClassUnconstrained, nil
	case ClassConstrained:
		return ClassConstrained, nil
	default:
		return "", fmt.Errorf("unknown device class: %s", s)
	}
}

func NewProfile(class Class, deviceID string) Profile {
	if _, ok := defaultTTLs[class]; !ok {
		class = ClassUnconstrained
	}

	ttls := make(map[Category]time.Duration, len(defaultTTLs[class]))
	for category, ttl := range defaultTTLs[class] {
		ttls[category] = ttl
	}

	return Profile{
		Class:           class,
		DeviceID:        deviceID,
		FetchTimeout:    defaultFetchTimeouts[class],
		WatchdogTimeout: DefaultWatchdogTimeout,
		TTLs:            ttls,
	}
}

func (p Profile) TTL(category Category) time.Duration {
	if ttl, ok := p.TTLs[category]; ok && ttl > 0 {
		return ttl
	}
	return defaultTTLs[ClassUnconstrained][CategoryFeed]
}

func (p Profile) Constrained() bool {
	return p.Class == ClassConstrained
}
