package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

const keyPrefix = "cache:"

// Entry is the persisted envelope around a cached payload.
type Entry[T any] struct {
	Payload      T         `json:"payload"`
	WrittenAt    time.Time `json:"written_at"`
	OriginDevice string    `json:"origin_device"`
}

// Store is an expiring key/value cache over a storage.Medium. One Store serves one
// category; its TTL comes from the injected device profile.
//
// Medium failures never surface: Get degrades to a miss and Set to a no-op.
type Store[T any] struct {
	medium   storage.Medium
	profile  device.Profile
	category device.Category
	now      func() time.Time
}

func NewStore[T any](medium storage.Medium, profile device.Profile, category device.Category) *Store[T] {
	return &Store[T]{
		medium:   medium,
		profile:  profile,
		category: category,
		now:      time.Now,
	}
}

// Key builds the partitioned key for a named value of one user, e.g. "notifications_user42".
func Key(name, userID string) string {
	return fmt.Sprintf("%s_%s", name, userID)
}

func (s *Store[T]) TTL() time.Duration {
	return s.profile.TTL(s.category)
}

// Get returns the payload only for a fresh entry written by this device.
// Expired, foreign and undecodable entries are evicted.
func (s *Store[T]) Get(key string) (T, bool) {
	var zero T

	entry, ok := s.read(key)
	if !ok {
		return zero, false
	}

	if entry.OriginDevice != s.profile.DeviceID {
		slog.Debug("Cache entry from another device", "key", key, "origin", entry.OriginDevice)
		s.evict(key)
		return zero, false
	}

	if s.now().Sub(entry.WrittenAt) >= s.TTL() {
		slog.Debug("Cache entry expired", "key", key, "written_at", entry.WrittenAt)
		s.evict(key)
		return zero, false
	}

	return entry.Payload, true
}

// Stale returns a payload written by this device regardless of its age.
// It never evicts.
func (s *Store[T]) Stale(key string) (T, time.Time, bool) {
	var zero T

	entry, ok := s.read(key)
	if !ok || entry.OriginDevice != s.profile.DeviceID {
		return zero, time.Time{}, false
	}
	return entry.Payload, entry.WrittenAt, true
}

func (s *Store[T]) Set(key string, payload T) {
	entry := Entry[T]{
		Payload:      payload,
		WrittenAt:    s.now(),
		OriginDevice: s.profile.DeviceID,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Cache entry not encodable", "key", key, "error", err)
		return
	}

	err = s.medium.Set(s.storageKey(key), string(data))
	if errors.Is(err, storage.ErrQuotaExceeded) {
		evicted := s.Sweep()
		slog.Warn("Cache quota exceeded, swept expired entries", "key", key, "evicted", evicted)
		err = s.medium.Set(s.storageKey(key), string(data))
	}
	if err != nil {
		slog.Warn("Cache write failed", "key", key, "error", err)
	}
}

func (s *Store[T]) Invalidate(key string) {
	s.evict(key)
}

// Sweep evicts every expired entry of this store's category and reports how many went.
func (s *Store[T]) Sweep() int {
	prefix := keyPrefix + string(s.category) + ":"
	keys, err := s.medium.Keys(prefix)
	if err != nil {
		slog.Warn("Cache sweep failed", "category", s.category, "error", err)
		return 0
	}

	evicted := 0
	for _, storageKey := range keys {
		key := strings.TrimPrefix(storageKey, prefix)
		entry, ok := s.read(key)
		if !ok {
			// read already evicted an undecodable entry
			evicted++
			continue
		}
		if s.now().Sub(entry.WrittenAt) >= s.TTL() {
			s.evict(key)
			evicted++
		}
	}
	return evicted
}

func (s *Store[T]) Category() device.Category {
	return s.category
}

func (s *Store[T]) read(key string) (Entry[T], bool) {
	var entry Entry[T]

	raw, ok, err := s.medium.Get(s.storageKey(key))
	if err != nil {
		slog.Warn("Cache read failed", "key", key, "error", err)
		return entry, false
	}
	if !ok {
		return entry, false
	}

	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Warn("Cache entry corrupt, evicting", "key", key, "error", err)
		s.evict(key)
		return entry, false
	}
	return entry, true
}

func (s *Store[T]) evict(key string) {
	if err := s.medium.Remove(s.storageKey(key)); err != nil {
		slog.Warn("Cache eviction failed", "key", key, "error", err)
	}
}

func (s *Store[T]) storageKey(key string) string {
	return keyPrefix + string(s.category) + ":" + key
}
