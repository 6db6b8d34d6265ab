package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/storage"
	"github.com/lysyi3m/inbox-sync/app/tasks"
)

const (
	profilesCollection = "profiles"
	statsFunction      = "get_user_stats"
)

type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
}

type Stats struct {
	Posts     int `json:"posts_count"`
	Comments  int `json:"comments_count"`
	Likes     int `json:"likes_count"`
	Followers int `json:"followers_count"`
	Following int `json:"following_count"`
}

// Loader reads per-user aggregates through the TTL cache. Profiles and stats
// change rarely, so they use the longer profile/stats TTLs.
type Loader struct {
	client   backend.Client
	device   device.Profile
	profiles *cache.Store[Profile]
	stats    *cache.Store[Stats]
}

func NewLoader(client backend.Client, medium storage.Medium, deviceProfile device.Profile) *Loader {
	return &Loader{
		client:   client,
		device:   deviceProfile,
		profiles: cache.NewStore[Profile](medium, deviceProfile, device.CategoryProfile),
		stats:    cache.NewStore[Stats](medium, deviceProfile, device.CategoryStats),
	}
}

func (l *Loader) Profile(ctx context.Context, userID string) (Profile, error) {
	return load(ctx, l, l.profiles, cache.Key("profile", userID), func(ctx context.Context) (Profile, error) {
		rows, err := l.client.Query(ctx, profilesCollection, backend.Filter{"id": userID}, backend.Order{}, 1)
		if err != nil {
			return Profile{}, err
		}
		if len(rows) == 0 {
			return Profile{}, &backend.Error{Kind: backend.ErrNotFound, Op: "query " + profilesCollection, Message: "no profile for " + userID}
		}

		var profile Profile
		if err := decodeRow(rows[0], &profile); err != nil {
			return Profile{}, err
		}
		return profile, nil
	})
}

func (l *Loader) Stats(ctx context.Context, userID string) (Stats, error) {
	return load(ctx, l, l.stats, cache.Key("stats", userID), func(ctx context.Context) (Stats, error) {
		raw, err := l.client.CallRemoteFunction(ctx, statsFunction, map[string]any{"user_id": userID})
		if err != nil {
			return Stats{}, err
		}
		return decodeStats(raw)
	})
}

// Invalidate drops both aggregates of the user, e.g. on sign-out.
func (l *Loader) Invalidate(userID string) {
	l.profiles.Invalidate(cache.Key("profile", userID))
	l.stats.Invalidate(cache.Key("stats", userID))
}

func (l *Loader) Sweepers() []tasks.Sweeper {
	return []tasks.Sweeper{l.profiles, l.stats}
}

// load serves a fresh cache entry, else fetches. A timed out fetch falls back
// to the stale entry and reports the network as degraded.
func load[T any](ctx context.Context, l *Loader, store *cache.Store[T], key string, fetch func(context.Context) (T, error)) (T, error) {
	stale, writtenAt, hasStale := store.Stale(key)
	if value, ok := store.Get(key); ok {
		return value, nil
	}

	timeout := l.device.FetchTimeout
	if timeout <= 0 {
		timeout = device.NewProfile(l.device.Class, "").FetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	value, err := fetch(ctx)
	if err == nil {
		store.Set(key, value)
		return value, nil
	}

	if backend.IsTimeout(err) && hasStale {
		slog.Warn("Serving stale aggregate after timeout", "key", key, "written_at", writtenAt)
		return stale, fmt.Errorf("%w: %w", inbox.ErrNetworkDegraded, err)
	}

	slog.Error("Failed to load aggregate", "key", key, "category", store.Category(), "error", err)
	var zero T
	return zero, err
}

func decodeRow(row backend.Row, out any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode row: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode row: %w", err)
	}
	return nil
}

// decodeStats accepts a single object or a one-row array.
func decodeStats(raw json.RawMessage) (Stats, error) {
	var stats Stats

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return stats, nil
	}

	if trimmed[0] == '[' {
		var rows []Stats
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return stats, fmt.Errorf("failed to decode stats: %w", err)
		}
		if len(rows) > 0 {
			stats = rows[0]
		}
		return stats, nil
	}

	if err := json.Unmarshal(trimmed, &stats); err != nil {
		return stats, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}
