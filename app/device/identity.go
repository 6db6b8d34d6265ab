package device

import (
	"log/slog"

	"github.com/google/uuid"
)

const identityKey = "device:id"

// identityStore is the subset of storage.Medium needed to remember the device id.
type identityStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// ResolveID returns the configured id, else the persisted one, else a freshly generated
// id that is persisted for the next start. Storage failures yield an ephemeral id.
func ResolveID(configured string, store identityStore) string {
	if configured != "" {
		return configured
	}

	if store != nil {
		if id, ok, err := store.Get(identityKey); err == nil && ok && id != "" {
			return id
		} else if err != nil {
			slog.Warn("Device id lookup failed, generating ephemeral id", "error", err)
		}
	}

	id := uuid.NewString()
	if store != nil {
		if err := store.Set(identityKey, id); err != nil {
			slog.Warn("Device id not persisted", "error", err)
		}
	}

	return id
}
