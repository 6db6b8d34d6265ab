package storage

import (
	"errors"
)

var (
	// ErrQuotaExceeded is returned by Set when the medium has no room left.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnavailable is returned when the medium cannot be used at all.
	ErrUnavailable = errors.New("storage unavailable")
)

// Medium is a synchronous string-keyed key/value store. Callers in this module treat
// every error as non-fatal.
type Medium interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}
