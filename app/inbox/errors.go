package inbox

import (
	"errors"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

var (
	// ErrNetworkDegraded means a fetch timed out and cached or prior data is shown instead.
	ErrNetworkDegraded = errors.New("network degraded")
	// ErrTimedOut is set by the loading watchdog.
	ErrTimedOut = errors.New("loading timed out")
	// ErrClosed is returned by sessions that were closed, e.g. on sign-out.
	ErrClosed = errors.New("inbox session closed")

	ErrUnauthorized       = backend.ErrUnauthorized
	ErrNotFound           = backend.ErrNotFound
	ErrUnknown            = backend.ErrUnknown
	ErrStorageUnavailable = storage.ErrUnavailable
)

// Recoverable reports errors that belong in a retry banner next to the data
// rather than in a full error screen.
func Recoverable(err error) bool {
	return errors.Is(err, ErrNetworkDegraded) || errors.Is(err, ErrTimedOut)
}

// Classify maps err onto the inbox taxonomy.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimedOut):
		return ErrTimedOut
	case errors.Is(err, ErrNetworkDegraded):
		return ErrNetworkDegraded
	case errors.Is(err, ErrStorageUnavailable):
		return ErrStorageUnavailable
	case errors.Is(err, ErrClosed):
		return ErrClosed
	default:
		return backend.Kind(err)
	}
}
