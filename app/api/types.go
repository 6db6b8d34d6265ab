package api

import (
	"context"
	"errors"
	"time"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/profile"
)

type GeneratorInterface interface {
	Run(channel inbox.Channel, items []inbox.Item) (string, error)
}

var _ GeneratorInterface = (*inbox.Generator)(nil)

// HealthReporter is implemented by storage media that can report connectivity.
type HealthReporter interface {
	Health() map[string]interface{}
}

type ProfileLoader interface {
	Profile(ctx context.Context, userID string) (profile.Profile, error)
	Stats(ctx context.Context, userID string) (profile.Stats, error)
}

var _ ProfileLoader = (*profile.Loader)(nil)

type Handler struct {
	registry  *inbox.Registry
	profiles  ProfileLoader
	configs   *inbox.ConfigCache
	generator GeneratorInterface
	storage   HealthReporter
	selfBase  string
	version   string
	startedAt time.Time

	originPatterns []string
}

type ErrorResponse struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type SnapshotResponse struct {
	UserID      string         `json:"user_id"`
	Filter      inbox.Kind     `json:"filter"`
	Loading     bool           `json:"loading"`
	UnreadCount int            `json:"unread_count"`
	Feed        []inbox.Item   `json:"feed"`
	Error       *ErrorResponse `json:"error,omitempty"`
}

type SourceResponse struct {
	Kind        inbox.Kind     `json:"kind"`
	Status      inbox.Status   `json:"status"`
	UnreadCount int            `json:"unread_count"`
	Items       []inbox.Item   `json:"items"`
	Error       *ErrorResponse `json:"error,omitempty"`
}

type FilterRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func newSnapshotResponse(s inbox.Snapshot) SnapshotResponse {
	feed := s.Feed
	if feed == nil {
		feed = []inbox.Item{}
	}
	return SnapshotResponse{
		UserID:      s.UserID,
		Filter:      s.Filter,
		Loading:     s.Loading,
		UnreadCount: s.UnreadCount,
		Feed:        feed,
		Error:       newErrorResponse(s.Err),
	}
}

func newErrorResponse(err error) *ErrorResponse {
	if err == nil {
		return nil
	}
	return &ErrorResponse{
		Kind:        errorKind(err),
		Message:     err.Error(),
		Recoverable: inbox.Recoverable(err),
	}
}

func errorKind(err error) string {
	switch kind := inbox.Classify(err); {
	case errors.Is(kind, inbox.ErrTimedOut):
		return "timed_out"
	case errors.Is(kind, inbox.ErrNetworkDegraded):
		return "network_degraded"
	case errors.Is(kind, inbox.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(kind, backend.ErrTimeout):
		return "timeout"
	case errors.Is(kind, inbox.ErrNotFound):
		return "not_found"
	case errors.Is(kind, inbox.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(kind, inbox.ErrClosed):
		return "session_closed"
	default:
		return "unknown"
	}
}
