package inbox

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindNotification Kind = "notification"
	KindMessage      Kind = "message"
)

// Kinds lists every source in the order the inbox loads them.
var Kinds = []Kind{KindNotification, KindMessage}

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindNotification, "notifications":
		return KindNotification, nil
	case KindMessage, "messages":
		return KindMessage, nil
	default:
		return "", fmt.Errorf("unknown inbox kind: %s", s)
	}
}

// CacheName is the name the kind's items are cached under, e.g. "notifications".
func (k Kind) CacheName() string {
	return string(k) + "s"
}

// Item is one normalized feed entry. Notification-only and message-only fields are
// left empty for the other kind.
type Item struct {
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ServerRead bool      `json:"server_read"`
	Body       string    `json:"body"`

	// Read is the effective state (server flag or local ledger) at the time the
	// item was handed out. It is not authoritative once stored.
	Read bool `json:"read"`

	Title      string         `json:"title,omitempty"`
	ActionURL  string         `json:"action_url,omitempty"`
	ActionText string         `json:"action_text,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	AuthorName   string `json:"author_name,omitempty"`
	AuthorAvatar string `json:"author_avatar,omitempty"`
	PostID       string `json:"post_id,omitempty"`
	PostTitle    string `json:"post_title,omitempty"`
	PostType     string `json:"post_type,omitempty"`
}

// Headline is a one-line summary used by exports.
func (i Item) Headline() string {
	if i.Kind == KindMessage {
		if i.PostTitle != "" {
			return fmt.Sprintf("%s on %s", i.AuthorName, i.PostTitle)
		}
		return i.AuthorName
	}
	return i.Title
}
