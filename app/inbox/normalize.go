package inbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lysyi3m/inbox-sync/app/backend"
)

func normalizeNotification(row backend.Row) (Item, error) {
	id := stringField(row, "id")
	if id == "" {
		return Item{}, fmt.Errorf("notification row without id")
	}

	item := Item{
		Kind:       KindNotification,
		ID:         id,
		CreatedAt:  timeField(row, "created_at"),
		ServerRead: boolField(row, "read", "is_read"),
		Title:      text(stringField(row, "title")),
		Body:       text(stringField(row, "message", "body")),
		ActionURL:  stringField(row, "action_url"),
		ActionText: text(stringField(row, "action_text")),
	}
	if metadata, ok := row["metadata"].(map[string]any); ok {
		item.Metadata = metadata
	}
	item.Read = item.ServerRead
	return item, nil
}

// Message rows come either flat or with embedded author/post objects.
func normalizeMessage(row backend.Row) (Item, error) {
	id := stringField(row, "id")
	if id == "" {
		return Item{}, fmt.Errorf("message row without id")
	}

	author := nested(row, "author", "profiles")
	post := nested(row, "post", "posts")

	item := Item{
		Kind:         KindMessage,
		ID:           id,
		CreatedAt:    timeField(row, "created_at"),
		ServerRead:   boolField(row, "read", "is_read"),
		Body:         text(stringField(row, "content", "body")),
		AuthorName:   text(firstNonEmpty(stringField(row, "author_name"), stringField(author, "display_name", "username", "name"))),
		AuthorAvatar: firstNonEmpty(stringField(row, "author_avatar"), stringField(author, "avatar_url")),
		PostID:       firstNonEmpty(stringField(row, "post_id"), stringField(post, "id")),
		PostTitle:    text(firstNonEmpty(stringField(row, "post_title"), stringField(post, "title"))),
		PostType:     firstNonEmpty(stringField(row, "post_type"), stringField(post, "type", "post_type")),
	}
	item.Read = item.ServerRead
	return item, nil
}

// text trims and NFC-normalizes user supplied strings so mute rules and exports
// see one canonical form.
func text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func stringField(row backend.Row, keys ...string) string {
	for _, key := range keys {
		switch v := row[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func boolField(row backend.Row, keys ...string) bool {
	for _, key := range keys {
		if v, ok := row[key].(bool); ok {
			return v
		}
	}
	return false
}

func timeField(row backend.Row, key string) time.Time {
	raw := stringField(row, key)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func nested(row backend.Row, keys ...string) backend.Row {
	for _, key := range keys {
		if m, ok := row[key].(map[string]any); ok {
			return backend.Row(m)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
