package inbox

import (
	"log/slog"
	"strings"
)

var mutableFields = map[string]bool{
	"title":       true,
	"body":        true,
	"author":      true,
	"post_title":  true,
	"action_text": true,
}

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run drops items matched by any mute rule of the config.
func (f *Filterer) Run(items []Item, config *SourceConfig) []Item {
	if config == nil || len(config.Mutes) == 0 {
		return items
	}

	kept := make([]Item, 0, len(items))
	for _, item := range items {
		if muted, reason := f.applyMutes(item, config.Mutes); muted {
			slog.Debug("Item muted", "source", item.Kind, "id", item.ID, "reason", reason)
			continue
		}
		kept = append(kept, item)
	}

	return kept
}

func (f *Filterer) applyMutes(item Item, rules []MuteRule) (bool, string) {
	for _, rule := range rules {
		value := f.getFieldValue(item, rule.Field)
		if value == "" {
			continue
		}

		for _, keyword := range rule.Keywords {
			if f.matchesKeyword(value, keyword) {
				return true, rule.Field + " contains '" + keyword + "'"
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesKeyword(value, keyword string) bool {
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(keyword))
}

func (f *Filterer) getFieldValue(item Item, field string) string {
	switch field {
	case "title":
		return item.Title
	case "body":
		return item.Body
	case "author":
		return item.AuthorName
	case "post_title":
		return item.PostTitle
	case "action_text":
		return item.ActionText
	default:
		return ""
	}
}
