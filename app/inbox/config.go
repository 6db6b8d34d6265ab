package inbox

// SourceConfig describes where a kind's items live in the backend and which of
// them are muted. Loaded from <sources-dir>/<kind>.yml.
type SourceConfig struct {
	Kind   Kind           // Derived from filename (without .yml extension)
	Source SourceSettings `yaml:"source"`
	Mutes  []MuteRule     `yaml:"mutes"`
}

type SourceSettings struct {
	Collection          string `yaml:"collection"`
	UserColumn          string `yaml:"user_column"`
	OrderColumn         string `yaml:"order_column"`
	Limit               int    `yaml:"limit"`
	MarkReadFunction    string `yaml:"mark_read_function"`     // empty: mutate the row
	MarkAllReadFunction string `yaml:"mark_all_read_function"` // empty: one call per item
}

// MuteRule drops items whose field contains any of the keywords.
type MuteRule struct {
	Field    string   `yaml:"field"`
	Keywords []string `yaml:"keywords"`
}

func DefaultSourceConfig(kind Kind) *SourceConfig {
	switch kind {
	case KindMessage:
		return &SourceConfig{
			Kind: KindMessage,
			Source: SourceSettings{
				Collection:       "comments",
				UserColumn:       "post_author_id",
				OrderColumn:      "created_at",
				Limit:            50,
				MarkReadFunction: "mark_comment_read",
			},
		}
	default:
		return &SourceConfig{
			Kind: KindNotification,
			Source: SourceSettings{
				Collection:          "notifications",
				UserColumn:          "user_id",
				OrderColumn:         "created_at",
				Limit:               50,
				MarkAllReadFunction: "mark_notifications_read",
			},
		}
	}
}
