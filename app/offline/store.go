package offline

import (
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 500

type entry struct {
	key        string
	statusCode int
	header     http.Header
	body       []byte
	storedAt   time.Time
}

// Store keeps the most recently used responses, bounded by entry count.
type Store struct {
	entries *lru.Cache[string, *entry]
}

func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	// only fails for a non-positive size
	entries, _ := lru.New[string, *entry](maxEntries)
	return &Store{entries: entries}
}

func (s *Store) get(key string) (*entry, bool) {
	return s.entries.Get(key)
}

func (s *Store) put(e *entry) {
	s.entries.Add(e.key, e)
}

func (s *Store) Len() int {
	return s.entries.Len()
}

// Purge drops every stored response.
func (s *Store) Purge() {
	s.entries.Purge()
}
