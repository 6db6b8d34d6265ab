package ledger

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/inbox-sync/app/storage"
)

const keyPrefix = "ledger:"

// Change describes one ledger mutation. ItemIDs holds only ids that were newly marked.
type Change struct {
	UserID  string
	ItemIDs []string
	Reset   bool
}

type Listener func(Change)

// Ledger is the per-user overlay of items the user marked read locally. Entries only
// ever get added; Reset (sign-out) is the single way to remove them.
type Ledger struct {
	medium storage.Medium
	now    func() time.Time

	mu        sync.Mutex
	users     map[string]map[string]time.Time
	ephemeral map[string]bool

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	nextID      uint64
}

func New(medium storage.Medium) *Ledger {
	return &Ledger{
		medium:    medium,
		now:       time.Now,
		users:     make(map[string]map[string]time.Time),
		ephemeral: make(map[string]bool),
		listeners: make(map[uint64]Listener),
	}
}

func (l *Ledger) IsRead(userID, itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries(userID)[itemID]
	return ok
}

// MarkedAt reports when the item was first marked read on this device.
func (l *Ledger) MarkedAt(userID, itemID string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.entries(userID)[itemID]
	return at, ok
}

func (l *Ledger) Count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries(userID))
}

func (l *Ledger) MarkRead(userID, itemID string) {
	l.MarkAllRead(userID, []string{itemID})
}

// MarkAllRead records every id; already present ids are left untouched. Listeners
// run on the caller's goroutine before MarkAllRead returns.
func (l *Ledger) MarkAllRead(userID string, itemIDs []string) {
	l.mu.Lock()
	entries := l.entries(userID)
	now := l.now()

	var added []string
	for _, id := range itemIDs {
		if id == "" {
			continue
		}
		if _, ok := entries[id]; ok {
			continue
		}
		entries[id] = now
		added = append(added, id)
	}

	if len(added) > 0 {
		l.persist(userID, entries)
	}
	l.mu.Unlock()

	if len(added) == 0 {
		return
	}

	slog.Debug("Items marked read locally", "user", userID, "count", len(added))
	l.notify(Change{UserID: userID, ItemIDs: added})
}

// Reset forgets every entry for the user. When the persisted copy cannot be
// removed the user continues with an empty in-memory overlay, so the stale copy
// is never read back or merged into later writes.
func (l *Ledger) Reset(userID string) {
	l.mu.Lock()
	if err := l.medium.Remove(keyPrefix + userID); err != nil {
		slog.Warn("Ledger reset not persisted, using in-memory overlay", "user", userID, "error", err)
		l.users[userID] = make(map[string]time.Time)
		l.ephemeral[userID] = true
	} else {
		delete(l.users, userID)
		delete(l.ephemeral, userID)
	}
	l.mu.Unlock()

	l.notify(Change{UserID: userID, Reset: true})
}

// Subscribe registers fn for every later change and returns its unsubscribe func.
func (l *Ledger) Subscribe(fn Listener) func() {
	l.listenersMu.Lock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	l.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.listenersMu.Lock()
			delete(l.listeners, id)
			l.listenersMu.Unlock()
		})
	}
}

func (l *Ledger) notify(change Change) {
	l.listenersMu.RLock()
	ids := make([]uint64, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, l.listeners[id])
	}
	l.listenersMu.RUnlock()

	for _, fn := range snapshot {
		fn(change)
	}
}

// entries returns the in-memory set for the user, loading it on first use.
// Callers hold l.mu.
func (l *Ledger) entries(userID string) map[string]time.Time {
	if entries, ok := l.users[userID]; ok {
		return entries
	}

	entries := make(map[string]time.Time)
	if stored, err := l.load(userID); err != nil {
		slog.Warn("Ledger unavailable, using in-memory overlay", "user", userID, "error", err)
		l.ephemeral[userID] = true
	} else {
		entries = stored
	}

	l.users[userID] = entries
	return entries
}

func (l *Ledger) load(userID string) (map[string]time.Time, error) {
	entries := make(map[string]time.Time)

	raw, ok, err := l.medium.Get(keyPrefix + userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return entries, nil
	}

	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("Ledger data corrupt, starting empty", "user", userID, "error", err)
		return make(map[string]time.Time), nil
	}
	return entries, nil
}

// persist merges entries with whatever another writer stored meanwhile, keeping the
// earliest mark for each id. Callers hold l.mu.
func (l *Ledger) persist(userID string, entries map[string]time.Time) {
	if l.ephemeral[userID] {
		return
	}

	if stored, err := l.load(userID); err == nil {
		for id, at := range stored {
			if current, ok := entries[id]; !ok || at.Before(current) {
				entries[id] = at
			}
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		slog.Warn("Ledger not encodable", "user", userID, "error", err)
		return
	}

	if err := l.medium.Set(keyPrefix+userID, string(data)); err != nil {
		slog.Warn("Ledger write failed, keeping overlay in memory for this session", "user", userID, "error", err)
		l.ephemeral[userID] = true
	}
}

// Ephemeral reports whether the user's overlay lost its persistence this session.
func (l *Ledger) Ephemeral(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ephemeral[userID]
}
