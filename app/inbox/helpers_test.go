package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/ledger"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var errBackendDown = &backend.Error{Kind: backend.ErrUnknown, Op: "test", Message: "backend down"}

func notification(id string, minute int, serverRead bool) Item {
	return Item{
		Kind:       KindNotification,
		ID:         id,
		CreatedAt:  baseTime.Add(time.Duration(minute) * time.Minute),
		ServerRead: serverRead,
		Read:       serverRead,
		Title:      "Notification " + id,
		Body:       "body " + id,
	}
}

func message(id string, minute int, serverRead bool) Item {
	return Item{
		Kind:       KindMessage,
		ID:         id,
		CreatedAt:  baseTime.Add(time.Duration(minute) * time.Minute),
		ServerRead: serverRead,
		Read:       serverRead,
		Body:       "comment " + id,
		AuthorName: "alice",
		PostID:     "p1",
		PostTitle:  "First post",
		PostType:   "article",
	}
}

func ids(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

type fakeSource struct {
	kind Kind

	mu          sync.Mutex
	items       []Item
	fetchErr    error
	fetchFn     func(ctx context.Context, call int) ([]Item, error)
	fetches     int
	markErr     error
	marked      []string
	markCalls   int
	onMarkRead  func()
	markAllFail int // number of MarkAllRead calls that fail before succeeding
}

func newFakeSource(kind Kind, items ...Item) *fakeSource {
	return &fakeSource{kind: kind, items: items}
}

func (f *fakeSource) Kind() Kind {
	return f.kind
}

func (f *fakeSource) Fetch(ctx context.Context, userID string) ([]Item, error) {
	f.mu.Lock()
	f.fetches++
	call := f.fetches
	fn := f.fetchFn
	items := append([]Item(nil), f.items...)
	err := f.fetchErr
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, call)
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (f *fakeSource) MarkRead(ctx context.Context, userID, itemID string) error {
	f.mu.Lock()
	hook := f.onMarkRead
	f.markCalls++
	err := f.markErr
	if err == nil {
		f.marked = append(f.marked, itemID)
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSource) MarkAllRead(ctx context.Context, userID string, itemIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.markCalls++
	if f.markAllFail > 0 {
		f.markAllFail--
		return itemIDs, errBackendDown
	}
	if f.markErr != nil {
		return itemIDs, f.markErr
	}
	f.marked = append(f.marked, itemIDs...)
	return nil, nil
}

func (f *fakeSource) setItems(items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeSource) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeSource) setFetchFn(fn func(ctx context.Context, call int) ([]Item, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchFn = fn
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeSource) markedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

// hang blocks every fetch until its context ends.
func hang(ctx context.Context, _ int) ([]Item, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type testEnv struct {
	medium  *storage.Memory
	profile device.Profile
	store   *cache.Store[[]Item]
	ledger  *ledger.Ledger
}

func newTestEnv(fetchTimeout time.Duration) *testEnv {
	medium := storage.NewMemory(0)
	profile := device.NewProfile(device.ClassUnconstrained, "dev-1")
	profile.FetchTimeout = fetchTimeout

	return &testEnv{
		medium:  medium,
		profile: profile,
		store:   cache.NewStore[[]Item](medium, profile, device.CategoryFeed),
		ledger:  ledger.New(medium),
	}
}

func (e *testEnv) deps() Deps {
	return Deps{Store: e.store, Ledger: e.ledger, Profile: e.profile}
}

func (e *testEnv) adapter(userID string, source Source) *Adapter {
	return NewAdapter(userID, source, e.deps())
}
