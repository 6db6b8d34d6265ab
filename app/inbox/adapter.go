package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/ledger"
	"github.com/lysyi3m/inbox-sync/app/tasks"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusLoading    Status = "loading"
	StatusRefreshing Status = "refreshing"
	StatusReady      Status = "ready"
	StatusDegraded   Status = "degraded"
	StatusFailed     Status = "failed"
)

// State is a point-in-time copy of an adapter. Items carry their effective read flag.
type State struct {
	Kind   Kind
	Items  []Item
	Status Status
	Err    error
}

func (s State) Loading() bool {
	return s.Status == StatusLoading
}

func (s State) Refreshing() bool {
	return s.Status == StatusRefreshing
}

type StateListener func(State)

// Deps are the shared collaborators every adapter of a session uses.
type Deps struct {
	Store   *cache.Store[[]Item]
	Ledger  *ledger.Ledger
	Profile device.Profile
	Tasks   tasks.TaskSchedulerInterface // optional, enables mark-read retries
}

// Adapter owns fetching, caching and marking for one kind of one user.
type Adapter struct {
	userID   string
	source   Source
	deps     Deps
	cacheKey string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	items   []Item
	status  Status
	err     error
	seq     uint64
	hasData bool
	closed  bool

	listenersMu sync.RWMutex
	listeners   map[uint64]StateListener
	nextID      uint64

	unsubscribeLedger func()
}

func NewAdapter(userID string, source Source, deps Deps) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Adapter{
		ctx:       ctx,
		cancel:    cancel,
		userID:    userID,
		source:    source,
		deps:      deps,
		cacheKey:  cache.Key(source.Kind().CacheName(), userID),
		status:    StatusIdle,
		listeners: make(map[uint64]StateListener),
	}

	a.unsubscribeLedger = deps.Ledger.Subscribe(func(change ledger.Change) {
		if change.UserID == a.userID {
			a.emit()
		}
	})

	return a
}

func (a *Adapter) Kind() Kind {
	return a.source.Kind()
}

func (a *Adapter) UserID() string {
	return a.userID
}

func (a *Adapter) CacheKey() string {
	return a.cacheKey
}

// request is one issued load. pending is false when the cache answered it.
// stale holds whatever the cache had before Get could evict it.
type request struct {
	seq      uint64
	pending  bool
	prev     Status
	stale    []Item
	hasStale bool
}

// Load fills the adapter from the cache or, on a miss or when forced, from the
// backend. A fetch that times out falls back to stale data and returns
// ErrNetworkDegraded. A failed fetch keeps the previous items.
func (a *Adapter) Load(ctx context.Context, force bool) error {
	req := a.begin(force)
	if !req.pending {
		return nil
	}
	return a.complete(ctx, req)
}

func (a *Adapter) Refresh(ctx context.Context) error {
	return a.Load(ctx, true)
}

// begin issues a new request sequence number and moves to Loading or Refreshing.
func (a *Adapter) begin(force bool) request {
	if a.isClosed() {
		return request{}
	}

	stale, _, hasStale := a.deps.Store.Stale(a.cacheKey)

	if !force {
		if items, ok := a.deps.Store.Get(a.cacheKey); ok {
			a.mu.Lock()
			a.seq++
			a.items = items
			a.status = StatusReady
			a.err = nil
			a.hasData = true
			a.mu.Unlock()

			slog.Debug("Inbox source served from cache", "user", a.userID, "source", a.Kind(), "items", len(items))
			a.emit()
			return request{}
		}
	}

	a.mu.Lock()
	a.seq++
	req := request{seq: a.seq, pending: true, prev: a.status, stale: stale, hasStale: hasStale}
	if a.hasData {
		a.status = StatusRefreshing
	} else {
		a.status = StatusLoading
	}
	a.mu.Unlock()

	a.emit()
	return req
}

func (a *Adapter) complete(ctx context.Context, req request) error {
	items, err := a.fetch(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		slog.Debug("Discarding inbox response of closed session", "user", a.userID, "source", a.Kind())
		return ErrClosed
	}
	if req.seq != a.seq {
		a.mu.Unlock()
		slog.Debug("Discarding superseded inbox response", "user", a.userID, "source", a.Kind(), "seq", req.seq)
		return nil
	}

	var result error
	switch {
	case err == nil:
		a.items = items
		a.status = StatusReady
		a.err = nil
		a.hasData = true
		// written under the lock so Close cannot pass a pending write
		a.deps.Store.Set(a.cacheKey, items)
		a.mu.Unlock()

	case backend.IsTimeout(err):
		if a.hasData {
			slog.Debug("Keeping resident items after timeout", "user", a.userID, "source", a.Kind(), "items", len(a.items))
		} else if stale, writtenAt, ok := a.deps.Store.Stale(a.cacheKey); ok {
			slog.Debug("Serving stale cache after timeout", "user", a.userID, "source", a.Kind(), "written_at", writtenAt)
			a.items = stale
			a.hasData = true
		} else if req.hasStale {
			slog.Debug("Serving expired cache after timeout", "user", a.userID, "source", a.Kind())
			a.items = req.stale
			a.hasData = true
		}
		result = fmt.Errorf("%w: %s fetch: %w", ErrNetworkDegraded, a.Kind(), err)
		a.status = StatusDegraded
		a.err = result
		a.mu.Unlock()
		slog.Warn("Inbox source degraded", "user", a.userID, "source", a.Kind(), "error", err)

	case errors.Is(err, context.Canceled):
		a.status = req.prev
		if a.status == StatusIdle && a.hasData {
			a.status = StatusReady
		}
		a.mu.Unlock()
		a.emit()
		return err

	default:
		result = fmt.Errorf("%s fetch: %w", a.Kind(), err)
		a.status = StatusFailed
		a.err = result
		a.mu.Unlock()
		slog.Error("Inbox source failed", "user", a.userID, "source", a.Kind(), "error", err)
	}

	a.emit()
	return result
}

// fetch races the backend call against the device fetch timeout. A call that
// loses the race keeps running and its result is dropped.
func (a *Adapter) fetch(ctx context.Context) ([]Item, error) {
	timeout := a.deps.Profile.FetchTimeout
	if timeout <= 0 {
		timeout = device.NewProfile(a.deps.Profile.Class, "").FetchTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		items []Item
		err   error
	}
	done := make(chan result, 1)

	go func() {
		items, err := a.source.Fetch(ctx, a.userID)
		done <- result{items: items, err: err}
	}()

	select {
	case r := <-done:
		return r.items, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &backend.Error{Kind: backend.ErrTimeout, Op: "fetch " + string(a.Kind()), Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}
}

// MarkAsRead records the mark locally first, then tells the backend. A backend
// failure leaves the local mark in place and queues a retry.
func (a *Adapter) MarkAsRead(ctx context.Context, itemID string) error {
	if a.isClosed() {
		return ErrClosed
	}

	a.deps.Ledger.MarkRead(a.userID, itemID)

	if err := a.source.MarkRead(ctx, a.userID, itemID); err != nil {
		slog.Warn("Backend did not confirm mark read", "user", a.userID, "source", a.Kind(), "id", itemID, "error", err)
		a.scheduleRetry([]string{itemID})
		return fmt.Errorf("mark %s read: %w", itemID, err)
	}
	return nil
}

// MarkAllRead marks every currently unread item. Unconfirmed ids are retried in the background.
func (a *Adapter) MarkAllRead(ctx context.Context) error {
	if a.isClosed() {
		return ErrClosed
	}

	ids := a.unreadIDs()
	if len(ids) == 0 {
		return nil
	}

	a.deps.Ledger.MarkAllRead(a.userID, ids)

	failed, err := a.source.MarkAllRead(ctx, a.userID, ids)
	if err != nil {
		slog.Warn("Backend did not confirm mark all read", "user", a.userID, "source", a.Kind(), "failed", len(failed), "total", len(ids), "error", err)
		a.scheduleRetry(failed)
		return fmt.Errorf("mark all %s read: %w", a.Kind(), err)
	}
	return nil
}

func (a *Adapter) scheduleRetry(ids []string) {
	if a.deps.Tasks == nil || len(ids) == 0 || a.isClosed() {
		return
	}

	pending := append([]string(nil), ids...)
	owner := a.userID + "/" + string(a.Kind())

	err := a.deps.Tasks.Submit(tasks.TaskTypeRetryMarkRead, owner, -1, func(ctx context.Context) error {
		if a.isClosed() {
			slog.Debug("Dropping mark read retry of closed session", "user", a.userID, "source", a.Kind())
			return nil
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(a.ctx, cancel)
		defer stop()

		failed, err := a.source.MarkAllRead(ctx, a.userID, pending)
		if err != nil {
			// only the still unconfirmed ids go into the next attempt
			pending = failed
			if a.isClosed() {
				return nil
			}
			return err
		}
		slog.Info("Mark read confirmed on retry", "user", a.userID, "source", a.Kind(), "count", len(pending))
		return nil
	})
	if err != nil {
		slog.Error("Failed to queue mark read retry", "user", a.userID, "source", a.Kind(), "error", err)
	}
}

// UnreadCount counts items neither the server nor the ledger consider read.
func (a *Adapter) UnreadCount() int {
	return len(a.unreadIDs())
}

func (a *Adapter) unreadIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for _, item := range a.items {
		if !item.ServerRead && !a.deps.Ledger.IsRead(a.userID, item.ID) {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Owns reports whether the item is among the adapter's current items.
func (a *Adapter) Owns(itemID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, item := range a.items {
		if item.ID == itemID {
			return true
		}
	}
	return false
}

func (a *Adapter) State() State {
	a.mu.Lock()
	items := make([]Item, len(a.items))
	copy(items, a.items)
	state := State{Kind: a.Kind(), Status: a.status, Err: a.err}
	a.mu.Unlock()

	for i := range items {
		items[i].Kind = a.Kind()
		items[i].Read = items[i].ServerRead || a.deps.Ledger.IsRead(a.userID, items[i].ID)
	}
	state.Items = items
	return state
}

// HasData reports whether the adapter ever got items from the cache or backend.
func (a *Adapter) HasData() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasData
}

// Invalidate drops the cached items of this adapter's user.
func (a *Adapter) Invalidate() {
	a.deps.Store.Invalidate(a.cacheKey)
}

// Subscribe registers fn for state changes, including ledger marks of this user.
// Listeners run synchronously on the goroutine that caused the change.
func (a *Adapter) Subscribe(fn StateListener) func() {
	a.listenersMu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	a.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.listenersMu.Lock()
			delete(a.listeners, id)
			a.listenersMu.Unlock()
		})
	}
}

// Close detaches the adapter from the ledger. Loads, cache writes, marks and
// retries still in flight become no-ops.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.unsubscribeLedger()
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) emit() {
	a.listenersMu.RLock()
	if len(a.listeners) == 0 {
		a.listenersMu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]StateListener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, a.listeners[id])
	}
	a.listenersMu.RUnlock()

	state := a.State()
	for _, fn := range snapshot {
		fn(state)
	}
}
