package inbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/tasks"
)

// Snapshot is the derived inbox state handed to views.
type Snapshot struct {
	UserID      string
	Feed        []Item
	UnreadCount int
	Loading     bool
	Err         error
	Filter      Kind
}

type SnapshotListener func(Snapshot)

type AggregatorOptions struct {
	WatchdogTimeout time.Duration
	Tasks           tasks.TaskSchedulerInterface // optional, runs the dual refresh
}

// Aggregator merges the notification and message adapters of one user into a
// single inbox.
type Aggregator struct {
	userID          string
	adapters        map[Kind]*Adapter
	watchdog        *Watchdog
	watchdogTimeout time.Duration
	tasks           tasks.TaskSchedulerInterface

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	filter Kind
	closed bool

	listenersMu sync.RWMutex
	listeners   map[uint64]SnapshotListener
	nextID      uint64

	unsubscribes []func()
}

func NewAggregator(userID string, notifications, messages *Adapter, opts AggregatorOptions) *Aggregator {
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = device.DefaultWatchdogTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Aggregator{
		userID: userID,
		adapters: map[Kind]*Adapter{
			KindNotification: notifications,
			KindMessage:      messages,
		},
		watchdogTimeout: opts.WatchdogTimeout,
		tasks:           opts.Tasks,
		ctx:             ctx,
		cancel:          cancel,
		filter:          KindNotification,
		listeners:       make(map[uint64]SnapshotListener),
	}

	a.watchdog = NewWatchdog(func(reason error) {
		slog.Warn("Inbox loading forced to complete", "user", a.userID, "reason", reason)
		a.emit()
	})

	for _, kind := range Kinds {
		a.unsubscribes = append(a.unsubscribes, a.adapters[kind].Subscribe(func(State) {
			a.onAdapterChange()
		}))
	}

	return a
}

func (a *Aggregator) UserID() string {
	return a.userID
}

func (a *Aggregator) Adapter(kind Kind) *Adapter {
	return a.adapters[kind]
}

func (a *Aggregator) Watchdog() *Watchdog {
	return a.watchdog
}

// Start runs the initial load of both adapters. Cache hits apply before Start
// returns; fetches continue in the background under the watchdog.
func (a *Aggregator) Start(ctx context.Context) {
	a.load(ctx, false)
}

// Retry re-arms the watchdog and refreshes both adapters in the background.
func (a *Aggregator) Retry(ctx context.Context) {
	slog.Info("Inbox retry requested", "user", a.userID)
	a.load(ctx, true)
}

func (a *Aggregator) load(ctx context.Context, force bool) {
	if a.isClosed() {
		return
	}

	requests := make(map[Kind]request, len(Kinds))
	for _, kind := range Kinds {
		requests[kind] = a.adapters[kind].begin(force)
	}

	if a.coldLoading() {
		a.watchdog.Arm(a.watchdogTimeout)
	} else {
		// a timeout from an earlier cold start no longer applies
		a.watchdog.Reset()
	}

	for _, kind := range Kinds {
		req := requests[kind]
		if !req.pending {
			continue
		}
		adapter := a.adapters[kind]

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()

			// Close abandons loads still in flight
			loadCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(a.ctx, cancel)
			defer stop()

			if err := adapter.complete(loadCtx, req); err != nil {
				slog.Debug("Inbox load finished with error", "user", a.userID, "source", adapter.Kind(), "error", err)
			}
		}()
	}
}

// Refresh forces both adapters to refetch concurrently and waits for them.
func (a *Aggregator) Refresh(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, kind := range Kinds {
		adapter := a.adapters[kind]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := adapter.Refresh(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// refreshInBackground reconciles both adapters with the server after a mark.
// A mark on one kind can change the other kind server side.
func (a *Aggregator) refreshInBackground() {
	if a.isClosed() {
		return
	}

	if a.tasks != nil {
		err := a.tasks.Submit(tasks.TaskTypeRefreshSource, a.userID, 0, func(ctx context.Context) error {
			if a.isClosed() {
				return nil
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(a.ctx, cancel)
			defer stop()

			err := a.Refresh(ctx)
			if err == nil || Recoverable(err) || a.isClosed() {
				return nil
			}
			return err
		})
		if err == nil {
			return
		}
		slog.Warn("Failed to queue inbox refresh, refreshing inline", "user", a.userID, "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Refresh(a.ctx); err != nil {
			slog.Debug("Background inbox refresh finished with error", "user", a.userID, "error", err)
		}
	}()
}

// Feed returns the items of the current filter, newest first.
func (a *Aggregator) Feed() []Item {
	return a.FeedFor(a.Filter())
}

// FeedFor returns the kind's items sorted by creation time descending. Equal
// timestamps are ordered by id so the order never flaps between renders.
func (a *Aggregator) FeedFor(kind Kind) []Item {
	adapter, ok := a.adapters[kind]
	if !ok {
		return nil
	}

	items := adapter.State().Items
	slices.SortStableFunc(items, func(x, y Item) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return items
}

// UnreadCount sums both adapters' reconciled counts.
func (a *Aggregator) UnreadCount() int {
	total := 0
	for _, kind := range Kinds {
		total += a.adapters[kind].UnreadCount()
	}
	return total
}

// Loading is true only while both adapters load from a cold start and the
// watchdog has not fired.
func (a *Aggregator) Loading() bool {
	return a.coldLoading() && !a.watchdog.Fired()
}

// Err reports blocking adapter errors first, then the watchdog timeout while a
// source is still loading, then banner errors.
func (a *Aggregator) Err() error {
	var recoverable error
	for _, kind := range Kinds {
		err := a.adapters[kind].State().Err
		if err == nil {
			continue
		}
		if !Recoverable(err) {
			return err
		}
		if recoverable == nil {
			recoverable = err
		}
	}

	if a.watchdog.Fired() && a.anyLoading() {
		return a.watchdog.Reason()
	}
	return recoverable
}

func (a *Aggregator) Filter() Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

// SetFilter switches the visible kind. It never fetches.
func (a *Aggregator) SetFilter(kind Kind) error {
	if _, ok := a.adapters[kind]; !ok {
		return fmt.Errorf("unknown inbox kind: %s", kind)
	}

	a.mu.Lock()
	changed := a.filter != kind
	a.filter = kind
	a.mu.Unlock()

	if changed {
		a.emit()
	}
	return nil
}

// MarkAsRead routes the mark to the adapter holding id, then refreshes both
// adapters in the background.
func (a *Aggregator) MarkAsRead(ctx context.Context, itemID string) error {
	var owner *Adapter
	for _, kind := range Kinds {
		if a.adapters[kind].Owns(itemID) {
			owner = a.adapters[kind]
			break
		}
	}
	if owner == nil {
		return fmt.Errorf("%w: inbox item %s", ErrNotFound, itemID)
	}

	err := owner.MarkAsRead(ctx, itemID)
	a.refreshInBackground()
	return err
}

// MarkAllRead marks every unread item of the current filter, then refreshes both adapters.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	err := a.adapters[a.Filter()].MarkAllRead(ctx)
	a.refreshInBackground()
	return err
}

func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		UserID:      a.userID,
		Feed:        a.Feed(),
		UnreadCount: a.UnreadCount(),
		Loading:     a.Loading(),
		Err:         a.Err(),
		Filter:      a.Filter(),
	}
}

// Subscribe registers fn for every change of the derived state.
func (a *Aggregator) Subscribe(fn SnapshotListener) func() {
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

// Wait blocks until background loads and refreshes started by the aggregator finish.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

// Close stops background work and detaches from the adapters and the ledger.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.watchdog.Disarm()
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.wg.Wait()

	for _, kind := range Kinds {
		a.adapters[kind].Close()
	}
}

func (a *Aggregator) onAdapterChange() {
	if !a.coldLoading() {
		a.watchdog.Disarm()
	}
	a.emit()
}

func (a *Aggregator) coldLoading() bool {
	for _, kind := range Kinds {
		if a.adapters[kind].State().Status != StatusLoading {
			return false
		}
	}
	return true
}

func (a *Aggregator) anyLoading() bool {
	for _, kind := range Kinds {
		if a.adapters[kind].State().Loading() {
			return true
		}
	}
	return false
}

func (a *Aggregator) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Aggregator) emit() {
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
	snapshot := make([]SnapshotListener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, a.listeners[id])
	}
	a.listenersMu.RUnlock()

	state := a.Snapshot()
	for _, fn := range snapshot {
		fn(state)
	}
}
