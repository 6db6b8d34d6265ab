package inbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/storage"
	"github.com/lysyi3m/inbox-sync/app/tasks"
)

// frozenMedium rejects writes once frozen.
type frozenMedium struct {
	*storage.Memory
	frozen atomic.Bool
}

func (m *frozenMedium) Set(key, value string) error {
	if m.frozen.Load() {
		return storage.ErrUnavailable
	}
	return m.Memory.Set(key, value)
}

func TestLoadServesValidCacheWithoutBackendCall(t *testing.T) {
	env := newTestEnv(time.Second)
	cached := []Item{notification("n1", 1, false), notification("n2", 2, true)}
	env.store.Set("notifications_user42", cached)

	source := newFakeSource(KindNotification, notification("fresh", 3, false))
	a := env.adapter("user42", source)
	defer a.Close()

	require.NoError(t, a.Load(context.Background(), false))

	state := a.State()
	assert.Equal(t, cached, state.Items)
	assert.Equal(t, StatusReady, state.Status)
	assert.Equal(t, 0, source.fetchCount(), "a cache hit must not query the backend")
}

func TestLoadMissFetchesAndPopulatesCache(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification, notification("n1", 1, false))
	a := env.adapter("user42", source)
	defer a.Close()

	require.NoError(t, a.Load(context.Background(), false))
	assert.Equal(t, 1, source.fetchCount())
	assert.Equal(t, []string{"n1"}, ids(a.State().Items))

	cached, ok := env.store.Get("notifications_user42")
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, ids(cached))

	// second non-forced load is served by the cache
	require.NoError(t, a.Load(context.Background(), false))
	assert.Equal(t, 1, source.fetchCount())
}

func TestForcedLoadBypassesCache(t *testing.T) {
	env := newTestEnv(time.Second)
	env.store.Set("messages_user42", []Item{message("m1", 1, false)})

	source := newFakeSource(KindMessage, message("m2", 2, false))
	a := env.adapter("user42", source)
	defer a.Close()

	require.NoError(t, a.Refresh(context.Background()))
	assert.Equal(t, 1, source.fetchCount())
	assert.Equal(t, []string{"m2"}, ids(a.State().Items))
}

func TestCacheFromAnotherDeviceIsIgnored(t *testing.T) {
	env := newTestEnv(time.Second)
	other := device.NewProfile(device.ClassUnconstrained, "dev-2")
	cache.NewStore[[]Item](env.medium, other, device.CategoryFeed).Set("notifications_user42", []Item{notification("old", 1, false)})

	source := newFakeSource(KindNotification, notification("n1", 2, false))
	a := env.adapter("user42", source)
	defer a.Close()

	require.NoError(t, a.Load(context.Background(), false))
	assert.Equal(t, 1, source.fetchCount())
	assert.Equal(t, []string{"n1"}, ids(a.State().Items))
}

func TestTimeoutFallsBackToStaleCache(t *testing.T) {
	env := newTestEnv(30 * time.Millisecond)
	env.store.Set("notifications_user42", []Item{notification("n1", 1, false)})

	source := newFakeSource(KindNotification)
	source.setFetchFn(hang)
	a := env.adapter("user42", source)
	defer a.Close()

	err := a.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkDegraded)
	assert.True(t, Recoverable(err))

	state := a.State()
	assert.Equal(t, StatusDegraded, state.Status)
	assert.Equal(t, []string{"n1"}, ids(state.Items))
}

func TestTimeoutFallsBackToExpiredCache(t *testing.T) {
	env := newTestEnv(30 * time.Millisecond)
	short := env.profile
	short.TTLs = map[device.Category]time.Duration{device.CategoryFeed: time.Millisecond}
	env.store = cache.NewStore[[]Item](env.medium, short, device.CategoryFeed)
	env.store.Set("notifications_user42", []Item{notification("n1", 1, false)})
	time.Sleep(5 * time.Millisecond)

	source := newFakeSource(KindNotification)
	source.setFetchFn(hang)
	a := env.adapter("user42", source)
	defer a.Close()

	err := a.Load(context.Background(), false)
	assert.ErrorIs(t, err, ErrNetworkDegraded)
	assert.Equal(t, 1, source.fetchCount(), "expired entry is a miss")
	assert.Equal(t, StatusDegraded, a.State().Status)
	assert.Equal(t, []string{"n1"}, ids(a.State().Items))
}

func TestTimeoutWithoutCacheIsDegradedAndEmpty(t *testing.T) {
	env := newTestEnv(20 * time.Millisecond)
	source := newFakeSource(KindMessage)
	source.setFetchFn(hang)
	a := env.adapter("user42", source)
	defer a.Close()

	err := a.Load(context.Background(), false)
	assert.ErrorIs(t, err, ErrNetworkDegraded)
	assert.Equal(t, StatusDegraded, a.State().Status)
	assert.Empty(t, a.State().Items)
}

func TestTimeoutKeepsItemsNewerThanCache(t *testing.T) {
	env := newTestEnv(20 * time.Millisecond)
	medium := &frozenMedium{Memory: env.medium}
	env.store = cache.NewStore[[]Item](medium, env.profile, device.CategoryFeed)

	source := newFakeSource(KindNotification, notification("a", 1, false))
	a := env.adapter("user42", source)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))

	medium.frozen.Store(true)
	source.setItems(notification("a", 1, false), notification("b", 2, false), notification("c", 3, false))
	require.NoError(t, a.Refresh(context.Background()))

	cached, _, ok := env.store.Stale("notifications_user42")
	require.True(t, ok)
	require.Equal(t, []string{"a"}, ids(cached), "refresh was not persisted")

	source.setFetchFn(hang)
	assert.ErrorIs(t, a.Refresh(context.Background()), ErrNetworkDegraded)

	state := a.State()
	assert.Equal(t, StatusDegraded, state.Status)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids(state.Items))
	assert.Equal(t, 3, a.UnreadCount())
}

func TestRefreshFailureKeepsPreviousItems(t *testing.T) {
	cases := map[string]func(*fakeSource){
		"unknown": func(s *fakeSource) { s.setFetchErr(errBackendDown) },
		"timeout": func(s *fakeSource) { s.setFetchFn(hang) },
	}

	for name, fail := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(20 * time.Millisecond)
			source := newFakeSource(KindNotification, notification("n1", 1, false), notification("n2", 2, false))
			a := env.adapter("user42", source)
			defer a.Close()

			require.NoError(t, a.Load(context.Background(), false))
			before := a.State().Items

			fail(source)
			require.Error(t, a.Refresh(context.Background()))

			assert.Equal(t, before, a.State().Items)
		})
	}
}

func TestHardFailureSetsFailed(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification)
	source.setFetchErr(&backend.Error{Kind: backend.ErrUnauthorized, Op: "query notifications", StatusCode: 401})
	a := env.adapter("user42", source)
	defer a.Close()

	err := a.Load(context.Background(), false)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, Recoverable(err))

	state := a.State()
	assert.Equal(t, StatusFailed, state.Status)
	assert.ErrorIs(t, state.Err, ErrUnauthorized)
}

func TestRefreshReportsRefreshingWhileDataExists(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification, notification("n1", 1, false))
	a := env.adapter("user42", source)
	defer a.Close()

	// cold load reports Loading
	release := make(chan struct{})
	source.setFetchFn(func(ctx context.Context, call int) ([]Item, error) {
		<-release
		return []Item{notification("n1", 1, false)}, nil
	})

	done := make(chan error, 1)
	go func() { done <- a.Load(context.Background(), false) }()
	require.Eventually(t, func() bool { return a.State().Loading() }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	release = make(chan struct{})
	go func() { done <- a.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return a.State().Refreshing() }, time.Second, time.Millisecond)
	assert.False(t, a.State().Loading())
	assert.Equal(t, []string{"n1"}, ids(a.State().Items))
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusReady, a.State().Status)
}

func TestLateResponseOfEarlierLoadIsDiscarded(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification)

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	source.setFetchFn(func(ctx context.Context, call int) ([]Item, error) {
		if call == 1 {
			close(firstStarted)
			<-releaseFirst
			return []Item{notification("old", 1, false)}, nil
		}
		return []Item{notification("new", 2, false)}, nil
	})

	a := env.adapter("user42", source)
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.Load(context.Background(), false)
	}()

	<-firstStarted
	require.NoError(t, a.Refresh(context.Background()))
	close(releaseFirst)
	wg.Wait()

	assert.Equal(t, []string{"new"}, ids(a.State().Items))
	cached, ok := env.store.Get("notifications_user42")
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, ids(cached))
}

func TestCancelledLoadRestoresPreviousStatus(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification, notification("n1", 1, false))
	a := env.adapter("user42", source)
	defer a.Close()

	require.NoError(t, a.Load(context.Background(), false))

	source.setFetchFn(hang)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := a.Refresh(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusReady, a.State().Status)
	assert.Equal(t, []string{"n1"}, ids(a.State().Items))
}

func TestMarkAsReadUpdatesCountBeforeBackendCall(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification,
		notification("n1", 1, false), notification("n2", 2, false), notification("n3", 3, false))
	a := env.adapter("user42", source)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))
	require.Equal(t, 3, a.UnreadCount())

	var seenByListener, seenByBackend int
	a.Subscribe(func(State) { seenByListener = a.UnreadCount() })
	source.onMarkRead = func() { seenByBackend = a.UnreadCount() }

	require.NoError(t, a.MarkAsRead(context.Background(), "n2"))

	assert.Equal(t, 2, seenByListener)
	assert.Equal(t, 2, seenByBackend)
	assert.Equal(t, 2, a.UnreadCount())
	assert.Equal(t, []string{"n2"}, source.markedIDs())

	for _, item := range a.State().Items {
		assert.Equal(t, item.ID == "n2", item.Read, item.ID)
	}
}

func TestMarkAsReadFailureIsNotRolledBack(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindMessage, message("m1", 1, false), message("m2", 2, false))
	a := env.adapter("user42", source)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))

	source.markErr = errBackendDown
	err := a.MarkAsRead(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrUnknown)

	assert.Equal(t, 1, a.UnreadCount())
	assert.True(t, env.ledger.IsRead("user42", "m1"))
}

func TestUnreadCountIgnoresStaleServerFlag(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification, notification("n1", 1, false), notification("n2", 2, false))
	a := env.adapter("user42", source)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))

	require.NoError(t, a.MarkAsRead(context.Background(), "n1"))
	require.Equal(t, 1, a.UnreadCount())

	// the server has not caught up yet and still reports n1 unread
	require.NoError(t, a.Refresh(context.Background()))
	assert.Equal(t, 1, a.UnreadCount())
}

func TestMarkAllReadSendsOnlyUnreadIDs(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindNotification,
		notification("n1", 1, false), notification("n2", 2, true), notification("n3", 3, false))
	a := env.adapter("user42", source)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))

	var events int
	a.Subscribe(func(State) { events++ })

	require.NoError(t, a.MarkAllRead(context.Background()))
	assert.ElementsMatch(t, []string{"n1", "n3"}, source.markedIDs())
	assert.Equal(t, 0, a.UnreadCount())
	assert.Equal(t, 1, events, "one ledger change for the whole batch")

	// nothing left to mark
	require.NoError(t, a.MarkAllRead(context.Background()))
	assert.Len(t, source.markedIDs(), 2)
}

func TestFailedMarkAllReadIsRetriedInBackground(t *testing.T) {
	scheduler := tasks.NewScheduler(tasks.Options{WorkerCount: 1, BaseRetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond})
	scheduler.Start()
	defer scheduler.Stop()

	env := newTestEnv(time.Second)
	deps := env.deps()
	deps.Tasks = scheduler

	source := newFakeSource(KindMessage, message("m1", 1, false), message("m2", 2, false))
	source.markAllFail = 2
	a := NewAdapter("user42", source, deps)
	defer a.Close()
	require.NoError(t, a.Load(context.Background(), false))

	err := a.MarkAllRead(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, a.UnreadCount())

	require.Eventually(t, func() bool {
		return len(source.markedIDs()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"m1", "m2"}, source.markedIDs())
}

func TestLedgerChangesOfOtherUsersAreIgnored(t *testing.T) {
	env := newTestEnv(time.Second)
	a := env.adapter("user42", newFakeSource(KindNotification))
	defer a.Close()

	var events int
	a.Subscribe(func(State) { events++ })

	env.ledger.MarkRead("someone-else", "n1")
	assert.Equal(t, 0, events)

	env.ledger.MarkRead("user42", "n1")
	assert.Equal(t, 1, events)
}

func TestCloseDetachesFromLedger(t *testing.T) {
	env := newTestEnv(time.Second)
	a := env.adapter("user42", newFakeSource(KindNotification))

	var events int
	a.Subscribe(func(State) { events++ })
	a.Close()

	env.ledger.MarkRead("user42", "n1")
	assert.Equal(t, 0, events)
}

func TestClosedAdapterIgnoresLoadsAndMarks(t *testing.T) {
	env := newTestEnv(time.Second)
	source := newFakeSource(KindMessage, message("m1", 1, false))
	a := env.adapter("user42", source)
	a.Close()

	require.NoError(t, a.Load(context.Background(), true))
	assert.Equal(t, 0, source.fetchCount())
	_, cached := env.store.Get("messages_user42")
	assert.False(t, cached)

	assert.ErrorIs(t, a.MarkAsRead(context.Background(), "m1"), ErrClosed)
	assert.ErrorIs(t, a.MarkAllRead(context.Background()), ErrClosed)
	assert.False(t, env.ledger.IsRead("user42", "m1"))
	assert.Empty(t, source.markedIDs())
}
