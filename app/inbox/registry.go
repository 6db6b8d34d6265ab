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

type RegistryOptions struct {
	Client  backend.Client
	Configs *ConfigCache
	Ledger  *ledger.Ledger
	Store   *cache.Store[[]Item]
	Profile device.Profile
	Tasks   tasks.TaskSchedulerInterface

	// Sources overrides the backend sources per kind.
	Sources map[Kind]Source
}

// Registry hands out one started inbox per signed-in user and tears it down
// on sign-out.
type Registry struct {
	opts    RegistryOptions
	sources map[Kind]Source
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	sessions  map[string]*Aggregator
	onSignOut []func(userID string)
}

func NewRegistry(opts RegistryOptions) *Registry {
	sources := map[Kind]Source{
		KindNotification: NewNotificationSource(opts.Client, opts.Configs),
		KindMessage:      NewMessageSource(opts.Client, opts.Configs),
	}
	for kind, source := range opts.Sources {
		sources[kind] = source
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		opts:     opts,
		sources:  sources,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Aggregator),
	}
}

// Inbox returns the user's aggregator, creating and starting it on first use.
func (r *Registry) Inbox(userID string) *Aggregator {
	r.mu.Lock()
	if aggregator, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return aggregator
	}

	deps := Deps{
		Store:   r.opts.Store,
		Ledger:  r.opts.Ledger,
		Profile: r.opts.Profile,
		Tasks:   r.opts.Tasks,
	}
	aggregator := NewAggregator(userID,
		NewAdapter(userID, r.sources[KindNotification], deps),
		NewAdapter(userID, r.sources[KindMessage], deps),
		AggregatorOptions{
			WatchdogTimeout: r.opts.Profile.WatchdogTimeout,
			Tasks:           r.opts.Tasks,
		},
	)
	r.sessions[userID] = aggregator
	r.mu.Unlock()

	slog.Info("Inbox session started", "user", userID)
	aggregator.Start(r.ctx)
	return aggregator
}

// Adapter returns one source of the user's inbox for standalone use.
func (r *Registry) Adapter(userID string, kind Kind) (*Adapter, error) {
	adapter := r.Inbox(userID).Adapter(kind)
	if adapter == nil {
		return nil, fmt.Errorf("unknown inbox kind: %s", kind)
	}
	return adapter, nil
}

// OnSignOut registers cleanup that runs for every signed-out user.
func (r *Registry) OnSignOut(fn func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSignOut = append(r.onSignOut, fn)
}

// SignOut closes the user's inbox, drops its cached items and resets the ledger.
func (r *Registry) SignOut(userID string) {
	r.mu.Lock()
	aggregator := r.sessions[userID]
	delete(r.sessions, userID)
	hooks := append([]func(string){}, r.onSignOut...)
	r.mu.Unlock()

	if aggregator != nil {
		aggregator.Close()
	}

	for _, kind := range Kinds {
		r.opts.Store.Invalidate(cache.Key(kind.CacheName(), userID))
	}
	r.opts.Ledger.Reset(userID)

	for _, fn := range hooks {
		fn(userID)
	}

	slog.Info("Inbox session ended", "user", userID)
}

// RefilterKind drops the cached items of kind for every open session and
// refetches them, so a changed source config applies at once. It reports how
// many sessions were refreshed. Degraded refreshes are not errors.
func (r *Registry) RefilterKind(ctx context.Context, kind string) (int, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	sessions := make(map[string]*Aggregator, len(r.sessions))
	for userID, aggregator := range r.sessions {
		sessions[userID] = aggregator
	}
	r.mu.Unlock()

	var errs []error
	for userID, aggregator := range sessions {
		r.opts.Store.Invalidate(cache.Key(k.CacheName(), userID))

		err := aggregator.Adapter(k).Refresh(ctx)
		if err != nil && !Recoverable(err) && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}

	return len(sessions), errors.Join(errs...)
}

func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Aggregator)
	r.mu.Unlock()

	for _, aggregator := range sessions {
		aggregator.Close()
	}
}
