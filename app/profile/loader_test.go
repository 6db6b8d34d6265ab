package profile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

type fakeClient struct {
	mu       sync.Mutex
	rows     []backend.Row
	stats    string
	queries  int
	rpcs     int
	hang     bool
	queryErr error
}

func (c *fakeClient) Query(ctx context.Context, collection string, filter backend.Filter, order backend.Order, limit int) ([]backend.Row, error) {
	c.mu.Lock()
	c.queries++
	hang, err, rows := c.hang, c.queryErr, c.rows
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, &backend.Error{Kind: backend.ErrTimeout, Op: "query " + collection, Err: ctx.Err()}
	}
	if collection != "profiles" || filter["id"] == "" || limit != 1 {
		return nil, &backend.Error{Kind: backend.ErrUnknown, Op: "query", Message: "unexpected query"}
	}
	return rows, err
}

func (c *fakeClient) Mutate(ctx context.Context, collection, id string, patch map[string]any) (backend.Row, error) {
	return nil, &backend.Error{Kind: backend.ErrUnknown, Op: "mutate"}
}

func (c *fakeClient) CallRemoteFunction(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	c.rpcs++
	hang, stats := c.hang, c.stats
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, &backend.Error{Kind: backend.ErrTimeout, Op: "rpc " + name, Err: ctx.Err()}
	}
	if name != "get_user_stats" || args["user_id"] != "user42" {
		return nil, &backend.Error{Kind: backend.ErrNotFound, Op: "rpc " + name}
	}
	return json.RawMessage(stats), nil
}

func (c *fakeClient) setHang(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

func testProfile(ttl time.Duration) device.Profile {
	p := device.NewProfile(device.ClassUnconstrained, "dev-1")
	p.FetchTimeout = 20 * time.Millisecond
	if ttl > 0 {
		p.TTLs = map[device.Category]time.Duration{device.CategoryProfile: ttl, device.CategoryStats: ttl}
	}
	return p
}

func TestProfileIsCached(t *testing.T) {
	client := &fakeClient{rows: []backend.Row{{"id": "user42", "username": "bob", "display_name": "Bob", "followers": 3}}}
	loader := NewLoader(client, storage.NewMemory(0), testProfile(0))

	p, err := loader.Profile(context.Background(), "user42")
	require.NoError(t, err)
	assert.Equal(t, Profile{ID: "user42", Username: "bob", DisplayName: "Bob"}, p)

	again, err := loader.Profile(context.Background(), "user42")
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.Equal(t, 1, client.queries)
}

func TestMissingProfileIsNotFound(t *testing.T) {
	loader := NewLoader(&fakeClient{}, storage.NewMemory(0), testProfile(0))

	_, err := loader.Profile(context.Background(), "user42")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStatsDecodesObjectAndRow(t *testing.T) {
	cases := map[string]string{
		"object": `{"posts_count": 4, "comments_count": 9, "likes_count": 12, "followers_count": 2, "following_count": 1}`,
		"row":    `[{"posts_count": 4, "comments_count": 9, "likes_count": 12, "followers_count": 2, "following_count": 1}]`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{stats: payload}
			loader := NewLoader(client, storage.NewMemory(0), testProfile(0))

			stats, err := loader.Stats(context.Background(), "user42")
			require.NoError(t, err)
			assert.Equal(t, Stats{Posts: 4, Comments: 9, Likes: 12, Followers: 2, Following: 1}, stats)
		})
	}
}

func TestStatsTimeoutFallsBackToExpiredEntry(t *testing.T) {
	client := &fakeClient{stats: `{"posts_count": 7}`}
	loader := NewLoader(client, storage.NewMemory(0), testProfile(time.Millisecond))

	_, err := loader.Stats(context.Background(), "user42")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	client.setHang(true)
	stats, err := loader.Stats(context.Background(), "user42")
	assert.ErrorIs(t, err, inbox.ErrNetworkDegraded)
	assert.True(t, inbox.Recoverable(err))
	assert.Equal(t, 7, stats.Posts)
	assert.Equal(t, 2, client.rpcs)
}

func TestTimeoutWithoutCacheFails(t *testing.T) {
	client := &fakeClient{hang: true}
	loader := NewLoader(client, storage.NewMemory(0), testProfile(0))

	_, err := loader.Profile(context.Background(), "user42")
	assert.ErrorIs(t, err, backend.ErrTimeout)
	assert.NotErrorIs(t, err, inbox.ErrNetworkDegraded)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	client := &fakeClient{
		rows:  []backend.Row{{"id": "user42", "username": "bob"}},
		stats: `{"posts_count": 1}`,
	}
	loader := NewLoader(client, storage.NewMemory(0), testProfile(0))

	_, err := loader.Profile(context.Background(), "user42")
	require.NoError(t, err)
	_, err = loader.Stats(context.Background(), "user42")
	require.NoError(t, err)

	loader.Invalidate("user42")

	_, err = loader.Profile(context.Background(), "user42")
	require.NoError(t, err)
	_, err = loader.Stats(context.Background(), "user42")
	require.NoError(t, err)

	assert.Equal(t, 2, client.queries)
	assert.Equal(t, 2, client.rpcs)
	assert.Len(t, loader.Sweepers(), 2)
}
