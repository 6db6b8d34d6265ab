package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/inbox-sync/app/backend"
	"github.com/lysyi3m/inbox-sync/app/cache"
	"github.com/lysyi3m/inbox-sync/app/device"
	"github.com/lysyi3m/inbox-sync/app/inbox"
	"github.com/lysyi3m/inbox-sync/app/ledger"
	"github.com/lysyi3m/inbox-sync/app/profile"
	"github.com/lysyi3m/inbox-sync/app/storage"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type stubSource struct {
	kind inbox.Kind

	mu      sync.Mutex
	items   []inbox.Item
	markErr error
	marked  []string
}

func (s *stubSource) Kind() inbox.Kind {
	return s.kind
}

func (s *stubSource) Fetch(ctx context.Context, userID string) ([]inbox.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inbox.Item(nil), s.items...), nil
}

func (s *stubSource) MarkRead(ctx context.Context, userID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, itemID)
	return nil
}

func (s *stubSource) MarkAllRead(ctx context.Context, userID string, itemIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return itemIDs, s.markErr
	}
	s.marked = append(s.marked, itemIDs...)
	return nil, nil
}

type stubProfiles struct {
	profile profile.Profile
	stats   profile.Stats
	err     error
}

func (p *stubProfiles) Profile(ctx context.Context, userID string) (profile.Profile, error) {
	return p.profile, p.err
}

func (p *stubProfiles) Stats(ctx context.Context, userID string) (profile.Stats, error) {
	return p.stats, p.err
}

type stubHealth struct{}

func (stubHealth) Health() map[string]interface{} {
	return map[string]interface{}{"status": "healthy", "type": "redis"}
}

type testServer struct {
	router        *gin.Engine
	handler       *Handler
	registry      *inbox.Registry
	ledger        *ledger.Ledger
	notifications *stubSource
	messages      *stubSource
	profiles      *stubProfiles
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()

	medium := storage.NewMemory(0)
	deviceProfile := device.NewProfile(device.ClassUnconstrained, "dev-1")
	deviceProfile.FetchTimeout = time.Second

	notifications := &stubSource{kind: inbox.KindNotification, items: []inbox.Item{
		{Kind: inbox.KindNotification, ID: "n1", CreatedAt: baseTime.Add(3 * time.Minute), Title: "New follower"},
		{Kind: inbox.KindNotification, ID: "n2", CreatedAt: baseTime.Add(1 * time.Minute), Title: "Weekly digest"},
		{Kind: inbox.KindNotification, ID: "n3", CreatedAt: baseTime, Title: "Welcome", ServerRead: true},
	}}
	messages := &stubSource{kind: inbox.KindMessage, items: []inbox.Item{
		{Kind: inbox.KindMessage, ID: "m1", CreatedAt: baseTime.Add(2 * time.Minute), Body: "Nice post", AuthorName: "alice", PostTitle: "Hello"},
	}}

	l := ledger.New(medium)
	registry := inbox.NewRegistry(inbox.RegistryOptions{
		Ledger:  l,
		Store:   cache.NewStore[[]inbox.Item](medium, deviceProfile, device.CategoryFeed),
		Profile: deviceProfile,
		Sources: map[inbox.Kind]inbox.Source{
			inbox.KindNotification: notifications,
			inbox.KindMessage:      messages,
		},
	})
	t.Cleanup(registry.Close)

	profiles := &stubProfiles{
		profile: profile.Profile{ID: "user42", Username: "bob"},
		stats:   profile.Stats{Posts: 3, Followers: 10},
	}

	handler := NewHandler(registry, profiles, inbox.NewConfigCache(t.TempDir()), stubHealth{}, "http://localhost:8080", "test")
	router := NewServer(handler, nil, apiKey, nil)

	return &testServer{
		router:        router,
		handler:       handler,
		registry:      registry,
		ledger:        l,
		notifications: notifications,
		messages:      messages,
		profiles:      profiles,
	}
}

// warm starts the user's inbox and waits for its initial load.
func (s *testServer) warm(user string) *inbox.Aggregator {
	aggregator := s.registry.Inbox(user)
	aggregator.Wait()
	return aggregator
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func ids(items []inbox.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

var errBackendDown = &backend.Error{Kind: backend.ErrUnknown, Op: "rpc mark", Message: "backend down"}
