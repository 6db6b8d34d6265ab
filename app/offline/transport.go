package offline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	// CacheHeader tells the caller how the response was served.
	CacheHeader = "X-Offline-Cache"

	DefaultAssetTTL = 30 * 24 * time.Hour
)

type Strategy string

const (
	NetworkFirst         Strategy = "network-first"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

var assetExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".avif": true, ".svg": true, ".ico": true,
	".js": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true,
}

// Classify picks the caching strategy for a read request.
func Classify(req *http.Request) Strategy {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(req.Header.Get("Accept"), "text/html") {
		return NetworkFirst
	}
	if req.Header.Get("Sec-Fetch-Dest") == "image" || assetExtensions[strings.ToLower(path.Ext(req.URL.Path))] {
		return CacheFirst
	}
	return StaleWhileRevalidate
}

// Transport is an http.RoundTripper that serves GET and HEAD requests from an
// in-memory response cache. Navigations go to the network first, assets come
// from the cache first, everything else is served stale while revalidating.
type Transport struct {
	next     http.RoundTripper
	store    *Store
	assetTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewTransport(next http.RoundTripper, store *Store) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if store == nil {
		store = NewStore(0)
	}
	return &Transport{
		next:     next,
		store:    store,
		assetTTL: DefaultAssetTTL,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return t.next.RoundTrip(req)
	}

	key := cacheKey(req)

	switch Classify(req) {
	case NetworkFirst:
		return t.networkFirst(req, key)
	case CacheFirst:
		return t.cacheFirst(req, key)
	default:
		return t.staleWhileRevalidate(req, key)
	}
}

func (t *Transport) networkFirst(req *http.Request, key string) (*http.Response, error) {
	resp, err := t.fetch(req, key)
	if err == nil && resp.StatusCode < http.StatusInternalServerError {
		return resp, nil
	}

	if cached, ok := t.store.get(key); ok {
		slog.Debug("Network failed, serving cached page", "url", req.URL.String(), "error", err)
		if resp != nil {
			resp.Body.Close()
		}
		return cached.response(req, "fallback"), nil
	}
	return resp, err
}

func (t *Transport) cacheFirst(req *http.Request, key string) (*http.Response, error) {
	if cached, ok := t.store.get(key); ok && t.now().Sub(cached.storedAt) < t.assetTTL {
		return cached.response(req, "hit"), nil
	}
	return t.fetch(req, key)
}

func (t *Transport) staleWhileRevalidate(req *http.Request, key string) (*http.Response, error) {
	cached, ok := t.store.get(key)
	if !ok {
		return t.fetch(req, key)
	}

	t.revalidate(req, key)
	return cached.response(req, "stale"), nil
}

// revalidate refreshes key in the background. Concurrent calls for the same key
// share one request.
func (t *Transport) revalidate(req *http.Request, key string) {
	t.mu.Lock()
	if t.inflight[key] {
		t.mu.Unlock()
		return
	}
	t.inflight[key] = true
	t.mu.Unlock()

	background := req.Clone(context.WithoutCancel(req.Context()))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.inflight, key)
			t.mu.Unlock()
		}()

		resp, err := t.fetch(background, key)
		if err != nil {
			slog.Debug("Background revalidation failed", "url", background.URL.String(), "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// fetch performs the request and stores a successful, storable response.
func (t *Transport) fetch(req *http.Request, key string) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK || !storable(resp) {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	e := &entry{
		key:        key,
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       body,
		storedAt:   t.now(),
	}
	t.store.put(e)

	return e.response(req, "miss"), nil
}

// Wait blocks until background revalidations finish.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) Store() *Store {
	return t.store
}

func (e *entry) response(req *http.Request, state string) *http.Response {
	header := e.header.Clone()
	header.Set(CacheHeader, state)

	body := e.body
	if req.Method == http.MethodHead {
		body = nil
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.statusCode, http.StatusText(e.statusCode)),
		StatusCode:    e.statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func storable(resp *http.Response) bool {
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

// cacheKey separates users of the same URL by a digest of their credentials.
func cacheKey(req *http.Request) string {
	key := req.Method + " " + req.URL.String()

	auth := req.Header.Get("Authorization") + "|" + req.Header.Get("apikey")
	if auth != "|" {
		sum := sha256.Sum256([]byte(auth))
		key += " " + hex.EncodeToString(sum[:8])
	}
	return key
}
