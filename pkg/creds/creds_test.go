package creds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxpipe/voxpipe/pkg/resilience"
)

type refreshableBearer struct {
	mu        sync.Mutex
	token     string
	refreshed string
	refreshes int
	fail      bool
}

func (b *refreshableBearer) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token, nil
}

func (b *refreshableBearer) Refresh(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	if b.fail {
		return "", errors.New("refresh unavailable")
	}
	b.token = b.refreshed
	return b.refreshed, nil
}

func newTestClient(t *testing.T, endpoint string, bearer BearerProvider) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint: endpoint,
		Retry:    resilience.NewRetryPolicy(1, time.Millisecond),
	}, bearer, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestAPIKeyFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"api_key":"short-lived-key"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &refreshableBearer{token: "good"})
	key, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if key != "short-lived-key" {
		t.Fatalf("expected key, got %q", key)
	}
}

func TestAPIKeyRefreshesOnceOn401(t *testing.T) {
	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"api_key":"k2"}`))
	}))
	defer srv.Close()

	bearer := &refreshableBearer{token: "stale", refreshed: "fresh"}
	c := newTestClient(t, srv.URL, bearer)
	key, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if key != "k2" {
		t.Fatalf("expected refreshed key, got %q", key)
	}
	if bearer.refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", bearer.refreshes)
	}
	if fetches != 2 {
		t.Fatalf("expected exactly two fetches, got %d", fetches)
	}
}

func TestAPIKeyFailsAfterSecond401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bearer := &refreshableBearer{token: "stale", refreshed: "still-stale"}
	c := newTestClient(t, srv.URL, bearer)
	_, err := c.APIKey(context.Background())
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if bearer.refreshes != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", bearer.refreshes)
	}
}

func TestAPIKeyFailsWhenRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	bearer := &refreshableBearer{token: "stale", fail: true}
	c := newTestClient(t, srv.URL, bearer)
	_, err := c.APIKey(context.Background())
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestAPIKeyRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"api_key":"k3"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &refreshableBearer{token: "good"})
	key, err := c.APIKey(context.Background())
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if key != "k3" {
		t.Fatalf("expected key after retry, got %q", key)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestStaticSource(t *testing.T) {
	if _, err := Static("").APIKey(context.Background()); err == nil {
		t.Fatalf("expected error for empty static key")
	}
	key, err := Static("fixed").APIKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "fixed" {
		t.Fatalf("expected fixed key, got %q", key)
	}
}
