package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/oauthmgr"
	"github.com/quietloop/projectbridge/internal/rpcerr"
)

// fakeTokenManager is a minimal tokenManager double so upstream's
// 401-forces-refresh-and-retry-once path can be exercised without a live
// OAuth token endpoint.
type fakeTokenManager struct {
	mu            sync.Mutex
	current       string
	refreshedTo   string
	forceRefreshN int
}

func (f *fakeTokenManager) Current(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeTokenManager) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceRefreshN++
	f.current = f.refreshedTo
	return f.current, nil
}

func newTestTokens(t *testing.T) *oauthmgr.Manager {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.SetTTL("oauth:access_token", []byte("test-token"), time.Minute); err != nil {
		t.Fatalf("SetTTL() error = %v", err)
	}

	mgr, err := oauthmgr.NewManager(oauthmgr.Credentials{
		ClientID: "c", ClientSecret: "s", RefreshToken: "r",
	}, store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func TestClient_Ping_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(ServiceProjects, srv.URL, newTestTokens(t), time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v, want nil (401 still counts as reachable)", err)
	}
}

func TestClient_Ping_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(ServiceProjects, srv.URL, newTestTokens(t), time.Second)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error for 5xx response")
	}
}

func TestClient_Ping_Unreachable(t *testing.T) {
	c := NewClient(ServiceProjects, "http://127.0.0.1:1", newTestTokens(t), 200*time.Millisecond)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() expected error for unreachable host")
	}
}

func TestClient_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing/wrong authorization header: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"task-1","name":"demo"}`))
	}))
	defer srv.Close()

	client := NewClient(ServiceProjects, srv.URL, newTestTokens(t), 5*time.Second)

	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/tasks/task-1"}, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if out.ID != "task-1" || out.Name != "demo" {
		t.Errorf("Do() decoded = %+v", out)
	}
}

func TestClient_Do_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(ServiceProjects, srv.URL, newTestTokens(t), 5*time.Second)

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/tasks/missing"}, nil)
	rerr := rpcerr.As(err)
	if rerr == nil || rerr.Kind != rpcerr.KindNotFound {
		t.Fatalf("Do() error = %v, want KindNotFound", err)
	}
}

func TestClient_Do_UpstreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(ServiceProjects, srv.URL, newTestTokens(t), 5*time.Second)

	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/tasks"}, nil)
	rerr := rpcerr.As(err)
	if rerr == nil || rerr.Kind != rpcerr.KindUpstreamRejected {
		t.Fatalf("Do() error = %v, want KindUpstreamRejected", err)
	}
}

func TestClient_Do_RetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(ServiceFiles, srv.URL, newTestTokens(t), 5*time.Second)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/files"}, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !out.OK || calls != 2 {
		t.Errorf("Do() out=%+v calls=%d, want ok=true calls=2", out, calls)
	}
}

func TestClient_Do_401ForcesRefreshAndRetriesOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer stale-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tokens := &fakeTokenManager{current: "stale-token", refreshedTo: "fresh-token"}
	client := &Client{service: ServiceProjects, baseURL: srv.URL, tokens: tokens, http: &http.Client{Timeout: 5 * time.Second}}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/tasks"}, &out); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !out.OK {
		t.Errorf("Do() out = %+v, want ok=true", out)
	}
	if tokens.forceRefreshN != 1 {
		t.Errorf("ForceRefresh called %d times, want exactly 1", tokens.forceRefreshN)
	}
	if calls != 2 {
		t.Errorf("upstream called %d times, want exactly 2 (initial 401 + retry)", calls)
	}
}

func TestClient_Do_RepeatedUnauthorizedOnlyRetriesOnce(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokenManager{current: "stale-token", refreshedTo: "still-stale-token"}
	client := &Client{service: ServiceProjects, baseURL: srv.URL, tokens: tokens, http: &http.Client{Timeout: 5 * time.Second}}

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/tasks"}, nil)
	rerr := rpcerr.As(err)
	if rerr == nil || rerr.Kind != rpcerr.KindUnauthorised {
		t.Fatalf("Do() error = %v, want KindUnauthorised", err)
	}
	if calls != 2 {
		t.Errorf("upstream called %d times, want exactly 2 (initial call plus the one forced retry)", calls)
	}
}

func TestClient_Do_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(ServiceProjects, srv.URL, newTestTokens(t), 5*time.Second)

	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/tasks"}, nil)
	rerr := rpcerr.As(err)
	if rerr == nil || rerr.Kind != rpcerr.KindConflict {
		t.Fatalf("Do() error = %v, want KindConflict", err)
	}
}
