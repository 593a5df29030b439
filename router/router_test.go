package router

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/imjasonh/offlinefirst/cache"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork answers requests by path.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*Response
	offline   bool
	hang      bool
	calls     int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: make(map[string]*Response)}
}

func (f *fakeNetwork) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Source: SourceNetwork,
	}
}

func (f *fakeNetwork) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	offline, hang := f.offline, f.hang
	resp, ok := f.responses[req.URL.Path]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if offline {
		return nil, errOffline
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Body: []byte("not found"), Source: SourceNetwork}, nil
	}
	return &Response{
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   append([]byte(nil), resp.Body...),
		Source: SourceNetwork,
	}, nil
}

func (f *fakeNetwork) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var testNamespaces = cache.Names("academgrad", 2)

func newTestRouter(t *testing.T, net Fetcher, timeout time.Duration) (*Router, cache.Storage) {
	t.Helper()
	store := cache.NewMemory()
	r := New(Options{
		Rules: DefaultRules(RulesConfig{
			APIPrefixes:  []string{"/api/"},
			StaticAssets: []string{"/", "/dashboard", "/offline"},
			APITimeout:   timeout,
		}),
		Cache:       store,
		Fetcher:     net,
		Namespaces:  func() cache.Namespaces { return testNamespaces },
		OfflinePage: "/offline",
	})
	return r, store
}

func get(path string) *Request {
	u, _ := url.Parse("https://app.example.com" + path)
	return &Request{Method: http.MethodGet, URL: u}
}

func navigate(path string) *Request {
	req := get(path)
	req.Mode = ModeNavigate
	return req
}

func handle(t *testing.T, r *Router, req *Request) *Response {
	t.Helper()
	resp, ok := r.Handle(context.Background(), req)
	if !ok {
		t.Fatalf("Handle(%s %s) not intercepted", req.Method, req.URL)
	}
	return resp
}

func TestClassify(t *testing.T) {
	rules := DefaultRules(RulesConfig{
		APIPrefixes:  []string{"/api/"},
		StaticAssets: []string{"/", "/dashboard"},
		APITimeout:   5 * time.Second,
	})

	tests := []struct {
		name   string
		method string
		path   string
		want   Kind
	}{
		{name: "post bypasses", method: "POST", path: "/api/attempt", want: Bypass},
		{name: "head bypasses", method: "HEAD", path: "/", want: Bypass},
		{name: "api", method: "GET", path: "/api/tasks", want: NetworkFirst},
		{name: "static exact", method: "GET", path: "/dashboard", want: CacheFirst},
		{name: "static root", method: "GET", path: "/", want: CacheFirst},
		{name: "static prefix is not static", method: "GET", path: "/dashboard/stats", want: Dynamic},
		{name: "everything else", method: "GET", path: "/tasks/42", want: Dynamic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := get(tt.path)
			req.Method = tt.method
			got := rules.Classify(req)
			if got.Strategy.Kind != tt.want {
				t.Errorf("Classify() = %v, want %v", got.Strategy.Kind, tt.want)
			}
		})
	}

	if got := rules.Classify(get("/api/tasks")).Strategy.Timeout; got != 5*time.Second {
		t.Errorf("api Timeout = %v, want 5s", got)
	}
	if got := (Rules{}).Classify(get("/")); got.Strategy.Kind != Bypass {
		t.Errorf("empty Rules Classify() = %v, want bypass", got.Strategy.Kind)
	}
}

func TestHandle_NonGetNotIntercepted(t *testing.T) {
	r, _ := newTestRouter(t, newFakeNetwork(), time.Second)
	req := get("/api/attempt")
	req.Method = http.MethodPost
	if _, ok := r.Handle(context.Background(), req); ok {
		t.Error("Handle(POST) intercepted, want bypass")
	}
}

func TestCacheFirst(t *testing.T) {
	net := newFakeNetwork()
	net.set("/dashboard", 200, "dashboard v1")
	r, _ := newTestRouter(t, net, time.Second)

	first := handle(t, r, get("/dashboard"))
	if first.Source != SourceNetwork || string(first.Body) != "dashboard v1" {
		t.Fatalf("first response = %s %q", first.Source, first.Body)
	}

	// A newer network version is ignored while the cache holds a copy.
	net.set("/dashboard", 200, "dashboard v2")
	second := handle(t, r, get("/dashboard"))
	if second.Source != SourceCache {
		t.Errorf("second Source = %s, want cache", second.Source)
	}
	if !bytes.Equal(second.Body, first.Body) {
		t.Errorf("second body = %q, want %q", second.Body, first.Body)
	}
	if net.callCount() != 1 {
		t.Errorf("network calls = %d, want 1", net.callCount())
	}
}

func TestCacheFirst_NonOKNotCached(t *testing.T) {
	net := newFakeNetwork()
	net.set("/dashboard", 500, "boom")
	r, store := newTestRouter(t, net, time.Second)

	resp := handle(t, r, get("/dashboard"))
	if resp.Status != 500 {
		t.Errorf("Status = %d, want 500", resp.Status)
	}
	key, _ := get("/dashboard").Key()
	if _, err := store.Match(context.Background(), testNamespaces.Static, key); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("error response was cached: %v", err)
	}
}

func TestCacheFirst_OfflineFallback(t *testing.T) {
	net := newFakeNetwork()
	net.set("/offline", 200, "<h1>offline</h1>")
	r, _ := newTestRouter(t, net, time.Second)

	// Warm the offline page.
	handle(t, r, get("/offline"))

	net.setOffline(true)
	resp := handle(t, r, get("/dashboard"))
	if resp.Source != SourceFallback {
		t.Errorf("Source = %s, want fallback", resp.Source)
	}
	if string(resp.Body) != "<h1>offline</h1>" {
		t.Errorf("Body = %q, want offline page", resp.Body)
	}
}

func TestCacheFirst_NoOfflinePage(t *testing.T) {
	net := newFakeNetwork()
	net.setOffline(true)
	r, _ := newTestRouter(t, net, time.Second)

	resp := handle(t, r, get("/dashboard"))
	if resp.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", resp.Status)
	}
}

func TestNetworkFirst_CachedFallbackOnTimeout(t *testing.T) {
	// The network hangs past the timeout; a prior successful response is
	// served instead of the offline payload.
	net := newFakeNetwork()
	net.set("/api/tasks", 200, `[{"id":"t1"}]`)
	r, _ := newTestRouter(t, net, 20*time.Millisecond)

	first := handle(t, r, get("/api/tasks"))
	if first.Source != SourceNetwork {
		t.Fatalf("first Source = %s, want network", first.Source)
	}

	net.mu.Lock()
	net.hang = true
	net.mu.Unlock()

	start := time.Now()
	resp := handle(t, r, get("/api/tasks"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Handle() took %v, timeout not applied", elapsed)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if resp.Source != SourceCache {
		t.Errorf("Source = %s, want cache", resp.Source)
	}
	if !bytes.Equal(resp.Body, first.Body) {
		t.Errorf("Body = %q, want %q", resp.Body, first.Body)
	}
}

func TestNetworkFirst_OfflinePayload(t *testing.T) {
	net := newFakeNetwork()
	net.hang = true
	r, _ := newTestRouter(t, net, 20*time.Millisecond)

	resp := handle(t, r, get("/api/tasks"))
	if resp.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", resp.Status)
	}
	if got, want := string(resp.Body), `{"error":"Offline mode","cached":false}`; got != want {
		t.Errorf("Body = %s, want %s", got, want)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestNetworkFirst_ErrorStatus(t *testing.T) {
	net := newFakeNetwork()
	net.set("/api/progress", 200, `{"done":3}`)
	r, store := newTestRouter(t, net, time.Second)

	handle(t, r, get("/api/progress"))

	// A 5xx falls back to the cached copy.
	net.set("/api/progress", 502, "bad gateway")
	resp := handle(t, r, get("/api/progress"))
	if resp.Status != 200 || resp.Source != SourceCache {
		t.Errorf("response = %d %s, want 200 from cache", resp.Status, resp.Source)
	}

	// With nothing cached, the upstream status is propagated.
	net.set("/api/other", 404, "missing")
	resp = handle(t, r, get("/api/other"))
	if resp.Status != 404 || resp.Source != SourceNetwork {
		t.Errorf("response = %d %s, want 404 from network", resp.Status, resp.Source)
	}
	key, _ := get("/api/other").Key()
	if _, err := store.Match(context.Background(), testNamespaces.API, key); !errors.Is(err, cache.ErrNotFound) {
		t.Error("non-2xx response was cached")
	}
}

func TestDynamic(t *testing.T) {
	net := newFakeNetwork()
	net.set("/tasks/42", 200, "task 42")
	net.set("/offline", 200, "offline page")
	r, _ := newTestRouter(t, net, time.Second)

	handle(t, r, get("/offline"))
	first := handle(t, r, get("/tasks/42"))

	net.setOffline(true)

	t.Run("cached copy served", func(t *testing.T) {
		resp := handle(t, r, get("/tasks/42"))
		if resp.Source != SourceCache || !bytes.Equal(resp.Body, first.Body) {
			t.Errorf("response = %s %q, want cached %q", resp.Source, resp.Body, first.Body)
		}
	})

	t.Run("navigation gets offline page", func(t *testing.T) {
		resp := handle(t, r, navigate("/tasks/99"))
		if resp.Source != SourceFallback || string(resp.Body) != "offline page" {
			t.Errorf("response = %s %q, want offline page", resp.Source, resp.Body)
		}
	})

	t.Run("subresource gets 503", func(t *testing.T) {
		resp := handle(t, r, get("/tasks/99"))
		if resp.Status != http.StatusServiceUnavailable {
			t.Errorf("Status = %d, want 503", resp.Status)
		}
	})
}

func TestDynamic_ConcurrentSameKey(t *testing.T) {
	// Two successful fetches for the same URL both write; the last write
	// wins and nothing is corrupted.
	var mu sync.Mutex
	bodies := []string{"first", "second"}
	n := 0
	net := FetcherFunc(func(ctx context.Context, req *Request) (*Response, error) {
		mu.Lock()
		body := bodies[n%2]
		n++
		mu.Unlock()
		return &Response{Status: 200, Body: []byte(body), Source: SourceNetwork}, nil
	})
	r, store := newTestRouter(t, net, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Handle(context.Background(), get("/leaderboard")); !ok {
				t.Error("Handle() not intercepted")
			}
		}()
	}
	wg.Wait()

	key, _ := get("/leaderboard").Key()
	entry, err := store.Match(context.Background(), testNamespaces.Dynamic, key)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got := string(entry.Body); got != "first" && got != "second" {
		t.Errorf("cached body = %q, want one of the written bodies", got)
	}

	// A later write always replaces the entry.
	handle(t, r, get("/leaderboard"))
	entry, _ = store.Match(context.Background(), testNamespaces.Dynamic, key)
	if got := string(entry.Body); got != "first" {
		t.Errorf("cached body after third write = %q, want %q", got, "first")
	}
}

func TestSuccessfulResponsesReplayFromCache(t *testing.T) {
	paths := []string{"/", "/api/tasks", "/tasks/1"}
	net := newFakeNetwork()
	for _, p := range paths {
		net.set(p, 200, "body of "+p)
	}
	r, _ := newTestRouter(t, net, time.Second)

	originals := make(map[string][]byte)
	for _, p := range paths {
		originals[p] = handle(t, r, get(p)).Body
	}

	net.setOffline(true)
	for _, p := range paths {
		resp := handle(t, r, get(p))
		if resp.Source != SourceCache {
			t.Errorf("%s Source = %s, want cache", p, resp.Source)
		}
		if !bytes.Equal(resp.Body, originals[p]) {
			t.Errorf("%s Body = %q, want %q", p, resp.Body, originals[p])
		}
	}
}
