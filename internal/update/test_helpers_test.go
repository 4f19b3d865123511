package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/manifest"
)

const testRetries = 2

type testEnv struct {
	origin *fakeOrigin
	source *memorySource
	mgr    *generation.Manager
	coord  *Coordinator
}

func newTestEnv(t *testing.T, store cache.Store) *testEnv {
	return newTestEnvWith(t, store, nil)
}

func newTestEnvWith(t *testing.T, store cache.Store, onManifest func(*manifest.AssetManifest, error)) *testEnv {
	t.Helper()
	return newTestEnvOptions(t, store, generation.Options{}, onManifest)
}

func newTestEnvOptions(t *testing.T, store cache.Store, genOpts generation.Options, onManifest func(*manifest.AssetManifest, error)) *testEnv {
	t.Helper()
	if store == nil {
		fsStore, err := cache.NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("store error: %v", err)
		}
		store = fsStore
	}
	origin := newFakeOrigin(t)
	originURL, _ := url.Parse(origin.server.URL)

	fetcher, err := NewFetcher(FetcherOptions{
		Client:         origin.server.Client(),
		Origin:         originURL,
		MaxRetries:     testRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("fetcher error: %v", err)
	}

	mgr := generation.NewManager(store, genOpts)
	source := &memorySource{}
	coord, err := New(Options{
		Source:      source,
		Manager:     mgr,
		Fetcher:     fetcher,
		Concurrency: 2,
		OnManifest:  onManifest,
	})
	if err != nil {
		t.Fatalf("coordinator error: %v", err)
	}
	return &testEnv{origin: origin, source: source, mgr: mgr, coord: coord}
}

// memorySource 是可随时替换内容的 manifest 来源。
type memorySource struct {
	mu   sync.Mutex
	data string
}

func (s *memorySource) set(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

func (s *memorySource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.data), nil
}

func (s *memorySource) String() string { return "memory" }

func manifestJSON(name string, assets ...string) string {
	data, _ := json.Marshal(map[string]any{
		"name":      name,
		"start_url": "/index.html",
		"display":   "standalone",
		"assets":    assets,
	})
	return string(data)
}

// fakeOrigin 模拟源站：可设置正文、固定失败或阻塞的路径。
type fakeOrigin struct {
	server *httptest.Server
	hits   atomic.Int64

	mu      sync.Mutex
	files   map[string]string
	failing map[string]int
	blocked map[string]chan struct{}
	counts  map[string]int
	once    sync.Once
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	t.Helper()
	o := &fakeOrigin{
		files:   make(map[string]string),
		failing: make(map[string]int),
		blocked: make(map[string]chan struct{}),
		counts:  make(map[string]int),
	}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.close)
	return o
}

func (o *fakeOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.hits.Add(1)
	o.mu.Lock()
	o.counts[r.URL.Path]++
	body, ok := o.files[r.URL.Path]
	status := o.failing[r.URL.Path]
	release := o.blocked[r.URL.Path]
	o.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
	delete(o.failing, path)
}

func (o *fakeOrigin) fail(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing[path] = status
}

func (o *fakeOrigin) block(path string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	release := make(chan struct{})
	o.blocked[path] = release
	o.files[path] = "slow"
	return release
}

func (o *fakeOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[path]
}

func (o *fakeOrigin) close() {
	o.once.Do(o.server.Close)
}

func assertStates(t *testing.T, history []Transition, want ...State) {
	t.Helper()
	if len(history) != len(want) {
		t.Fatalf("expected %d transitions %v, got %+v", len(want), want, history)
	}
	for i, tr := range history {
		if tr.To != want[i] {
			t.Fatalf("transition %d: want %s got %s (%+v)", i, want[i], tr.To, history)
		}
	}
}

func waitForState(t *testing.T, events <-chan Transition, state State) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr := <-events:
			if tr.To == state {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}
