package generation

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/manifest"
)

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testManifest(t *testing.T, assets ...string) *manifest.AssetManifest {
	t.Helper()
	return testManifestNamed(t, "Field Notes", assets...)
}

func testManifestNamed(t *testing.T, name string, assets ...string) *manifest.AssetManifest {
	t.Helper()
	doc := map[string]any{
		"name":      name,
		"start_url": "/index.html",
		"display":   "standalone",
		"assets":    assets,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return m
}

// buildActive 以 path->body 构建并提升一个完整代际。
func buildActive(t *testing.T, mgr *Manager, files map[string]string) *Generation {
	t.Helper()
	ctx := context.Background()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	m := testManifest(t, paths...)
	g, err := mgr.Begin(ctx, m)
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	for _, p := range paths {
		if err := mgr.Commit(ctx, g, Entry{Key: "GET " + p, Body: []byte(files[p]), ContentType: "text/plain"}); err != nil {
			t.Fatalf("commit %s error: %v", p, err)
		}
	}
	if err := mgr.Promote(ctx, g); err != nil {
		t.Fatalf("promote error: %v", err)
	}
	return g
}

func countRecords(t *testing.T, store cache.Store) int {
	t.Helper()
	entries, err := store.List(context.Background(), cache.MetaBucket)
	if err != nil {
		t.Fatalf("list meta error: %v", err)
	}
	count := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Locator.Key, recordPrefix) {
			count++
		}
	}
	return count
}
