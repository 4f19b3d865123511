package install

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/manifest"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestController(t *testing.T, store cache.Store, mgr *generation.Manager, clock *fakeClock) *Controller {
	t.Helper()
	ctrl, err := New(context.Background(), Options{
		Store:    store,
		Manager:  mgr,
		Cooldown: time.Hour,
		Now:      clock.Now,
	})
	if err != nil {
		t.Fatalf("new controller error: %v", err)
	}
	return ctrl
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// activate 构建并提升一个只含 /index.html 的代际。
func activate(t *testing.T, mgr *generation.Manager) *manifest.AssetManifest {
	t.Helper()
	ctx := context.Background()
	data, _ := json.Marshal(map[string]any{
		"name":       "Field Notes",
		"short_name": "Notes",
		"start_url":  "/index.html",
		"display":    "standalone",
		"assets":     []string{"/index.html"},
	})
	m, err := manifest.Parse(data)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	g, err := mgr.Begin(ctx, m)
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	if err := mgr.Commit(ctx, g, generation.Entry{Key: "GET /index.html", Body: []byte("<html>")}); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	if err := mgr.Promote(ctx, g); err != nil {
		t.Fatalf("promote error: %v", err)
	}
	return m
}

func TestEligibleRequiresActiveAndCapability(t *testing.T) {
	store := newTestStore(t)
	mgr := generation.NewManager(store, generation.Options{})
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctrl := newTestController(t, store, mgr, clock)

	if d := ctrl.Eligible(true); d.Eligible || d.Reason != ReasonNoActive {
		t.Fatalf("expected no_active_generation, got %+v", d)
	}

	activate(t, mgr)
	if d := ctrl.Eligible(false); d.Eligible || d.Reason != ReasonNotCapable {
		t.Fatalf("expected not_capable, got %+v", d)
	}
	d := ctrl.Eligible(true)
	if !d.Eligible {
		t.Fatalf("expected eligible, got %+v", d)
	}
	if d.Identity == nil || d.Identity.ShortName != "Notes" {
		t.Fatalf("eligible decision should carry app identity, got %+v", d.Identity)
	}
}

func TestAssumeCapableSkipsHostSignal(t *testing.T) {
	store := newTestStore(t)
	mgr := generation.NewManager(store, generation.Options{})
	activate(t, mgr)
	ctrl, err := New(context.Background(), Options{Store: store, Manager: mgr, AssumeCapable: true})
	if err != nil {
		t.Fatalf("new controller error: %v", err)
	}
	if d := ctrl.Eligible(false); !d.Eligible {
		t.Fatalf("assume capable should ignore host signal, got %+v", d)
	}
}

func TestDismissAppliesCooldown(t *testing.T) {
	store := newTestStore(t)
	mgr := generation.NewManager(store, generation.Options{})
	activate(t, mgr)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctrl := newTestController(t, store, mgr, clock)

	if err := ctrl.Dismiss(context.Background()); err != nil {
		t.Fatalf("dismiss error: %v", err)
	}
	if d := ctrl.Eligible(true); d.Eligible || d.Reason != ReasonDismissed {
		t.Fatalf("expected dismissed, got %+v", d)
	}

	clock.now = clock.now.Add(59 * time.Minute)
	if d := ctrl.Eligible(true); d.Eligible {
		t.Fatalf("still inside cooldown, got %+v", d)
	}
	clock.now = clock.now.Add(2 * time.Minute)
	if d := ctrl.Eligible(true); !d.Eligible {
		t.Fatalf("cooldown elapsed, expected eligible, got %+v", d)
	}
}

func TestAcceptSuppressesAcrossRestart(t *testing.T) {
	store := newTestStore(t)
	mgr := generation.NewManager(store, generation.Options{})
	activate(t, mgr)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctrl := newTestController(t, store, mgr, clock)

	if err := ctrl.Accept(context.Background()); err != nil {
		t.Fatalf("accept error: %v", err)
	}
	clock.now = clock.now.Add(365 * 24 * time.Hour)
	if d := ctrl.Eligible(true); d.Eligible || d.Reason != ReasonAccepted {
		t.Fatalf("accept should suppress indefinitely, got %+v", d)
	}

	restarted := newTestController(t, store, mgr, clock)
	if d := restarted.Eligible(true); d.Reason != ReasonAccepted {
		t.Fatalf("acceptance should be persisted, got %+v", d)
	}

	// _meta 中的安装记录不能干扰代际恢复。
	fresh := generation.NewManager(store, generation.Options{})
	if err := fresh.Restore(context.Background()); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if fresh.Active() == nil {
		t.Fatalf("active generation should survive restore")
	}
}

func TestObserveManifestInvalidatesOnlyOnValidationErrors(t *testing.T) {
	store := newTestStore(t)
	mgr := generation.NewManager(store, generation.Options{})
	m := activate(t, mgr)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	ctrl := newTestController(t, store, mgr, clock)

	ctrl.ObserveManifest(nil, errors.New("dial tcp: connection refused"))
	if d := ctrl.Eligible(true); !d.Eligible {
		t.Fatalf("network errors must not disable install, got %+v", d)
	}

	_, err := manifest.Parse([]byte(`{"name": "x"}`))
	ctrl.ObserveManifest(nil, err)
	if d := ctrl.Eligible(true); d.Eligible || d.Reason != ReasonManifestInvalid {
		t.Fatalf("expected manifest_invalid, got %+v", d)
	}

	ctrl.ObserveManifest(m, nil)
	if d := ctrl.Eligible(true); !d.Eligible {
		t.Fatalf("valid manifest should restore eligibility, got %+v", d)
	}
}
