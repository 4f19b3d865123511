package server

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/policy"
)

func TestRouterClassifiesAndOpensSession(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://localhost/static/app.js", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.ruleName != "shell" {
		t.Fatalf("expected shell rule, got %s", app.recorder.ruleName)
	}
	sessionID := resp.Header.Get(SessionHeader)
	if sessionID == "" {
		t.Fatalf("expected session header to be set")
	}
	if cookie := resp.Header.Get("Set-Cookie"); !bytes.Contains([]byte(cookie), []byte(SessionCookie+"="+sessionID)) {
		t.Fatalf("expected session cookie, got %s", cookie)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.boundaries.Load() != 1 {
		t.Fatalf("auto-opened session should fire one boundary, got %d", app.boundaries.Load())
	}
}

func TestRouterReusesSessionFromHeaderAndCookie(t *testing.T) {
	app := newTestApp(t, 5000)
	session := app.registry.Open(context.Background())

	req := httptest.NewRequest("GET", "http://localhost/api/items", nil)
	req.Header.Set(SessionHeader, session.ID())
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if app.recorder.lastRoute.Session != session || app.recorder.lastRoute.Opened {
		t.Fatalf("header session should be reused")
	}
	if app.recorder.ruleName != "api" {
		t.Fatalf("expected api rule, got %s", app.recorder.ruleName)
	}

	req = httptest.NewRequest("GET", "http://localhost/index.html", nil)
	req.Header.Set("Cookie", SessionCookie+"="+session.ID())
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if app.recorder.lastRoute.Session != session {
		t.Fatalf("cookie session should be reused")
	}
	if app.recorder.ruleName != "default" {
		t.Fatalf("expected default rule, got %s", app.recorder.ruleName)
	}
}

func TestRouterTouchesReusedSession(t *testing.T) {
	app := newTestApp(t, 5000)
	session := app.registry.Open(context.Background())
	opened := session.LastSeen()

	time.Sleep(5 * time.Millisecond)
	req := httptest.NewRequest("GET", "http://localhost/api/items", nil)
	req.Header.Set(SessionHeader, session.ID())
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if !session.LastSeen().After(opened) {
		t.Fatalf("request should refresh session activity (opened %s, last seen %s)", opened, session.LastSeen())
	}
}

func TestRouterSkipsControlPaths(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("control route should bypass the proxy, got %s", body)
	}
	if app.recorder.lastRoute != nil {
		t.Fatalf("proxy should not be invoked for control paths")
	}
	if resp.Header.Get(SessionHeader) != "" {
		t.Fatalf("control paths should not open sessions")
	}
}

func TestSessionRegistryRestartAndClose(t *testing.T) {
	app := newTestApp(t, 5000)
	ctx := context.Background()
	session := app.registry.Open(ctx)

	if _, ok := app.registry.Restart(ctx, session.ID()); !ok {
		t.Fatalf("restart should find open session")
	}
	if !app.registry.Close(ctx, session.ID()) {
		t.Fatalf("close should find open session")
	}
	if _, ok := app.registry.Lookup(session.ID()); ok {
		t.Fatalf("closed session should not be found")
	}
	if app.registry.Close(ctx, session.ID()) {
		t.Fatalf("closing twice should report not found")
	}
	if got := app.boundaries.Load(); got != 3 {
		t.Fatalf("open/restart/close should each fire a boundary, got %d", got)
	}
}

func TestNewManifestSourcePrefersPath(t *testing.T) {
	cfg := testConfig(5000)
	source, err := NewManifestSource(cfg, nil)
	if err != nil {
		t.Fatalf("source error: %v", err)
	}
	if got := source.String(); got != "https://app.example.com/manifest.json" {
		t.Fatalf("unexpected manifest url: %s", got)
	}

	cfg.App.ManifestPath = "/etc/app/manifest.json"
	source, err = NewManifestSource(cfg, nil)
	if err != nil {
		t.Fatalf("source error: %v", err)
	}
	if got := source.String(); got != "file:/etc/app/manifest.json" {
		t.Fatalf("unexpected manifest source: %s", got)
	}
}

type testApp struct {
	*fiber.App
	recorder   *proxyRecorder
	registry   *SessionRegistry
	boundaries *atomic.Int64
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: port},
		App: config.AppConfig{
			Origin:      "https://app.example.com",
			ManifestURL: "/manifest.json",
		},
	}
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	table, err := policy.NewTable([]policy.Rule{
		{Name: "shell", Pattern: "/static/**", Profile: policy.Profile{Kind: policy.KindCacheFirst}},
		{Name: "api", Pattern: "/api/**", Profile: policy.Profile{Kind: policy.KindNetworkFirst}},
	}, policy.Profile{Kind: policy.KindNetworkFirst})
	if err != nil {
		t.Fatalf("table error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	boundaries := &atomic.Int64{}
	registry, err := NewSessionRegistry(testConfig(port), RegistryOptions{
		Manager: generation.NewManager(store, generation.Options{}),
		Table:   table,
		Logger:  logger,
		Boundary: func(context.Context) {
			boundaries.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder, registry: registry, boundaries: boundaries}
}

type proxyRecorder struct {
	lastRoute *Route
	ruleName  string
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *Route) error {
	p.lastRoute = route
	p.ruleName = route.Rule.Name
	return c.SendStatus(fiber.StatusNoContent)
}
