package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestUpstreamClientStopsAtCrossHostRedirect(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("client should not follow redirects to another host")
	}))
	defer other.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/static/app.js", http.StatusFound)
		case "/elsewhere":
			http.Redirect(w, r, other.URL+"/app.js", http.StatusFound)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer origin.Close()

	client := NewUpstreamClient(nil)
	resp, err := client.Get(origin.URL + "/moved")
	if err != nil {
		t.Fatalf("same-host redirect error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("same-host redirect should be followed, got %d", resp.StatusCode)
	}

	resp, err = client.Get(origin.URL + "/elsewhere")
	if err != nil {
		t.Fatalf("cross-host redirect error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("cross-host redirect should be returned as-is, got %d", resp.StatusCode)
	}
}

func TestForwardRequestHeadersStripsLocalState(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Accept-Encoding", "gzip")
	src.Add(SessionHeader, "abc")
	src.Add("Cookie", SessionCookie+"=abc; theme=dark")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	ForwardRequestHeaders(dst, src)

	for _, key := range []string{"Connection", "Accept-Encoding", SessionHeader} {
		if _, exists := dst[key]; exists {
			t.Fatalf("%s should not be forwarded", key)
		}
	}
	if got := dst.Get("Cookie"); got != "theme=dark" {
		t.Fatalf("session cookie should be removed, got %q", got)
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestForwardRequestHeadersDropsSessionOnlyCookie(t *testing.T) {
	src := http.Header{}
	src.Add("Cookie", SessionCookie+"=abc")

	dst := http.Header{}
	ForwardRequestHeaders(dst, src)
	if _, exists := dst["Cookie"]; exists {
		t.Fatalf("empty cookie header should be dropped, got %v", dst["Cookie"])
	}
}

func TestForwardResponseHeadersDropsSpoofedMarkers(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/css")
	src.Set("Content-Length", "12")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("X-Shellcache-Source", "cache")
	src.Set("X-Shellcache-Offline", "true")

	got := map[string]string{}
	ForwardResponseHeaders(src, func(key, value string) { got[key] = value })

	if len(got) != 1 || got["Content-Type"] != "text/css" {
		t.Fatalf("only Content-Type should pass through, got %v", got)
	}
}
