package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const v1 = `{
  "name": "Field Notes",
  "short_name": "Notes",
  "start_url": "/index.html",
  "display": "standalone",
  "icons": [{"src": "/icons/192.png", "sizes": "192x192", "type": "image/png"}],
  "theme_color": "#0d47a1",
  "assets": ["/a.js", "/b.css"]
}`

func TestParseHashIsDeterministic(t *testing.T) {
	first, err := Parse([]byte(v1))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	second, err := Parse([]byte(v1))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if first.Hash() == "" || first.Hash() != second.Hash() {
		t.Fatalf("identical content should yield identical hash: %s vs %s", first.Hash(), second.Hash())
	}
	if len(first.Hash()) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", first.Hash())
	}
}

func TestHashIgnoresAssetOrderAndDuplicates(t *testing.T) {
	reordered := `{"name":"Field Notes","short_name":"Notes","start_url":"/index.html","display":"standalone",
"icons":[{"src":"/icons/192.png","sizes":"192x192","type":"image/png"}],"theme_color":"#0d47a1",
"assets":["/b.css","./a.js","/a.js","https://app.example.com/a.js"]}`

	base, err := Parse([]byte(v1))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	other, err := Parse([]byte(reordered))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if base.Hash() != other.Hash() {
		t.Fatalf("normalised asset list should hash identically")
	}
	keys := other.RequiredKeys()
	if len(keys) != 2 || keys[0] != "GET /a.js" || keys[1] != "GET /b.css" {
		t.Fatalf("unexpected required keys: %v", keys)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	base, _ := Parse([]byte(v1))
	changed, err := Parse([]byte(`{"name":"Field Notes","short_name":"Notes","start_url":"/index.html","display":"standalone",
"icons":[{"src":"/icons/192.png","sizes":"192x192","type":"image/png"}],"theme_color":"#0d47a1",
"assets":["/a.js","/b.css","/c.js"]}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if base.Hash() == changed.Hash() {
		t.Fatalf("adding an asset must change the hash")
	}

	recolored, err := Parse([]byte(`{"name":"Field Notes","short_name":"Notes","start_url":"/index.html","display":"standalone",
"icons":[{"src":"/icons/192.png","sizes":"192x192","type":"image/png"}],"theme_color":"#ffffff",
"assets":["/a.js","/b.css"]}`))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if base.Hash() == recolored.Hash() {
		t.Fatalf("identity fields must participate in the hash")
	}
}

func TestParseValidation(t *testing.T) {
	testCases := []struct {
		name      string
		body      string
		wantErr   error
		wantField string
	}{
		{name: "empty", body: "  ", wantErr: ErrMalformedManifest},
		{name: "not json", body: "{name:", wantErr: ErrMalformedManifest},
		{name: "missing name", body: `{"start_url":"/","display":"browser","assets":["/a.js"]}`, wantErr: ErrMissingRequiredField, wantField: "name"},
		{name: "missing start", body: `{"name":"x","display":"browser","assets":["/a.js"]}`, wantErr: ErrMissingRequiredField, wantField: "start_url"},
		{name: "missing display", body: `{"name":"x","start_url":"/","assets":["/a.js"]}`, wantErr: ErrMissingRequiredField, wantField: "display"},
		{name: "bad display", body: `{"name":"x","start_url":"/","display":"window","assets":["/a.js"]}`, wantErr: ErrMissingRequiredField, wantField: "display"},
		{name: "icon without src", body: `{"name":"x","start_url":"/","display":"browser","icons":[{"sizes":"48x48"}],"assets":["/a.js"]}`, wantErr: ErrMissingRequiredField, wantField: "icons[0].src"},
		{name: "no assets", body: `{"name":"x","start_url":"/","display":"fullscreen","assets":[]}`, wantErr: ErrMissingRequiredField, wantField: "assets"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if tc.wantField == "" {
				return
			}
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %T", err)
			}
			if fieldErr.Field != tc.wantField {
				t.Fatalf("field mismatch: want %s got %s", tc.wantField, fieldErr.Field)
			}
		})
	}
}

func TestRequestKey(t *testing.T) {
	testCases := []struct {
		method string
		url    string
		want   string
	}{
		{"get", "/static/app.js", "GET /static/app.js"},
		{"GET", "static/../static/app.js", "GET /static/app.js"},
		{"GET", "https://app.example.com/api/items?page=2", "GET /api/items?page=2"},
		{"POST", "/api/", "POST /api/"},
		{"GET", "/a%3Fb.js", "GET /a%3Fb.js"},
		{"GET", "/fonts/Noto%20Sans.woff2?v=2", "GET /fonts/Noto%20Sans.woff2?v=2"},
		{"", "", ""},
	}
	for _, tc := range testCases {
		got, err := RequestKey(tc.method, tc.url)
		if tc.want == "" {
			if err == nil {
				t.Fatalf("empty url should fail")
			}
			continue
		}
		if err != nil {
			t.Fatalf("RequestKey(%s, %s) error: %v", tc.method, tc.url, err)
		}
		if got != tc.want {
			t.Fatalf("RequestKey(%s, %s) = %s, want %s", tc.method, tc.url, got, tc.want)
		}
	}
}

func TestIdentityCarriesHash(t *testing.T) {
	m, err := Parse([]byte(v1))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	id := m.Identity()
	if id.Name != "Field Notes" || id.Display != DisplayStandalone || id.Hash != m.Hash() {
		t.Fatalf("unexpected identity: %+v", id)
	}
	id.Icons[0].Src = "/mutated.png"
	if m.Icons[0].Src != "/icons/192.png" {
		t.Fatalf("identity must not alias manifest icons")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(v1), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	m, err := Load(context.Background(), FileSource{Path: path})
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if m.Name != "Field Notes" {
		t.Fatalf("unexpected name: %s", m.Name)
	}
}

func TestLoadFromHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manifest.json" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("manifest request should bypass caches")
		}
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = w.Write([]byte(v1))
	}))
	defer upstream.Close()

	m, err := Load(context.Background(), HTTPSource{Client: upstream.Client(), URL: upstream.URL + "/manifest.json"})
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if len(m.RequiredKeys()) != 2 {
		t.Fatalf("unexpected keys: %v", m.RequiredKeys())
	}

	_, err = Load(context.Background(), HTTPSource{Client: upstream.Client(), URL: upstream.URL + "/missing.json"})
	if err == nil {
		t.Fatalf("non-200 manifest response should fail")
	}
	if errors.Is(err, ErrMalformedManifest) {
		t.Fatalf("transport failures should not be reported as malformed")
	}
}
