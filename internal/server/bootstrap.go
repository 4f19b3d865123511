package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/manifest"
)

// OriginURL 解析 App.Origin，假定 Validate 已通过。
func OriginURL(cfg *config.Config) (*url.URL, error) {
	origin, err := url.Parse(strings.TrimSpace(cfg.App.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin %s: %w", cfg.App.Origin, err)
	}
	return origin, nil
}

// NewManifestSource 根据配置选择 manifest 来源：ManifestPath 优先，其次是相对源站解析的 ManifestURL。
func NewManifestSource(cfg *config.Config, client *http.Client) (manifest.Source, error) {
	if path := strings.TrimSpace(cfg.App.ManifestPath); path != "" {
		return manifest.FileSource{Path: path}, nil
	}
	origin, err := OriginURL(cfg)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(strings.TrimSpace(cfg.App.ManifestURL))
	if err != nil {
		return nil, fmt.Errorf("invalid manifest url %s: %w", cfg.App.ManifestURL, err)
	}
	source := manifest.HTTPSource{URL: origin.ResolveReference(ref).String()}
	if client != nil {
		source.Client = client
	}
	return source, nil
}
