package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/policy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.StorageQuota < 0 {
		return newFieldError("Global.StorageQuota", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	a := c.App
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if strings.TrimSpace(a.ManifestURL) == "" && strings.TrimSpace(a.ManifestPath) == "" {
		return newFieldError("App.ManifestURL", "ManifestURL 与 ManifestPath 至少提供一个")
	}
	if a.PollInterval.DurationValue() <= 0 {
		return newFieldError("App.PollInterval", "必须大于 0")
	}
	if a.NetworkFirstTimeout.DurationValue() <= 0 {
		return newFieldError("App.NetworkFirstTimeout", "必须大于 0")
	}
	if a.BestEffortMaxEntries < 0 {
		return newFieldError("App.BestEffortMaxEntries", "不能为负数")
	}
	if a.InstallCooldown.DurationValue() < 0 {
		return newFieldError("App.InstallCooldown", "不能为负数")
	}
	if a.SessionIdleTimeout.DurationValue() < 0 {
		return newFieldError("App.SessionIdleTimeout", "不能为负数")
	}
	if _, err := policy.ParseKind(a.DefaultPolicy); err != nil {
		return newFieldError("App.DefaultPolicy", "仅支持 "+policy.KindList)
	}
	if a.OfflinePage != "" && !strings.HasPrefix(a.OfflinePage, "/") {
		return newFieldError("App.OfflinePage", "必须以 / 开头")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Routes {
		route := &c.Routes[i]
		if _, exists := seenNames[route.Name]; exists {
			return newFieldError(routeField(route.Name, "Name"), "重复")
		}
		seenNames[route.Name] = struct{}{}

		if err := policy.ValidatePattern(route.Pattern); err != nil {
			return fmt.Errorf("%s: %w", routeField(route.Name, "Pattern"), err)
		}
		if route.Policy == "" {
			return newFieldError(routeField(route.Name, "Policy"), "不能为空")
		}
		if _, err := policy.ParseKind(route.Policy); err != nil {
			return newFieldError(routeField(route.Name, "Policy"), "仅支持 "+policy.KindList)
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
