package config

import (
	"github.com/any-hub/shellcache/internal/policy"
)

// BuildRouteTable 将 [[Route]] 配置与默认策略合并为只读路由表，假定 Validate 已通过。
func (c *Config) BuildRouteTable() (*policy.Table, error) {
	rules := make([]policy.Rule, 0, len(c.Routes))
	for _, route := range c.Routes {
		kind, err := policy.ParseKind(route.Policy)
		if err != nil {
			return nil, newFieldError(routeField(route.Name, "Policy"), err.Error())
		}
		rules = append(rules, policy.Rule{
			Name:    route.Name,
			Pattern: route.Pattern,
			Profile: policy.ResolveProfile(kind, c.App.NetworkFirstTimeout.DurationValue(), route.StrategyOverrides()),
		})
	}

	fallbackKind, err := policy.ParseKind(c.App.DefaultPolicy)
	if err != nil {
		return nil, newFieldError("App.DefaultPolicy", err.Error())
	}
	fallback := policy.ResolveProfile(fallbackKind, c.App.NetworkFirstTimeout.DurationValue(), policy.StrategyOptions{Store: true})
	return policy.NewTable(rules, fallback)
}

// StrategyOverrides 将路由层的 Timeout/Store 配置映射为策略覆盖项。
func (r RouteConfig) StrategyOverrides() policy.StrategyOptions {
	return policy.StrategyOptions{
		TimeoutOverride: r.Timeout.DurationValue(),
		Store:           r.Store,
	}
}
