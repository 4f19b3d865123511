package policy

import "time"

// StrategyOptions 描述来自 Route 配置的 override。
type StrategyOptions struct {
	TimeoutOverride time.Duration
	Store           bool
}

// ResolveProfile 将策略默认值与路由级覆盖合并。
func ResolveProfile(kind Kind, defaultTimeout time.Duration, opts StrategyOptions) Profile {
	profile := Profile{
		Kind:    kind,
		Timeout: defaultTimeout,
		Store:   opts.Store,
	}
	if opts.TimeoutOverride > 0 {
		profile.Timeout = opts.TimeoutOverride
	}
	return normalizeProfile(profile)
}

func normalizeProfile(profile Profile) Profile {
	if profile.Timeout < 0 {
		profile.Timeout = 0
	}
	switch profile.Kind {
	case KindCacheFirst:
		profile.Store = true
		profile.Timeout = 0
	case KindNetworkOnly:
		profile.Timeout = 0
	case "":
		profile.Kind = KindNetworkFirst
	}
	return profile
}
