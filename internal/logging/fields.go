package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/策略/命中来源字段，供拦截器请求日志复用。
func RequestFields(route, policy, session, generation, source string) logrus.Fields {
	return logrus.Fields{
		"route":      route,
		"policy":     policy,
		"session":    session,
		"generation": generation,
		"source":     source,
		"cache_hit":  source == "cache",
	}
}

// GenerationFields 描述一次代际操作，hash 仅保留前 12 位便于检索。
func GenerationFields(action, hash, state string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": ShortHash(hash),
		"state":      state,
	}
}

// ShortHash 截断 manifest hash，空值原样返回。
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
