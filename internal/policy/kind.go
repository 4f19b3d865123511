package policy

import (
	"fmt"
	"strings"
	"time"
)

// Kind 描述一次请求采用的取数策略。
type Kind string

const (
	KindCacheFirst   Kind = "cache-first"
	KindNetworkFirst Kind = "network-first"
	KindNetworkOnly  Kind = "network-only"
)

// KindList 供配置校验输出可选值。
const KindList = "cache-first|network-first|network-only"

// ParseKind 将配置中的策略字符串标准化。
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCacheFirst:
		return KindCacheFirst, nil
	case KindNetworkFirst:
		return KindNetworkFirst, nil
	case KindNetworkOnly:
		return KindNetworkOnly, nil
	default:
		return "", fmt.Errorf("unsupported policy: %q", raw)
	}
}

// Profile 是某条路由最终生效的策略参数。
type Profile struct {
	Kind Kind
	// Timeout 仅对 network-first 生效。
	Timeout time.Duration
	// Store 表示网络成功后是否写回缓存；cache-first 恒为 true。
	Store bool
}

// Rule 是路由表中的一行。
type Rule struct {
	Name    string
	Pattern string
	Profile Profile
}
