package policy

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const fallbackRuleName = "default"

// Table 是按声明顺序匹配的静态路由表，构建后只读，可并发查询。
type Table struct {
	rules    []Rule
	fallback Rule
}

// NewTable 校验并构建路由表；fallback 用于未命中任何规则的请求。
func NewTable(rules []Rule, fallback Profile) (*Table, error) {
	t := &Table{
		rules: make([]Rule, 0, len(rules)),
		fallback: Rule{
			Name:    fallbackRuleName,
			Pattern: "*",
			Profile: normalizeProfile(fallback),
		},
	}

	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, errors.New("rule name is required")
		}
		if _, exists := seen[name]; exists {
			return nil, fmt.Errorf("rule %s already registered", name)
		}
		if err := ValidatePattern(rule.Pattern); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		if _, err := ParseKind(string(rule.Profile.Kind)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		seen[name] = struct{}{}
		rule.Name = name
		rule.Profile = normalizeProfile(rule.Profile)
		t.rules = append(t.rules, rule)
	}
	return t, nil
}

// Classify 返回第一条命中的规则，未命中时返回 fallback。
func (t *Table) Classify(requestPath string) Rule {
	if t == nil {
		return Rule{Name: fallbackRuleName, Profile: normalizeProfile(Profile{})}
	}
	clean := cleanPath(requestPath)
	for _, rule := range t.rules {
		if matchPattern(rule.Pattern, clean) {
			return rule
		}
	}
	return t.fallback
}

// Rules 返回路由表副本（不含 fallback），供诊断接口输出。
func (t *Table) Rules() []Rule {
	if t == nil || len(t.rules) == 0 {
		return nil
	}
	return append([]Rule(nil), t.rules...)
}

// Fallback 返回兜底规则。
func (t *Table) Fallback() Rule {
	return t.fallback
}

// ValidatePattern 校验规则写法：
//   - "/static/**"  前缀匹配；
//   - "/assets/*.js" 按 path.Match 逐段匹配；
//   - "*.css"       不以 / 开头时仅匹配最后一段文件名。
func ValidatePattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return errors.New("pattern is required")
	}
	if strings.HasSuffix(pattern, "/**") {
		pattern = strings.TrimSuffix(pattern, "**")
		if strings.Contains(pattern, "*") {
			return fmt.Errorf("prefix pattern must not contain other wildcards: %s", pattern)
		}
		return nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}
	return nil
}

func matchPattern(pattern, clean string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "**")
		return strings.HasPrefix(clean, prefix) || clean == strings.TrimSuffix(prefix, "/")
	}
	if !strings.HasPrefix(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(clean))
		return ok
	}
	ok, _ := path.Match(pattern, clean)
	return ok
}

func cleanPath(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		raw = raw[:idx]
	}
	if raw == "" {
		return "/"
	}
	return path.Clean("/" + raw)
}
