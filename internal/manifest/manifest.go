package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Display 是 manifest 的 display 取值。
type Display string

const (
	DisplayFullscreen Display = "fullscreen"
	DisplayStandalone Display = "standalone"
	DisplayMinimalUI  Display = "minimal-ui"
	DisplayBrowser    Display = "browser"
)

func (d Display) valid() bool {
	switch d {
	case DisplayFullscreen, DisplayStandalone, DisplayMinimalUI, DisplayBrowser:
		return true
	}
	return false
}

// Icon 对应 manifest icons 数组中的一项，顺序有意义。
type Icon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes,omitempty"`
	Type  string `json:"type,omitempty"`
}

// AssetManifest 是一次部署版本的声明，加载后不可变。
type AssetManifest struct {
	Name            string   `json:"name"`
	ShortName       string   `json:"short_name,omitempty"`
	StartURL        string   `json:"start_url"`
	Display         Display  `json:"display"`
	Icons           []Icon   `json:"icons,omitempty"`
	BackgroundColor string   `json:"background_color,omitempty"`
	ThemeColor      string   `json:"theme_color,omitempty"`
	Assets          []string `json:"assets"`

	keys []string
	hash string
}

// AppIdentity 是 Active 代际 manifest 的只读视图，供安装判定与 webmanifest 输出使用。
type AppIdentity struct {
	Name            string  `json:"name"`
	ShortName       string  `json:"short_name,omitempty"`
	StartURL        string  `json:"start_url"`
	Display         Display `json:"display"`
	Icons           []Icon  `json:"icons,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"`
	ThemeColor      string  `json:"theme_color,omitempty"`
	Hash            string  `json:"-"`
}

// Parse 解析并校验 manifest，成功后计算请求键与内容 hash。
func Parse(data []byte) (*AssetManifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedManifest)
	}

	var m AssetManifest
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	keys, err := normalizeAssets(m.Assets)
	if err != nil {
		return nil, err
	}
	m.keys = keys
	m.Icons = append([]Icon(nil), m.Icons...)
	m.Assets = append([]string(nil), m.Assets...)

	hash, err := m.computeHash()
	if err != nil {
		return nil, err
	}
	m.hash = hash
	return &m, nil
}

func (m *AssetManifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return missingField("name")
	}
	if strings.TrimSpace(m.StartURL) == "" {
		return missingField("start_url")
	}
	if m.Display == "" {
		return missingField("display")
	}
	if !m.Display.valid() {
		return invalidField("display", fmt.Sprintf("unsupported value %q", m.Display))
	}
	for i, icon := range m.Icons {
		if strings.TrimSpace(icon.Src) == "" {
			return missingField(fmt.Sprintf("icons[%d].src", i))
		}
	}
	if len(m.Assets) == 0 {
		return missingField("assets")
	}
	return nil
}

// Hash 返回 manifest 内容 hash（SHA-256 hex）。
func (m *AssetManifest) Hash() string {
	return m.hash
}

// RequiredKeys 返回规范化、去重并排序后的必需资源请求键。
func (m *AssetManifest) RequiredKeys() []string {
	return append([]string(nil), m.keys...)
}

// Identity 返回 manifest 的身份视图。
func (m *AssetManifest) Identity() AppIdentity {
	return AppIdentity{
		Name:            m.Name,
		ShortName:       m.ShortName,
		StartURL:        m.StartURL,
		Display:         m.Display,
		Icons:           append([]Icon(nil), m.Icons...),
		BackgroundColor: m.BackgroundColor,
		ThemeColor:      m.ThemeColor,
		Hash:            m.hash,
	}
}

// canonical 固定字段顺序，资源列表以规范化请求键参与计算。
type canonical struct {
	Name            string   `json:"name"`
	ShortName       string   `json:"short_name"`
	StartURL        string   `json:"start_url"`
	Display         Display  `json:"display"`
	Icons           []Icon   `json:"icons"`
	BackgroundColor string   `json:"background_color"`
	ThemeColor      string   `json:"theme_color"`
	Assets          []string `json:"assets"`
}

func (m *AssetManifest) computeHash() (string, error) {
	icons := m.Icons
	if icons == nil {
		icons = []Icon{}
	}
	payload, err := json.Marshal(canonical{
		Name:            m.Name,
		ShortName:       m.ShortName,
		StartURL:        m.StartURL,
		Display:         m.Display,
		Icons:           icons,
		BackgroundColor: m.BackgroundColor,
		ThemeColor:      m.ThemeColor,
		Assets:          m.keys,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeAssets(assets []string) ([]string, error) {
	seen := make(map[string]struct{}, len(assets))
	keys := make([]string, 0, len(assets))
	for i, raw := range assets {
		key, err := RequestKey("GET", raw)
		if err != nil {
			return nil, invalidField(fmt.Sprintf("assets[%d]", i), err.Error())
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// RequestKey 将 method + URL 规范化为缓存键："GET /static/app.js?v=1"。
// 绝对 URL 只保留 path 与 query（单一 origin），path 会被 Clean。
func RequestKey(method, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	// 保留转义形式，键里的 %3F 之类不会在再次解析时变成 query。
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	key := method + " " + cleaned
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key, nil
}
