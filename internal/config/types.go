package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 支持 "512MB"、"1GiB" 或纯字节整数的写法。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = 0
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 输出人类可读的容量，供日志使用。
func (b ByteSize) String() string {
	if b <= 0 {
		return "unlimited"
	}
	return humanize.Bytes(uint64(b))
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的持久化驱动。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
)

// GlobalConfig 描述全局运行时行为，所有会话共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StorageQuota    ByteSize `mapstructure:"StorageQuota"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// AppConfig 描述被缓存的应用：源站、manifest 位置与更新节奏。
type AppConfig struct {
	Origin               string   `mapstructure:"Origin"`
	ManifestURL          string   `mapstructure:"ManifestURL"`
	ManifestPath         string   `mapstructure:"ManifestPath"`
	PollInterval         Duration `mapstructure:"PollInterval"`
	PrefetchConcurrency  int      `mapstructure:"PrefetchConcurrency"`
	NetworkFirstTimeout  Duration `mapstructure:"NetworkFirstTimeout"`
	OfflinePage          string   `mapstructure:"OfflinePage"`
	DefaultPolicy        string   `mapstructure:"DefaultPolicy"`
	BestEffortMaxEntries int      `mapstructure:"BestEffortMaxEntries"`
	InstallCooldown      Duration `mapstructure:"InstallCooldown"`
	AssumeInstallCapable bool     `mapstructure:"AssumeInstallCapable"`
	// SessionIdleTimeout 之后未活动的会话会被关闭并释放其固定的代际。
	SessionIdleTimeout Duration `mapstructure:"SessionIdleTimeout"`
}

// RouteConfig 是静态路由表的一行：Pattern 命中后采用 Policy。
type RouteConfig struct {
	Name    string   `mapstructure:"Name"`
	Pattern string   `mapstructure:"Pattern"`
	Policy  string   `mapstructure:"Policy"`
	Timeout Duration `mapstructure:"Timeout"`
	Store   bool     `mapstructure:"Store"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	App    AppConfig     `mapstructure:"App"`
	Routes []RouteConfig `mapstructure:"Route"`
}

// ManifestSource 返回 manifest 来源描述（url 或 file），供日志字段使用。
func (a AppConfig) ManifestSource() string {
	if strings.TrimSpace(a.ManifestPath) != "" {
		return "file:" + a.ManifestPath
	}
	return "url:" + a.ManifestURL
}

// EffectiveTimeout 返回路由生效的 network-first 超时，未覆盖时回退至全局值。
func (c *Config) EffectiveTimeout(r RouteConfig) time.Duration {
	if r.Timeout.DurationValue() > 0 {
		return r.Timeout.DurationValue()
	}
	return c.App.NetworkFirstTimeout.DurationValue()
}

// RouteSummary 输出 name:policy 形式的路由摘要，例如 shell:cache-first。
func RouteSummary(routes []RouteConfig) []string {
	if len(routes) == 0 {
		return nil
	}
	result := make([]string, len(routes))
	for i, route := range routes {
		result[i] = fmt.Sprintf("%s:%s", route.Name, route.Policy)
	}
	return result
}
