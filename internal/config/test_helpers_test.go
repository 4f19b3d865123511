package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testAppSection = `
[App]
Origin = "https://app.example.com"
`

// writeAppConfig 写出带最小 [App] 段的临时配置，global 为顶层键，app 追加在 [App] 段末尾。
func writeAppConfig(t *testing.T, global, app string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := global + "\n" + testAppSection + app + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
