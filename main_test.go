package main

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("SHELLCACHE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	_, errOut := useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if errOut.Len() == 0 {
		t.Fatalf("无效配置应向 stderr 输出原因")
	}
}

func TestRunVersionOutput(t *testing.T) {
	out, _ := useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(out.String(), "shellcache") {
		t.Fatalf("version 输出应包含 shellcache 标识")
	}
}

func TestBuildHTTPServerRegistersControlRoutes(t *testing.T) {
	useBufferWriters(t)
	cfg, err := config.Load(configFixture("valid.toml"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	table, err := cfg.BuildRouteTable()
	if err != nil {
		t.Fatalf("构建路由表失败: %v", err)
	}
	store, err := cache.Open(context.Background(), config.StorageDriverFS, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("初始化存储失败: %v", err)
	}
	mgr := generation.NewManager(store, generation.Options{})
	logger := logging.NewDiscardLogger()
	registry, err := server.NewSessionRegistry(cfg, server.RegistryOptions{Manager: mgr, Table: table, Logger: logger})
	if err != nil {
		t.Fatalf("构建会话注册表失败: %v", err)
	}

	app, err := buildHTTPServer(cfg, registry, proxy.NewForwarder(nil, logger), routes.ControlOptions{
		Registry:     registry,
		Manager:      mgr,
		StorageUsage: store.UsageString,
	}, logger)
	if err != nil {
		t.Fatalf("构建 HTTP 服务失败: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/status", nil))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status 接口应返回 200，得到 %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"name":"shell"`) {
		t.Fatalf("status 应包含路由表，得到 %s", body)
	}
}
