package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/install"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/update"
	"github.com/any-hub/shellcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	table, err := cfg.BuildRouteTable()
	if err != nil {
		fmt.Fprintf(stdErr, "构建路由表失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = config.RouteSummary(cfg.Routes)
		fields["default_policy"] = string(table.Fallback().Profile.Kind)
		fields["manifest"] = cfg.App.ManifestSource()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 持久化存储 → 代际恢复 → 更新协调器 → 会话注册表 → Fiber server，
	// 保证重启后第一时间即可离线服务上一次的 Active 代际。
	store, err := cache.Open(ctx, cfg.Global.StorageDriver, cfg.Global.StoragePath, cfg.Global.StorageQuota.Int64())
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	mgr := generation.NewManager(store, generation.Options{
		BestEffortMaxEntries: cfg.App.BestEffortMaxEntries,
		SessionIdleTimeout:   cfg.App.SessionIdleTimeout.DurationValue(),
		Logger:               logger,
	})
	if err := mgr.Restore(ctx); err != nil {
		fmt.Fprintf(stdErr, "恢复缓存代际失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	source, err := server.NewManifestSource(cfg, httpClient)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 manifest 来源失败: %v\n", err)
		return 1
	}
	origin, err := server.OriginURL(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站失败: %v\n", err)
		return 1
	}

	installCtrl, err := install.New(ctx, install.Options{
		Store:         store,
		Manager:       mgr,
		Cooldown:      cfg.App.InstallCooldown.DurationValue(),
		AssumeCapable: cfg.App.AssumeInstallCapable,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化安装控制器失败: %v\n", err)
		return 1
	}

	fetcher, err := update.NewFetcher(update.FetcherOptions{
		Client:         httpClient,
		Origin:         origin,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		MaxBackoff:     cfg.Global.MaxBackoff.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化预取器失败: %v\n", err)
		return 1
	}
	coordinator, err := update.New(update.Options{
		Source:       source,
		Manager:      mgr,
		Fetcher:      fetcher,
		PollInterval: cfg.App.PollInterval.DurationValue(),
		Concurrency:  cfg.App.PrefetchConcurrency,
		Logger:       logger,
		OnManifest:   installCtrl.ObserveManifest,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化更新协调器失败: %v\n", err)
		return 1
	}

	registry, err := server.NewSessionRegistry(cfg, server.RegistryOptions{
		Manager:  mgr,
		Table:    table,
		Logger:   logger,
		Boundary: coordinator.SessionBoundary,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建会话注册表失败: %v\n", err)
		return 1
	}

	interceptor := proxy.NewInterceptor(proxy.InterceptorOptions{
		Client:      httpClient,
		Manager:     mgr,
		Logger:      logger,
		OfflinePage: cfg.App.OfflinePage,
	})
	forwarder := proxy.NewForwarder(interceptor, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = origin.String()
	fields["manifest"] = source.String()
	fields["routes"] = config.RouteSummary(cfg.Routes)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage"] = store.UsageString()
	fields["storage_driver"] = cfg.Global.StorageDriver
	if active := mgr.Active(); active != nil {
		fields["generation"] = logging.ShortHash(active.Hash())
	}
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go coordinator.Run(ctx)

	app, err := buildHTTPServer(cfg, registry, forwarder, routes.ControlOptions{
		Registry:     registry,
		Manager:      mgr,
		Coordinator:  coordinator,
		Install:      installCtrl,
		StorageUsage: store.UsageString,
	}, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	if err := serve(ctx, app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func buildHTTPServer(cfg *config.Config, registry *server.SessionRegistry, proxyHandler server.ProxyHandler, control routes.ControlOptions, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterControlRoutes(app, control)
	return app, nil
}

// serve 监听端口直到 ctx 结束，随后优雅关闭。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，关闭服务")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
