package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/memory-bank/internal/cache"
	"github.com/any-hub/memory-bank/internal/config"
	"github.com/any-hub/memory-bank/internal/logging"
	"github.com/any-hub/memory-bank/internal/server"
	"github.com/any-hub/memory-bank/internal/server/routes"
	"github.com/any-hub/memory-bank/internal/store"
	"github.com/any-hub/memory-bank/internal/version"
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

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["storage_path"] = cfg.Global.StoragePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, cached, err := buildApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["cache_ttl"] = cfg.Global.CacheTTL.DurationValue().String()
	fields["keep_last"] = cfg.Global.KeepLast
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	logger.WithFields(logrus.Fields{"action": "shutdown", "cache": cached.Stats()}).Info("服务已退出")
	return 0
}

// buildApp 按“磁盘存储 → 读缓存 → Fiber app”顺序组装，所有请求共享同一个缓存实例。
func buildApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, *cache.Cache, error) {
	backend, err := store.NewStore(cfg.Global.StoragePath,
		store.WithKeepLast(cfg.Global.KeepLast),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}

	cached := cache.New(backend,
		cache.WithTTL(cfg.Global.CacheTTL.DurationValue()),
		cache.WithLogger(logger),
	)

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Store:  cached,
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterDiagnosticRoutes(app, cached)
	return app, cached, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("memory-bank", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEMORY_BANK_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEMORY_BANK_CONFIG")
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

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
