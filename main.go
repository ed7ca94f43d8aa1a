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

	"github.com/any-hub/teleblob/internal/cache"
	"github.com/any-hub/teleblob/internal/config"
	"github.com/any-hub/teleblob/internal/logging"
	"github.com/any-hub/teleblob/internal/metadata"
	"github.com/any-hub/teleblob/internal/retrieval"
	"github.com/any-hub/teleblob/internal/server"
	"github.com/any-hub/teleblob/internal/server/routes"
	"github.com/any-hub/teleblob/internal/telegram"
	"github.com/any-hub/teleblob/internal/version"
)

const (
	defaultConfigFile = "config.toml"
	// multipartOverhead 为 multipart 边界与表单字段预留的请求体余量。
	multipartOverhead = 1 << 20
	shutdownTimeout   = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	clearCache  bool
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
		fields["listen_port"] = cfg.Global.ListenPort
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["key_algorithm"] = cfg.Global.KeyAlgorithm
		fields["bot_token"] = cfg.Telegram.MaskedToken()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	store, err := newCacheStore(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	if opts.clearCache {
		if err := store.ClearAll(context.Background()); err != nil {
			fmt.Fprintf(stdErr, "清空缓存失败: %v\n", err)
			return 1
		}
		logger.WithFields(logging.BaseFields("cache_clear", opts.configPath)).Info("缓存已清空")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap(cfg, store, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "启动失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = cfg.Global.CacheDir
	fields["cache_ttl_s"] = int64(cfg.Global.CacheTTL.DurationValue().Seconds())
	fields["key_algorithm"] = cfg.Global.KeyAlgorithm
	fields["database"] = cfg.Metadata.DatabasePath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("teleblob", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		clearCache bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TELEBLOB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&clearCache, "clear-cache", false, "清空缓存目录后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TELEBLOB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	// 默认配置文件不存在时只使用默认值与环境变量。
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		clearCache:  clearCache,
	}, nil
}

func newCacheStore(cfg *config.Config) (cache.Store, error) {
	algo, err := cache.ParseKeyAlgorithm(cfg.Global.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	return cache.NewStore(cfg.Global.CacheDir, cfg.Global.CacheTTL.DurationValue(), cache.WithKeyAlgorithm(algo))
}

// service 持有运行期组件，close 负责释放数据库连接。
type service struct {
	app     *fiber.App
	sweeper *cache.Sweeper
	repo    *metadata.Store
	logger  *logrus.Logger
}

// bootstrap 遵循“缓存 → 启动清理 → 元数据库 → Telegram → Resolver → Fiber”顺序组装组件。
func bootstrap(cfg *config.Config, store cache.Store, logger *logrus.Logger) (*service, error) {
	sweeper := cache.NewSweeper(store, cfg.Global.SweepInterval.DurationValue(), logger)
	// 清理失败只记录日志，不阻塞启动。
	_, _ = sweeper.SweepOnce(context.Background(), "startup")

	repo, err := metadata.Open(cfg.Metadata.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("打开元数据库失败: %w", err)
	}

	remote, err := telegram.NewClient(server.NewUpstreamClient(cfg), telegram.Options{
		BaseURL:        cfg.Telegram.APIBase,
		Token:          cfg.Telegram.BotToken,
		ChatID:         cfg.Telegram.ChatID,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	}, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("初始化 Telegram 客户端失败: %w", err)
	}

	media, err := routes.NewMediaHandler(routes.MediaOptions{
		Repository:    repo,
		Remote:        remote,
		Resolver:      retrieval.NewResolver(store, logger),
		Logger:        logger,
		MaxUploadSize: cfg.Global.MaxUploadSize,
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		BodyLimit: int(cfg.Global.MaxUploadSize) + multipartOverhead,
		Routes: []server.RouteRegistrar{
			routes.RegisterHealthRoutes,
			media.Register,
			routes.RegisterCacheRoutes(store, sweeper),
		},
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return &service{app: app, sweeper: sweeper, repo: repo, logger: logger}, nil
}

// serve 启动周期清理与 HTTP 监听，ctx 结束后优雅关闭。
func (s *service) serve(ctx context.Context, port int) error {
	go s.sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.WithField("action", "shutdown").Info("收到退出信号，开始优雅关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *service) close() {
	if err := s.repo.Close(); err != nil {
		s.logger.WithError(err).Warn("关闭元数据库失败")
	}
}

// printVersion 输出构建时注入的版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
