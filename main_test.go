package main

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/teleblob/internal/config"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("TELEBLOB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--clear-cache"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if !opts.clearCache {
		t.Fatalf("--clear-cache 未生效")
	}
}

func TestParseCLIFlagsWithoutDefaultFile(t *testing.T) {
	t.Setenv("TELEBLOB_CONFIG", "")
	t.Chdir(t.TempDir())

	opts, err := parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "" {
		t.Fatalf("缺少 config.toml 时应仅使用环境变量，得到 %s", opts.configPath)
	}

	if err := os.WriteFile(defaultConfigFile, []byte(""), 0o600); err != nil {
		t.Fatalf("写入默认配置失败: %v", err)
	}
	opts, err = parseCLIFlags(nil)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != defaultConfigFile {
		t.Fatalf("存在 config.toml 时应使用它，得到 %s", opts.configPath)
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	isolateEnv(t)
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	isolateEnv(t)
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "BotToken") {
		t.Fatalf("错误输出应指出缺失字段，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "teleblob") {
		t.Fatalf("version 输出应包含 teleblob 标识")
	}
}

func TestRunClearCache(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		t.Fatalf("创建缓存目录失败: %v", err)
	}
	stale := filepath.Join(cacheDir, strings.Repeat("a", 32))
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatalf("写入缓存文件失败: %v", err)
	}

	useBufferWriters(t)
	code := run(cliOptions{configPath: writeTestConfig(t, dir), clearCache: true})
	if code != 0 {
		t.Fatalf("clear-cache 应成功，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("缓存文件应被删除，stat err=%v", err)
	}
}

func TestBootstrapServesHealth(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	cfg, err := config.Load(writeTestConfig(t, dir))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := newCacheStore(cfg)
	if err != nil {
		t.Fatalf("初始化缓存失败: %v", err)
	}
	svc, err := bootstrap(cfg, store, logger)
	if err != nil {
		t.Fatalf("bootstrap 失败: %v", err)
	}
	t.Cleanup(svc.close)

	resp, err := svc.app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("/health 应返回 200，得到 %d", resp.StatusCode)
	}
	if _, err := os.Stat(cfg.Metadata.DatabasePath); err != nil {
		t.Fatalf("元数据库应已创建: %v", err)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats error: %v", err)
	}
	if stats.KeyAlgorithm != "md5" {
		t.Fatalf("配置的 KeyAlgorithm 未生效: %s", stats.KeyAlgorithm)
	}
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
ListenPort = 3100
CacheDir = "%s"
KeyAlgorithm = "md5"

[Telegram]
BotToken = "123456:test-token"
ChatID = "-1001"

[Metadata]
DatabasePath = "%s"
`, filepath.Join(dir, "cache"), filepath.Join(dir, "data", "media.db")))
}
