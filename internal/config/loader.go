package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 用于 TELEBLOB_CACHETTL 这类通用环境变量覆盖。
const EnvPrefix = "TELEBLOB"

// legacyEnv 兼容早期部署直接使用的环境变量名。
var legacyEnv = map[string]string{
	"Telegram.BotToken": "TELEGRAM_BOT_TOKEN",
	"Telegram.ChatID":   "TELEGRAM_CHAT_ID",
	"ListenPort":        "PORT",
	"CacheDir":          "CACHE_DIR",
	"CacheTTL":          "CACHE_TTL_SECONDS",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量与校验逻辑。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyTelegramDefaults(&cfg.Telegram)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	absDB, err := filepath.Abs(cfg.Metadata.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析元数据库路径: %w", err)
	}
	cfg.Metadata.DatabasePath = absDB

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 3000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("CacheTTL", 3600)
	v.SetDefault("SweepInterval", 0)
	v.SetDefault("KeyAlgorithm", "blake3")
	v.SetDefault("MaxUploadSize", 50*1024*1024)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("Telegram.BotToken", "")
	v.SetDefault("Telegram.ChatID", "")
	v.SetDefault("Telegram.APIBase", DefaultTelegramAPIBase)
	v.SetDefault("Metadata.DatabasePath", "./data/media.db")
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		// 先列 TELEBLOB_ 前缀变量，旧变量名作为后备。
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}
	return nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 3000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(time.Hour)
	}
	if g.KeyAlgorithm == "" {
		g.KeyAlgorithm = "blake3"
	}
	g.KeyAlgorithm = strings.ToLower(strings.TrimSpace(g.KeyAlgorithm))
	if g.MaxUploadSize == 0 {
		g.MaxUploadSize = 50 * 1024 * 1024
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyTelegramDefaults(t *TelegramConfig) {
	t.BotToken = strings.TrimSpace(t.BotToken)
	t.ChatID = strings.TrimSpace(t.ChatID)
	if strings.TrimSpace(t.APIBase) == "" {
		t.APIBase = DefaultTelegramAPIBase
	}
	t.APIBase = strings.TrimRight(t.APIBase, "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
