package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
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

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数，启动时读取一次后不再变化。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CacheDir        string   `mapstructure:"CacheDir"`
	CacheTTL        Duration `mapstructure:"CacheTTL"`
	SweepInterval   Duration `mapstructure:"SweepInterval"`
	KeyAlgorithm    string   `mapstructure:"KeyAlgorithm"`
	MaxUploadSize   int64    `mapstructure:"MaxUploadSize"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
}

// TelegramConfig 是远端 Bot API 的访问凭证。
type TelegramConfig struct {
	BotToken string `mapstructure:"BotToken"`
	ChatID   string `mapstructure:"ChatID"`
	APIBase  string `mapstructure:"APIBase"`
}

// MetadataConfig 指向媒体元数据所在的 SQLite 文件。
type MetadataConfig struct {
	DatabasePath string `mapstructure:"DatabasePath"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Telegram TelegramConfig `mapstructure:"Telegram"`
	Metadata MetadataConfig `mapstructure:"Metadata"`
}

// MaskedToken 仅保留 token 的 bot id 部分，供日志输出。
func (t TelegramConfig) MaskedToken() string {
	if t.BotToken == "" {
		return ""
	}
	if idx := strings.Index(t.BotToken, ":"); idx > 0 {
		return t.BotToken[:idx] + ":***"
	}
	return "***"
}
