package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultTelegramAPIBase 是官方 Bot API 入口。
const DefaultTelegramAPIBase = "https://api.telegram.org"

var supportedKeyAlgorithms = map[string]struct{}{
	"blake3": {},
	"md5":    {},
}

var supportedLogFormats = map[string]struct{}{
	"":     {},
	"json": {},
	"text": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedLogFormats[strings.ToLower(g.LogFormat)]; !ok {
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.SweepInterval.DurationValue() < 0 {
		return newFieldError("Global.SweepInterval", "不能为负数")
	}
	if _, ok := supportedKeyAlgorithms[g.KeyAlgorithm]; !ok {
		return newFieldError("Global.KeyAlgorithm", "仅支持 blake3/md5")
	}
	if g.MaxUploadSize <= 0 {
		return newFieldError("Global.MaxUploadSize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	tg := c.Telegram
	if tg.BotToken == "" {
		return newFieldError(sectionField("Telegram", "BotToken"), "不能为空（可通过 TELEGRAM_BOT_TOKEN 提供）")
	}
	if tg.ChatID == "" {
		return newFieldError(sectionField("Telegram", "ChatID"), "不能为空（可通过 TELEGRAM_CHAT_ID 提供）")
	}
	if err := validateAPIBase(tg.APIBase); err != nil {
		return fmt.Errorf("%s: %w", sectionField("Telegram", "APIBase"), err)
	}

	if strings.TrimSpace(c.Metadata.DatabasePath) == "" {
		return newFieldError(sectionField("Metadata", "DatabasePath"), "不能为空")
	}

	return nil
}

func validateAPIBase(raw string) error {
	if raw == "" {
		return errors.New("缺少 API 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("API 地址缺少 Host: %s", raw)
	}
	return nil
}
