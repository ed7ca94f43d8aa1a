package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供媒体 ID/缓存键/命中状态字段，供检索与路由日志复用。
func RequestFields(mediaID, cacheKey string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"media_id":  mediaID,
		"cache_key": cacheKey,
		"cache_hit": cacheHit,
	}
}
